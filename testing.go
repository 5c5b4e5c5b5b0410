package bdev

import (
	"sync"
	"syscall"

	"github.com/behrlich/go-bdev/internal/blkq"
)

// MockMedium provides a mock implementation of blkq.Medium for testing.
// It implements the optional range interfaces and tracks method calls for
// verification.
type MockMedium struct {
	data   []byte
	size   int64
	closed bool

	// Injected failures
	readErr  error
	writeErr error
	flushErr error

	// Method call tracking
	mu           sync.RWMutex
	readCalls    int
	writeCalls   int
	flushCalls   int
	zeroOutCalls int
	discardCalls int
}

// NewMockMedium creates a new mock medium with the specified size.
func NewMockMedium(size int64) *MockMedium {
	return &MockMedium{
		data: make([]byte, size),
		size: size,
	}
}

// FailReads makes every ReadAt return err (nil restores normal operation).
func (m *MockMedium) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// FailWrites makes every WriteAt return err.
func (m *MockMedium) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// FailFlush makes every Flush return err.
func (m *MockMedium) FailFlush(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushErr = err
}

// ReadAt implements the Medium interface
func (m *MockMedium) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++

	if m.closed {
		return 0, syscall.ENODEV
	}
	if m.readErr != nil {
		return 0, m.readErr
	}
	if off >= m.size {
		return 0, nil
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	return copy(p, m.data[off:off+int64(len(p))]), nil
}

// WriteAt implements the Medium interface
func (m *MockMedium) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++

	if m.closed {
		return 0, syscall.ENODEV
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	if off >= m.size || off+int64(len(p)) > m.size {
		return 0, syscall.ENOSPC
	}

	return copy(m.data[off:off+int64(len(p))], p), nil
}

// Size implements the Medium interface
func (m *MockMedium) Size() int64 {
	return m.size
}

// Flush implements the Medium interface
func (m *MockMedium) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushCalls++
	return m.flushErr
}

// Close implements the Medium interface
func (m *MockMedium) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// ZeroOut implements the ZeroOutMedium interface
func (m *MockMedium) ZeroOut(off, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.zeroOutCalls++

	end := off + length
	if end > m.size {
		end = m.size
	}
	for i := off; i < end; i++ {
		m.data[i] = 0
	}
	return nil
}

// Discard implements the DiscardMedium interface
func (m *MockMedium) Discard(off, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.discardCalls++

	end := off + length
	if end > m.size {
		end = m.size
	}
	for i := off; i < end; i++ {
		m.data[i] = 0
	}
	return nil
}

// Testing utility methods

// IsClosed returns true if the medium has been closed
func (m *MockMedium) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Peek returns a copy of the stored bytes in [off, off+length).
func (m *MockMedium) Peek(off, length int64) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]byte, length)
	copy(out, m.data[off:off+length])
	return out
}

// Poke stores b at off, bypassing the I/O path.
func (m *MockMedium) Poke(off int64, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[off:], b)
}

// CallCounts returns the number of times each method has been called
func (m *MockMedium) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":     m.readCalls,
		"write":    m.writeCalls,
		"flush":    m.flushCalls,
		"zero_out": m.zeroOutCalls,
		"discard":  m.discardCalls,
	}
}

// Reset resets all call counters
func (m *MockMedium) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls = 0
	m.writeCalls = 0
	m.flushCalls = 0
	m.zeroOutCalls = 0
	m.discardCalls = 0
}

// Compile-time interface checks
var (
	_ blkq.Medium        = (*MockMedium)(nil)
	_ blkq.ZeroOutMedium = (*MockMedium)(nil)
	_ blkq.DiscardMedium = (*MockMedium)(nil)
)
