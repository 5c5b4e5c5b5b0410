package blkq

import (
	"sync"
	"syscall"
)

// Memory is a RAM-backed medium, mainly used as the reference target for
// the dispatch engine and its tests.
type Memory struct {
	mu   sync.RWMutex
	data []byte
	size int64
}

// NewMemory creates a memory medium of the specified size.
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements the Medium interface.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off >= m.size {
		return 0, nil
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	return n, nil
}

// WriteAt implements the Medium interface.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off >= m.size {
		return 0, syscall.ENOSPC
	}
	available := m.size - off
	if int64(len(p)) > available {
		return 0, syscall.ENOSPC
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	return n, nil
}

// Size implements the Medium interface.
func (m *Memory) Size() int64 { return m.size }

// Flush implements the Medium interface. Memory needs no flushing.
func (m *Memory) Flush() error { return nil }

// Close implements the Medium interface.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// ZeroOut implements the ZeroOutMedium interface.
func (m *Memory) ZeroOut(off, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off >= m.size {
		return nil
	}
	end := off + length
	if end > m.size {
		end = m.size
	}
	for i := off; i < end; i++ {
		m.data[i] = 0
	}
	return nil
}

// Discard implements the DiscardMedium interface. Discarded ranges read
// back as zeroes.
func (m *Memory) Discard(off, length int64) error {
	return m.ZeroOut(off, length)
}

// Compile-time interface checks
var (
	_ Medium        = (*Memory)(nil)
	_ ZeroOutMedium = (*Memory)(nil)
	_ DiscardMedium = (*Memory)(nil)
)
