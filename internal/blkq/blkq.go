// Package blkq is the block-layer collaborator contract consumed by the
// direct I/O engine: a submission queue with plugging and polling, plus the
// zero-out, discard and flush primitives, all running against a Medium.
package blkq

import "github.com/behrlich/go-bdev/internal/seg"

// Medium is the storage a queue dispatches to. It is intentionally close to
// io.ReaderAt/io.WriterAt for composability.
type Medium interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the medium in bytes.
	Size() int64

	// Flush flushes any volatile write state to stable storage.
	Flush() error

	// Close releases the medium. No other methods may be called after.
	Close() error
}

// ZeroOutMedium is an optional interface for efficient zero-filling.
type ZeroOutMedium interface {
	Medium

	// ZeroOut makes the given byte range read back as zeroes.
	ZeroOut(off, length int64) error
}

// DiscardMedium is an optional interface for space deallocation with no
// read-back guarantee.
type DiscardMedium interface {
	Medium

	// Discard releases the given byte range.
	Discard(off, length int64) error
}

// Cookie identifies an in-flight submission for the polling primitive.
type Cookie uint64

// NoCookie is returned for submissions that cannot be polled.
const NoCookie Cookie = 0

// Queue is the block-layer submission primitive.
type Queue interface {
	// Submit hands one segment to the queue. The segment's outcome is
	// always reported through s.End, exactly once, possibly from an
	// independent completion goroutine. Submit itself never blocks on
	// device progress.
	Submit(s *seg.Segment) Cookie

	// Poll drives completion of parked polled segments on the calling
	// goroutine. It returns true if any segment progressed. With wait set
	// it blocks until progress or queue shutdown.
	Poll(c Cookie, wait bool) bool

	// ZeroOut makes a byte range read back as zeroes. With noFallback set
	// the medium must support the primitive natively; otherwise zeroes may
	// be written explicitly.
	ZeroOut(off, length int64, noFallback bool) error

	// Discard deallocates a byte range with no read-back guarantee.
	Discard(off, length int64) error

	// Flush flushes the medium's volatile write state.
	Flush() error

	// Size reports the medium size in bytes.
	Size() int64

	// LogicalBlockSize reports the device's logical block size in bytes.
	LogicalBlockSize() int

	// Close shuts the queue down and closes the medium.
	Close() error
}

// Plug batches submissions so the queue sees them as one burst. Polled I/O
// must bypass the plug and go straight to the queue.
type Plug struct {
	q     Queue
	batch []*seg.Segment
}

// StartPlug opens a plug over q.
func StartPlug(q Queue) *Plug {
	return &Plug{q: q}
}

// Submit defers the segment until Finish.
func (p *Plug) Submit(s *seg.Segment) {
	p.batch = append(p.batch, s)
}

// Finish releases all plugged segments to the queue in submission order.
func (p *Plug) Finish() {
	for _, s := range p.batch {
		p.q.Submit(s)
	}
	p.batch = nil
}
