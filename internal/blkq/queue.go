package blkq

import (
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/eapache/queue"

	"github.com/behrlich/go-bdev/internal/constants"
	"github.com/behrlich/go-bdev/internal/logging"
	"github.com/behrlich/go-bdev/internal/seg"
)

// zeroFallbackChunk is the write size used when zero-filling without a
// native zero-out primitive.
const zeroFallbackChunk = 64 * 1024

// Options configures a queue.
type Options struct {
	// Workers is the number of completion goroutines (default 4).
	Workers int

	// Depth is the submission backlog; a full backlog fails Nowait
	// submissions with EAGAIN (default 128).
	Depth int

	// LogicalBlockSize defaults to 512.
	LogicalBlockSize int

	// SubmitHook, when set, runs before each segment is performed. A
	// non-nil error becomes the segment's completion status. Used by tests
	// to inject device failures.
	SubmitHook func(s *seg.Segment) error

	Logger *logging.Logger
}

// ioQueue dispatches segments to a Medium from a pool of workers.
// Completions for polled segments are parked until Poll collects them;
// everything else completes from the worker goroutine.
type ioQueue struct {
	medium Medium
	lbs    int
	hook   func(s *seg.Segment) error
	logger *logging.Logger

	subs    chan *seg.Segment
	cookies atomic.Uint64
	done    chan struct{}
	wg      sync.WaitGroup

	// closeMu serializes submissions against shutdown: a send on subs
	// only happens under the read lock, and subs is only closed under
	// the write lock.
	closeMu sync.RWMutex
	closed  bool

	pmu      sync.Mutex
	parked   *queue.Queue
	pollWake chan struct{}
}

type parkedCompletion struct {
	s   *seg.Segment
	err error
}

// NewQueue creates a queue over medium and starts its workers.
func NewQueue(medium Medium, opts *Options) Queue {
	if opts == nil {
		opts = &Options{}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = constants.DefaultQueueWorkers
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = constants.DefaultQueueDepth
	}
	lbs := opts.LogicalBlockSize
	if lbs <= 0 {
		lbs = constants.DefaultLogicalBlockSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	q := &ioQueue{
		medium:   medium,
		lbs:      lbs,
		hook:     opts.SubmitHook,
		logger:   logger,
		subs:     make(chan *seg.Segment, depth),
		done:     make(chan struct{}),
		parked:   queue.New(),
		pollWake: make(chan struct{}, 1),
	}

	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

func (q *ioQueue) worker() {
	defer q.wg.Done()
	for s := range q.subs {
		q.finish(s, q.perform(s))
	}
}

// perform runs one segment against the medium.
func (q *ioQueue) perform(s *seg.Segment) error {
	if q.hook != nil {
		if err := q.hook(s); err != nil {
			return err
		}
	}
	off := s.Sector << constants.SectorShift
	for _, page := range s.Pages {
		var n int
		var err error
		if s.Write {
			n, err = q.medium.WriteAt(page, off)
		} else {
			n, err = q.medium.ReadAt(page, off)
		}
		if err != nil {
			return err
		}
		if n != len(page) {
			return syscall.EIO
		}
		off += int64(n)
	}
	// Durability-tagged writes reach stable storage before completing.
	if s.Write && s.Dsync {
		if err := q.medium.Flush(); err != nil && err != syscall.EOPNOTSUPP {
			return err
		}
	}
	return nil
}

func (q *ioQueue) finish(s *seg.Segment, err error) {
	if s.Polled {
		q.pmu.Lock()
		q.parked.Add(&parkedCompletion{s: s, err: err})
		q.pmu.Unlock()
		select {
		case q.pollWake <- struct{}{}:
		default:
		}
		return
	}
	s.End(s, err)
}

func (q *ioQueue) Submit(s *seg.Segment) Cookie {
	c := Cookie(q.cookies.Add(1))

	q.closeMu.RLock()
	if q.closed {
		q.closeMu.RUnlock()
		s.End(s, syscall.ENODEV)
		return c
	}
	if s.Nowait {
		var bounced bool
		select {
		case q.subs <- s:
		default:
			bounced = true
		}
		q.closeMu.RUnlock()
		if bounced {
			s.End(s, syscall.EAGAIN)
		}
		return c
	}
	q.subs <- s
	q.closeMu.RUnlock()
	return c
}

func (q *ioQueue) Poll(_ Cookie, wait bool) bool {
	for {
		var batch []*parkedCompletion
		q.pmu.Lock()
		for q.parked.Length() > 0 {
			batch = append(batch, q.parked.Remove().(*parkedCompletion))
		}
		q.pmu.Unlock()
		if len(batch) > 0 {
			for _, p := range batch {
				p.s.End(p.s, p.err)
			}
			return true
		}
		if !wait {
			return false
		}
		select {
		case <-q.pollWake:
		case <-q.done:
			return false
		}
	}
}

func (q *ioQueue) ZeroOut(off, length int64, noFallback bool) error {
	if zm, ok := q.medium.(ZeroOutMedium); ok {
		return zm.ZeroOut(off, length)
	}
	if noFallback {
		return syscall.EOPNOTSUPP
	}
	q.logger.Debug("zero-out fallback", "off", off, "len", length)
	buf := make([]byte, zeroFallbackChunk)
	for length > 0 {
		n := int64(len(buf))
		if n > length {
			n = length
		}
		written, err := q.medium.WriteAt(buf[:n], off)
		if err != nil {
			return err
		}
		if int64(written) != n {
			return syscall.EIO
		}
		off += n
		length -= n
	}
	return nil
}

func (q *ioQueue) Discard(off, length int64) error {
	dm, ok := q.medium.(DiscardMedium)
	if !ok {
		return syscall.EOPNOTSUPP
	}
	return dm.Discard(off, length)
}

func (q *ioQueue) Flush() error {
	return q.medium.Flush()
}

func (q *ioQueue) Size() int64 { return q.medium.Size() }

func (q *ioQueue) LogicalBlockSize() int { return q.lbs }

func (q *ioQueue) Close() error {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return nil
	}
	q.closed = true
	close(q.subs)
	q.closeMu.Unlock()

	q.wg.Wait()
	close(q.done)
	return q.medium.Close()
}
