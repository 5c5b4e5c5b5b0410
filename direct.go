package bdev

import (
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/behrlich/go-bdev/internal/blkq"
	"github.com/behrlich/go-bdev/internal/constants"
	"github.com/behrlich/go-bdev/internal/iov"
	"github.com/behrlich/go-bdev/internal/seg"
)

func opName(write bool) string {
	if write {
		return "WRITE"
	}
	return "READ"
}

// dio is the shared completion record of a multi-segment transfer. It is
// embedded in the first segment's lifetime: hold counts the references to the
// record itself, ref counts outstanding segment completions.
//
// Accounting invariant: once multi is set, ref equals one plus the number of
// submitted-but-uncompleted segments. The flag and the initial count of two
// are installed before the first non-terminal segment is submitted, and every
// later increment happens before the submission it covers, so a completion
// can never observe the record in a pre-multi state.
type dio struct {
	dev   *Device
	req   *Request      // async continuation target; nil for synchronous callers
	wake  chan struct{} // synchronous waiter signal, buffered one token
	start time.Time
	size  int64 // bytes covered by submitted segments

	write  bool
	multi  bool
	isSync bool

	waiting atomic.Bool
	ref     atomic.Int32
	status  atomic.Pointer[error] // first error wins
	hold    atomic.Int32

	first seg.Segment
}

var dioPool = sync.Pool{New: func() any {
	return &dio{wake: make(chan struct{}, 1)}
}}

func getDio() *dio {
	c := dioPool.Get().(*dio)
	c.hold.Store(1)
	return c
}

func (c *dio) get() { c.hold.Add(1) }

// put drops one hold on the record and recycles it at zero.
func (c *dio) put() {
	if c.hold.Add(-1) != 0 {
		return
	}
	c.dev = nil
	c.req = nil
	c.start = time.Time{}
	c.size = 0
	c.write = false
	c.multi = false
	c.isSync = false
	c.waiting.Store(false)
	c.ref.Store(0)
	c.status.Store(nil)
	c.first.Reset()
	// Drop a wake token the waiter may have left behind.
	select {
	case <-c.wake:
	default:
	}
	dioPool.Put(c)
}

// fail records err as the transfer's outcome unless an earlier segment
// already failed.
func (c *dio) fail(err error) {
	e := err
	c.status.CompareAndSwap(nil, &e)
}

func (c *dio) err() error {
	if p := c.status.Load(); p != nil {
		return *p
	}
	return nil
}

// endSegment is the completion callback for every chained segment. It runs
// at most once per segment, possibly concurrently across segments of the
// same transfer and on a different goroutine than the submitter's.
func (d *Device) endSegment(s *seg.Segment, err error) {
	c := s.Private.(*dio)
	isFirst := s == &c.first

	if err != nil {
		c.fail(err)
	}

	if !c.multi || c.ref.Add(-1) == 0 {
		if !c.isSync {
			c.finishAsync()
		} else {
			c.waiting.Store(false)
			select {
			case c.wake <- struct{}{}:
			default:
			}
		}
	}

	s.Release()
	if isFirst {
		c.put()
	} else {
		seg.Put(s)
	}
}

// finishAsync computes the transfer's result, advances the request position
// and fires the continuation exactly once. Runs on the completion goroutine
// of whichever segment finished last.
func (c *dio) finishAsync() {
	req := c.req
	var n int64
	st := c.err()
	if st == nil {
		n = c.size
		req.Pos += n
	}

	lat := uint64(time.Since(c.start))
	c.dev.observeIO(c.write, uint64(n), lat, st == nil)

	var ret error
	if st != nil {
		ret = WrapError(opName(c.write), st)
	}
	multi := c.multi
	cb := req.Complete
	cb(n, ret)
	if multi {
		// Drop the extra hold taken when the chain grew past one segment.
		c.put()
	}
}

func (d *Device) observeIO(write bool, bytes, latencyNs uint64, success bool) {
	if write {
		d.observer.ObserveWrite(bytes, latencyNs, success)
	} else {
		d.observer.ObserveRead(bytes, latencyNs, success)
	}
}

// directIO validates alignment and dispatches the transfer. Synchronous
// requests fitting a single segment take the lightweight path; everything
// else goes through the chaining loop.
func (d *Device) directIO(req *Request, it *iov.Iter, write bool) (int64, error) {
	if it.Count() == 0 {
		return 0, nil
	}
	if (req.Pos|it.Alignment())&int64(d.blockSize-1) != 0 {
		return 0, NewError(opName(write), ErrCodeInvalidArgument,
			"position or buffer length not aligned to logical block size")
	}

	nrPages := it.Pages(constants.MaxSegmentPages + 1)
	if req.sync() && nrPages <= constants.MaxSegmentPages {
		return d.directIOSimple(req, it, write, nrPages)
	}
	if nrPages > constants.MaxSegmentPages {
		nrPages = constants.MaxSegmentPages
	}
	return d.directIOChained(req, it, write, nrPages)
}

// simpleWaiter is the per-call completion state of the single-segment path.
// It lives on the submitter's stack.
type simpleWaiter struct {
	waiting atomic.Bool
	wake    chan struct{}
	err     error
}

func endSimple(s *seg.Segment, err error) {
	w := s.Private.(*simpleWaiter)
	w.err = err
	w.waiting.Store(false)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// directIOSimple issues the whole transfer as one segment and waits for it
// in place. Small transfers use an inline page vector.
func (d *Device) directIOSimple(req *Request, it *iov.Iter, write bool, nrPages int) (int64, error) {
	op := opName(write)
	start := time.Now()

	w := simpleWaiter{wake: make(chan struct{}, 1)}
	w.waiting.Store(true)

	var inline [constants.InlinePageVecs][]byte
	var dst [][]byte
	if nrPages <= constants.InlinePageVecs {
		dst = inline[:0]
	} else {
		dst = make([][]byte, 0, nrPages)
	}

	var s seg.Segment
	s.Sector = req.Pos >> constants.SectorShift
	s.Prio = req.Priority
	s.End = endSimple
	s.Private = &w

	pages, n, err := it.Next(dst, nrPages)
	if err != nil {
		return 0, WrapError(op, err)
	}
	s.Pages = pages

	if write {
		s.Write = true
		s.Dsync = req.Flags&FlagDsync != 0
	} else if it.Kind() == iov.KindUser {
		s.Dirty = true
	}
	s.Nowait = req.Flags&FlagNowait != 0
	hipri := req.Flags&FlagHiPri != 0
	s.Polled = hipri

	cookie := d.queue.Submit(&s)
	req.cookie = cookie

	for w.waiting.Load() {
		if hipri {
			if !d.queue.Poll(cookie, false) {
				runtime.Gosched()
			}
			continue
		}
		<-w.wake
	}
	s.Release()

	lat := uint64(time.Since(start))
	if w.err != nil {
		d.observeIO(write, 0, lat, false)
		if w.err == syscall.EAGAIN {
			d.observer.ObserveRetry()
		}
		return 0, WrapError(op, w.err)
	}
	d.observeIO(write, uint64(n), lat, true)
	req.Pos += n
	return n, nil
}

// directIOChained splits the transfer into bounded segments sharing one
// completion record. Synchronous callers block until the record drains;
// asynchronous callers get ErrQueued and a continuation invocation later.
func (d *Device) directIOChained(req *Request, it *iov.Iter, write bool, nrPages int) (int64, error) {
	op := opName(write)
	isSync := req.sync()
	isPoll := req.Flags&FlagHiPri != 0
	nowait := req.Flags&FlagNowait != 0
	dsync := req.Flags&FlagDsync != 0
	shouldDirty := !write && it.Kind() == iov.KindUser

	c := getDio()
	c.dev = d
	c.write = write
	c.start = time.Now()
	c.isSync = isSync
	if isSync {
		c.waiting.Store(true)
		// The waiter reads the record after the last completion; keep it
		// alive past the first segment's release.
		c.get()
	} else {
		c.req = req
	}

	var plug *blkq.Plug
	if !isPoll {
		plug = blkq.StartPlug(d.queue)
	}

	s := &c.first
	pos := req.Pos
	cookie := blkq.NoCookie
	var ret error

	for {
		s.Sector = pos >> constants.SectorShift
		s.Prio = req.Priority
		s.End = d.endSegment
		s.Private = c

		pages, n, err := it.Next(s.Pages[:0], nrPages)
		s.Pages = pages
		if err != nil {
			// A pin failure fails the whole transfer, but the segment is
			// routed through the normal completion path so the shared
			// record's accounting stays balanced.
			ret = err
			d.endSegment(s, syscall.EIO)
			break
		}

		if nowait && it.Count() > 0 {
			// Splitting under a no-block contract cannot be honored; bounce
			// the whole request before anything is submitted. Splits are
			// only ever detected on the first segment.
			s.Release()
			if isSync {
				c.put()
			}
			c.put()
			d.observer.ObserveRetry()
			return 0, NewErrnoError(op, syscall.EAGAIN)
		}

		if write {
			s.Write = true
			s.Dsync = dsync
		} else if shouldDirty {
			s.Dirty = true
		}
		s.Nowait = nowait

		c.size += n
		pos += n

		nrPages = it.Pages(constants.MaxSegmentPages)
		if nrPages == 0 {
			if isPoll {
				s.Polled = true
				cookie = d.queue.Submit(s)
				req.cookie = cookie
			} else {
				plug.Submit(s)
			}
			break
		}

		if !c.multi {
			if !isSync {
				// The continuation may fire from a completion goroutine
				// while this loop still references the record.
				c.get()
			}
			c.multi = true
			c.ref.Store(2)
		} else {
			c.ref.Add(1)
		}

		if isPoll {
			d.queue.Submit(s)
		} else {
			plug.Submit(s)
		}
		s = seg.Get(nrPages)
	}

	if plug != nil {
		plug.Finish()
	}

	if !isSync {
		return 0, ErrQueued
	}

	for c.waiting.Load() {
		if isPoll && cookie != blkq.NoCookie {
			if !d.queue.Poll(cookie, false) {
				runtime.Gosched()
			}
			continue
		}
		<-c.wake
	}

	if ret == nil {
		ret = c.err()
	}
	n := c.size
	lat := uint64(time.Since(c.start))
	c.put()

	if ret != nil {
		d.observeIO(write, 0, lat, false)
		if ret == syscall.EAGAIN {
			d.observer.ObserveRetry()
		}
		return 0, WrapError(op, ret)
	}
	d.observeIO(write, uint64(n), lat, true)
	req.Pos += n
	return n, nil
}
