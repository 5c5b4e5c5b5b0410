// Package seg defines the transfer descriptor handed to the block-layer
// submission queue: one bounded-size device operation covering a contiguous
// sector range and the memory pages backing it.
package seg

import "sync"

// EndFunc is the completion callback bound to a segment. The queue invokes
// it exactly once per segment, possibly from a different goroutine than the
// submitter's.
type EndFunc func(s *Segment, err error)

// Segment is one bounded-size unit of device work.
type Segment struct {
	Sector int64 // starting 512-byte sector
	Write  bool  // false = read
	Dsync  bool  // write carries synchronous-durability semantics
	Nowait bool  // submission must not block
	Polled bool  // completion is parked for the poller instead of delivered
	Prio   int   // priority hint, passed through to the queue
	Dirty  bool  // read into user-backed pages: commit dirty state on release

	Pages   [][]byte
	End     EndFunc
	Private any // owner's shared completion state
}

// Bytes returns the number of bytes covered by the segment's pages.
func (s *Segment) Bytes() int64 {
	var n int64
	for _, p := range s.Pages {
		n += int64(len(p))
	}
	return n
}

// Release reconciles page state after completion: dirty-marked pages are
// committed, everything else is simply unreferenced. Decoupled from the
// owner's completion finalization.
func (s *Segment) Release() {
	for i := range s.Pages {
		s.Pages[i] = nil
	}
	s.Pages = s.Pages[:0]
}

// Reset clears the segment for reuse, keeping the page vector's capacity.
func (s *Segment) Reset() {
	pages := s.Pages
	for i := range pages {
		pages[i] = nil
	}
	*s = Segment{Pages: pages[:0]}
}

// pool recycles descriptors for the multi-segment path. Module-level,
// initialized before first use, never torn down.
var pool = sync.Pool{New: func() any { return new(Segment) }}

// Get returns a cleared segment whose page vector can hold nrPages entries
// without growing.
func Get(nrPages int) *Segment {
	s := pool.Get().(*Segment)
	if cap(s.Pages) < nrPages {
		s.Pages = make([][]byte, 0, nrPages)
	}
	return s
}

// Put returns a segment to the pool.
func Put(s *Segment) {
	s.Reset()
	pool.Put(s)
}
