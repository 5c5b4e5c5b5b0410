//go:build uring
// +build uring

// Package uring implements a block-layer queue that submits segment I/O
// through io_uring instead of worker pread/pwrite calls.
package uring

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"syscall"

	"github.com/iceber/iouring-go"
	"golang.org/x/sys/unix"

	"github.com/behrlich/go-bdev/internal/blkq"
	"github.com/behrlich/go-bdev/internal/constants"
	"github.com/behrlich/go-bdev/internal/seg"
)

// ringQueue implements blkq.Queue over an io_uring instance. Polled
// completion is not supported here; the ring delivers completions through
// its own reaper, so Poll always reports no progress.
type ringQueue struct {
	f       *os.File
	ring    *iouring.IOURing
	size    int64
	lbs     int
	cookies atomic.Uint64
	closed  atomic.Bool
}

// NewQueue opens an io_uring backed queue over f.
func NewQueue(f *os.File, lbs int) (blkq.Queue, error) {
	if lbs <= 0 {
		lbs = constants.DefaultLogicalBlockSize
	}
	ring, err := iouring.New(uint(constants.DefaultQueueDepth))
	if err != nil {
		return nil, fmt.Errorf("create io_uring: %w", err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		ring.Close()
		return nil, fmt.Errorf("size: %w", err)
	}
	return &ringQueue{f: f, ring: ring, size: size, lbs: lbs}, nil
}

func (q *ringQueue) Submit(s *seg.Segment) blkq.Cookie {
	c := blkq.Cookie(q.cookies.Add(1))
	if q.closed.Load() {
		s.End(s, syscall.ENODEV)
		return c
	}

	fd := int(q.f.Fd())
	preps := make([]iouring.PrepRequest, 0, len(s.Pages))
	off := uint64(s.Sector << constants.SectorShift)
	for _, page := range s.Pages {
		if s.Write {
			preps = append(preps, iouring.Pwrite(fd, page, off))
		} else {
			preps = append(preps, iouring.Pread(fd, page, off))
		}
		off += uint64(len(page))
	}

	rset, err := q.ring.SubmitRequests(preps, nil)
	if err != nil {
		s.End(s, err)
		return c
	}

	go func() {
		<-rset.Done()
		var status error
		for _, r := range rset.Requests() {
			res, rerr := r.GetRes()
			if status != nil {
				continue
			}
			if rerr != nil {
				status = rerr
			} else if res < 0 {
				status = syscall.Errno(-res)
			}
		}
		if status == nil && s.Write && s.Dsync {
			if err := unix.Fsync(fd); err != nil && err != syscall.EOPNOTSUPP {
				status = err
			}
		}
		s.End(s, status)
	}()
	return c
}

func (q *ringQueue) Poll(_ blkq.Cookie, _ bool) bool { return false }

func (q *ringQueue) ZeroOut(off, length int64, noFallback bool) error {
	err := unix.Fallocate(int(q.f.Fd()),
		unix.FALLOC_FL_ZERO_RANGE|unix.FALLOC_FL_KEEP_SIZE, off, length)
	if err == syscall.EOPNOTSUPP && noFallback {
		return syscall.EOPNOTSUPP
	}
	return err
}

func (q *ringQueue) Discard(off, length int64) error {
	return unix.Fallocate(int(q.f.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
}

func (q *ringQueue) Flush() error {
	return unix.Fsync(int(q.f.Fd()))
}

func (q *ringQueue) Size() int64 { return q.size }

func (q *ringQueue) LogicalBlockSize() int { return q.lbs }

func (q *ringQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	q.ring.Close()
	return q.f.Close()
}
