package bdev

import (
	"bytes"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/behrlich/go-bdev/internal/blkq"
	"github.com/behrlich/go-bdev/internal/constants"
	"github.com/behrlich/go-bdev/internal/iov"
	"github.com/behrlich/go-bdev/internal/seg"
)

const testBlock = constants.DefaultLogicalBlockSize

// chainedSize is large enough to force the multi-segment path.
const chainedSize = (constants.MaxSegmentPages + 1) * constants.PageSize

func newTestDevice(t *testing.T, size int64) (*Device, *MockMedium) {
	t.Helper()
	medium := NewMockMedium(size)
	d, err := New(DefaultParams(medium), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, medium
}

func newHookedDevice(t *testing.T, size int64, hook func(*seg.Segment) error) (*Device, *MockMedium) {
	t.Helper()
	medium := NewMockMedium(size)
	q := blkq.NewQueue(medium, &blkq.Options{SubmitHook: hook})
	d, err := New(Params{}, &Options{Queue: q})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, medium
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

type asyncResult struct {
	n   int64
	err error
}

func awaitResult(t *testing.T, ch <-chan asyncResult) asyncResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("continuation never fired")
		return asyncResult{}
	}
}

func TestSyncRoundTrip(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)

	data := pattern(4096)
	wr := &Request{Pos: 8192}
	n, err := d.Write(wr, iov.New(iov.KindUser, data))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 4096 {
		t.Fatalf("Write n = %d, want 4096", n)
	}
	if wr.Pos != 8192+4096 {
		t.Errorf("write Pos = %d, want %d", wr.Pos, 8192+4096)
	}

	got := make([]byte, 4096)
	rr := &Request{Pos: 8192}
	n, err = d.Read(rr, iov.New(iov.KindUser, got))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 4096 {
		t.Fatalf("Read n = %d, want 4096", n)
	}
	if rr.Pos != 8192+4096 {
		t.Errorf("read Pos = %d, want %d", rr.Pos, 8192+4096)
	}
	if !bytes.Equal(got, data) {
		t.Error("read data does not match written data")
	}
}

func TestScatterGatherRoundTrip(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)

	a := pattern(512)
	b := pattern(1024)
	wr := &Request{}
	n, err := d.Write(wr, iov.New(iov.KindUser, a, b))
	if err != nil || n != 1536 {
		t.Fatalf("Write = (%d, %v), want (1536, nil)", n, err)
	}

	c := make([]byte, 1024)
	e := make([]byte, 512)
	rr := &Request{}
	n, err = d.Read(rr, iov.New(iov.KindUser, c, e))
	if err != nil || n != 1536 {
		t.Fatalf("Read = (%d, %v), want (1536, nil)", n, err)
	}
	joined := append(append([]byte{}, c...), e...)
	if !bytes.Equal(joined, append(append([]byte{}, a...), b...)) {
		t.Error("scatter/gather round trip corrupted data")
	}
}

func TestAlignmentRejected(t *testing.T) {
	d, medium := newTestDevice(t, 1<<20)

	// Misaligned position.
	_, err := d.Read(&Request{Pos: 100}, iov.New(iov.KindUser, make([]byte, testBlock)))
	if !IsCode(err, ErrCodeInvalidArgument) {
		t.Errorf("misaligned position err = %v, want invalid argument", err)
	}

	// Misaligned buffer length.
	_, err = d.Write(&Request{}, iov.New(iov.KindUser, make([]byte, 100)))
	if !IsCode(err, ErrCodeInvalidArgument) {
		t.Errorf("misaligned buffer err = %v, want invalid argument", err)
	}

	// One bad chunk poisons an otherwise aligned scatter list.
	_, err = d.Write(&Request{}, iov.New(iov.KindUser, make([]byte, testBlock), make([]byte, 300)))
	if !IsCode(err, ErrCodeInvalidArgument) {
		t.Errorf("mixed scatter list err = %v, want invalid argument", err)
	}

	counts := medium.CallCounts()
	if counts["read"] != 0 || counts["write"] != 0 {
		t.Errorf("rejected transfers touched the medium: %v", counts)
	}
}

func TestZeroCountTransfers(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)

	n, err := d.Read(&Request{}, iov.New(iov.KindUser))
	if n != 0 || err != nil {
		t.Errorf("empty Read = (%d, %v), want (0, nil)", n, err)
	}
	n, err = d.Write(&Request{}, iov.New(iov.KindUser))
	if n != 0 || err != nil {
		t.Errorf("empty Write = (%d, %v), want (0, nil)", n, err)
	}
}

func TestReadAtDeviceEnd(t *testing.T) {
	d, _ := newTestDevice(t, 4096)

	req := &Request{Pos: 4096}
	n, err := d.Read(req, iov.New(iov.KindUser, make([]byte, 512)))
	if n != 0 || err != nil {
		t.Errorf("Read at end = (%d, %v), want (0, nil)", n, err)
	}
	if req.Pos != 4096 {
		t.Errorf("Pos = %d, want unchanged", req.Pos)
	}
}

func TestReadClampedToDeviceSize(t *testing.T) {
	d, _ := newTestDevice(t, 4096)

	it := iov.New(iov.KindUser, make([]byte, 8192))
	req := &Request{}
	n, err := d.Read(req, it)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 4096 {
		t.Errorf("n = %d, want 4096", n)
	}
	if req.Pos != 4096 {
		t.Errorf("Pos = %d, want 4096", req.Pos)
	}
	// The hidden tail is restored after the transfer.
	if it.Count() != 4096 {
		t.Errorf("Count() = %d after clamped read, want 4096", it.Count())
	}
}

func TestWriteReadOnly(t *testing.T) {
	medium := NewMockMedium(1 << 20)
	params := DefaultParams(medium)
	params.ReadOnly = true
	d, err := New(params, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	_, err = d.Write(&Request{}, iov.New(iov.KindUser, make([]byte, 512)))
	if !IsErrno(err, syscall.EPERM) {
		t.Errorf("read-only Write err = %v, want EPERM", err)
	}
}

func TestWriteAtDeviceEnd(t *testing.T) {
	d, _ := newTestDevice(t, 4096)

	_, err := d.Write(&Request{Pos: 4096}, iov.New(iov.KindUser, make([]byte, 512)))
	if !IsErrno(err, syscall.ENOSPC) {
		t.Errorf("Write at end err = %v, want ENOSPC", err)
	}
}

func TestWriteClampedToDeviceSize(t *testing.T) {
	d, _ := newTestDevice(t, 4096)

	n, err := d.Write(&Request{Pos: 2048}, iov.New(iov.KindUser, pattern(4096)))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 2048 {
		t.Errorf("n = %d, want 2048", n)
	}
}

func TestChainedSyncRoundTrip(t *testing.T) {
	d, _ := newTestDevice(t, 2*chainedSize)

	data := pattern(chainedSize)
	n, err := d.Write(&Request{}, iov.New(iov.KindUser, data))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != chainedSize {
		t.Fatalf("Write n = %d, want %d", n, chainedSize)
	}

	got := make([]byte, chainedSize)
	if _, err := d.Read(&Request{}, iov.New(iov.KindUser, got)); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("multi-segment round trip corrupted data")
	}
}

func TestAsyncSingleSegment(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)

	results := make(chan asyncResult, 1)
	req := &Request{
		Pos:      4096,
		Complete: func(n int64, err error) { results <- asyncResult{n, err} },
	}
	_, err := d.Write(req, iov.New(iov.KindUser, pattern(4096)))
	if !errors.Is(err, ErrQueued) {
		t.Fatalf("async Write err = %v, want ErrQueued", err)
	}

	r := awaitResult(t, results)
	if r.err != nil || r.n != 4096 {
		t.Fatalf("continuation = (%d, %v), want (4096, nil)", r.n, r.err)
	}
	if req.Pos != 8192 {
		t.Errorf("Pos = %d after completion, want 8192", req.Pos)
	}
}

func TestAsyncMultiSegmentExactlyOnce(t *testing.T) {
	d, _ := newTestDevice(t, 2*chainedSize)

	var fired atomic.Int32
	results := make(chan asyncResult, 4)
	req := &Request{
		Complete: func(n int64, err error) {
			fired.Add(1)
			results <- asyncResult{n, err}
		},
	}
	_, err := d.Write(req, iov.New(iov.KindUser, pattern(chainedSize)))
	if !errors.Is(err, ErrQueued) {
		t.Fatalf("async Write err = %v, want ErrQueued", err)
	}

	r := awaitResult(t, results)
	if r.err != nil || r.n != chainedSize {
		t.Fatalf("continuation = (%d, %v), want (%d, nil)", r.n, r.err, chainedSize)
	}

	// Give a misbehaving second invocation time to show up.
	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("continuation fired %d times, want exactly once", got)
	}
}

func TestAsyncSegmentFailure(t *testing.T) {
	// Fail the second segment of a three-segment write; the continuation
	// must see the failure and a zero byte count.
	failSector := int64(constants.MaxSegmentPages * constants.PageSize >> constants.SectorShift)
	d, _ := newHookedDevice(t, 4*chainedSize, func(s *seg.Segment) error {
		if s.Write && s.Sector == failSector {
			return syscall.EIO
		}
		return nil
	})

	results := make(chan asyncResult, 1)
	req := &Request{
		Complete: func(n int64, err error) { results <- asyncResult{n, err} },
	}
	size := 2*constants.MaxSegmentPages*constants.PageSize + 4096
	_, err := d.Write(req, iov.New(iov.KindUser, pattern(size)))
	if !errors.Is(err, ErrQueued) {
		t.Fatalf("async Write err = %v, want ErrQueued", err)
	}

	r := awaitResult(t, results)
	if r.n != 0 {
		t.Errorf("continuation n = %d on failure, want 0", r.n)
	}
	if !IsErrno(r.err, syscall.EIO) {
		t.Errorf("continuation err = %v, want EIO", r.err)
	}
}

func TestSyncChainedFailure(t *testing.T) {
	d, _ := newHookedDevice(t, 2*chainedSize, func(s *seg.Segment) error {
		if s.Write && s.Sector != 0 {
			return syscall.EIO
		}
		return nil
	})

	n, err := d.Write(&Request{}, iov.New(iov.KindUser, pattern(chainedSize)))
	if n != 0 {
		t.Errorf("n = %d on failure, want 0", n)
	}
	if !IsErrno(err, syscall.EIO) {
		t.Errorf("err = %v, want EIO", err)
	}
}

func TestNowaitSplitBounced(t *testing.T) {
	d, medium := newTestDevice(t, 2*chainedSize)

	req := &Request{Flags: FlagNowait}
	n, err := d.Write(req, iov.New(iov.KindUser, pattern(chainedSize)))
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}
	if !IsCode(err, ErrCodeRetryRequired) {
		t.Errorf("err = %v, want retry required", err)
	}
	if req.Pos != 0 {
		t.Errorf("Pos = %d, want unchanged", req.Pos)
	}
	if medium.CallCounts()["write"] != 0 {
		t.Error("bounced request reached the medium")
	}

	snap := d.Metrics().Snapshot()
	if snap.RetryRequired != 1 {
		t.Errorf("RetryRequired = %d, want 1", snap.RetryRequired)
	}
}

func TestNowaitSingleSegment(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)

	n, err := d.Write(&Request{Flags: FlagNowait}, iov.New(iov.KindUser, pattern(4096)))
	if err != nil || n != 4096 {
		t.Errorf("Nowait Write = (%d, %v), want (4096, nil)", n, err)
	}
}

func TestPolledSyncCompletion(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)

	data := pattern(4096)
	n, err := d.Write(&Request{Flags: FlagHiPri}, iov.New(iov.KindUser, data))
	if err != nil || n != 4096 {
		t.Fatalf("polled Write = (%d, %v), want (4096, nil)", n, err)
	}

	got := make([]byte, 4096)
	n, err = d.Read(&Request{Flags: FlagHiPri}, iov.New(iov.KindUser, got))
	if err != nil || n != 4096 {
		t.Fatalf("polled Read = (%d, %v), want (4096, nil)", n, err)
	}
	if !bytes.Equal(got, data) {
		t.Error("polled round trip corrupted data")
	}
}

func TestPolledChainedCompletion(t *testing.T) {
	d, _ := newTestDevice(t, 2*chainedSize)

	data := pattern(chainedSize)
	n, err := d.Write(&Request{Flags: FlagHiPri}, iov.New(iov.KindUser, data))
	if err != nil || n != chainedSize {
		t.Fatalf("polled chained Write = (%d, %v), want (%d, nil)", n, err, chainedSize)
	}
}

func TestPolledAsyncIopoll(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)

	results := make(chan asyncResult, 1)
	req := &Request{
		Flags:    FlagHiPri,
		Complete: func(n int64, err error) { results <- asyncResult{n, err} },
	}
	_, err := d.Write(req, iov.New(iov.KindUser, pattern(4096)))
	if !errors.Is(err, ErrQueued) {
		t.Fatalf("async polled Write err = %v, want ErrQueued", err)
	}

	// The completion is parked until the caller polls for it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if d.Iopoll(req, true) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Iopoll never made progress")
		}
	}
	r := awaitResult(t, results)
	if r.err != nil || r.n != 4096 {
		t.Errorf("continuation = (%d, %v), want (4096, nil)", r.n, r.err)
	}
}

func TestPinFailureSimple(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)

	pinErr := errors.New("pin refused")
	it := iov.New(iov.KindUser, make([]byte, 4096)).WithPin(func([]byte) error { return pinErr })

	n, err := d.Read(&Request{}, it)
	if n != 0 || !errors.Is(err, pinErr) {
		t.Errorf("Read = (%d, %v), want pin error", n, err)
	}
}

func TestPinFailureChained(t *testing.T) {
	d, _ := newTestDevice(t, 2*chainedSize)

	pinErr := errors.New("pin refused")
	var pins atomic.Int32
	it := iov.New(iov.KindUser, make([]byte, chainedSize)).WithPin(func([]byte) error {
		// Let the first segment through, fail while carving the second.
		if pins.Add(1) > constants.MaxSegmentPages {
			return pinErr
		}
		return nil
	})

	n, err := d.Write(&Request{}, it)
	if n != 0 {
		t.Errorf("n = %d on pin failure, want 0", n)
	}
	if !errors.Is(err, pinErr) {
		t.Errorf("err = %v, want pin error", err)
	}
}

func TestDsyncWriteFlushes(t *testing.T) {
	d, medium := newTestDevice(t, 1<<20)

	_, err := d.Write(&Request{Flags: FlagDsync}, iov.New(iov.KindUser, pattern(4096)))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if medium.CallCounts()["flush"] == 0 {
		t.Error("durability-tagged write never flushed the medium")
	}
}

func TestMetricsRecordedOnIO(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)

	d.Write(&Request{}, iov.New(iov.KindUser, pattern(4096)))
	d.Read(&Request{}, iov.New(iov.KindUser, make([]byte, 4096)))

	snap := d.Metrics().Snapshot()
	if snap.WriteOps != 1 || snap.WriteBytes != 4096 {
		t.Errorf("write metrics = %d ops / %d bytes", snap.WriteOps, snap.WriteBytes)
	}
	if snap.ReadOps != 1 || snap.ReadBytes != 4096 {
		t.Errorf("read metrics = %d ops / %d bytes", snap.ReadOps, snap.ReadBytes)
	}
}
