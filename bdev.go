// Package bdev implements a cache-bypassing I/O dispatch engine for a
// block-addressable storage endpoint. Transfers validated against the
// device's logical block size are carved into bounded segments, submitted to
// a block-layer queue, and completed either by blocking, by polling, or
// through an asynchronous continuation.
package bdev

import (
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/behrlich/go-bdev/internal/blkq"
	"github.com/behrlich/go-bdev/internal/constants"
	"github.com/behrlich/go-bdev/internal/iov"
	"github.com/behrlich/go-bdev/internal/logging"
)

// Params configures the storage side of a device.
type Params struct {
	// Medium is the storage the device dispatches to. Ignored when
	// Options.Queue is set.
	Medium blkq.Medium

	// LogicalBlockSize is the alignment granule for direct I/O. Must be a
	// power of two of at least 512. Defaults to 512.
	LogicalBlockSize int

	// ReadOnly rejects writes and range operations with a permission error.
	ReadOnly bool

	// QueueWorkers and QueueDepth tune the built-in submission queue.
	QueueWorkers int
	QueueDepth   int
}

// DefaultParams returns the default configuration over medium.
func DefaultParams(medium blkq.Medium) Params {
	return Params{
		Medium:           medium,
		LogicalBlockSize: constants.DefaultLogicalBlockSize,
		QueueWorkers:     constants.DefaultQueueWorkers,
		QueueDepth:       constants.DefaultQueueDepth,
	}
}

// Options carries the pluggable collaborators of a device.
type Options struct {
	// Queue overrides the built-in medium-backed queue, e.g. with the
	// io_uring implementation or a test double.
	Queue blkq.Queue

	Logger   *logging.Logger
	Observer Observer
}

// InvalidateFunc is called with the byte range of a destructive range
// operation before it is dispatched, under the device's invalidation lock.
// Cache layers stacked above the device hook in here.
type InvalidateFunc func(start, end int64) error

// Device is a block storage endpoint accepting direct I/O.
type Device struct {
	queue     blkq.Queue
	size      int64
	blockSize int
	readOnly  bool

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger

	// invalidateMu serializes destructive range operations against each
	// other and against invalidation hooks.
	invalidateMu sync.Mutex
	invalidate   InvalidateFunc

	closed bool
	mu     sync.Mutex
}

// New creates a device over params.Medium (or options.Queue when given).
func New(params Params, options *Options) (*Device, error) {
	if options == nil {
		options = &Options{}
	}

	lbs := params.LogicalBlockSize
	if lbs == 0 {
		lbs = constants.DefaultLogicalBlockSize
	}
	if lbs < constants.DefaultLogicalBlockSize || lbs&(lbs-1) != 0 {
		return nil, NewError("OPEN", ErrCodeInvalidArgument,
			"logical block size must be a power of two of at least 512")
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	q := options.Queue
	if q == nil {
		if params.Medium == nil {
			return nil, NewError("OPEN", ErrCodeInvalidArgument, "no medium")
		}
		q = blkq.NewQueue(params.Medium, &blkq.Options{
			Workers:          params.QueueWorkers,
			Depth:            params.QueueDepth,
			LogicalBlockSize: lbs,
			Logger:           logger,
		})
	} else {
		lbs = q.LogicalBlockSize()
	}

	metrics := NewMetrics()
	observer := options.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	d := &Device{
		queue:     q,
		size:      q.Size(),
		blockSize: lbs,
		readOnly:  params.ReadOnly,
		metrics:   metrics,
		observer:  observer,
		logger:    logger,
	}
	d.logger.Info("device created",
		"size", d.size, "block_size", d.blockSize, "read_only", d.readOnly)
	return d, nil
}

// Size returns the device size in bytes.
func (d *Device) Size() int64 { return d.size }

// BlockSize returns the logical block size in bytes.
func (d *Device) BlockSize() int { return d.blockSize }

// ReadOnly reports whether the device rejects writes.
func (d *Device) ReadOnly() bool { return d.readOnly }

// Metrics returns the device's built-in metrics.
func (d *Device) Metrics() *Metrics { return d.metrics }

// SetInvalidator installs the hook invoked before destructive range
// operations.
func (d *Device) SetInvalidator(fn InvalidateFunc) {
	d.invalidateMu.Lock()
	d.invalidate = fn
	d.invalidateMu.Unlock()
}

// Read transfers bytes from the device into it, starting at req.Pos. Reads
// beyond the device end are clamped; a read starting at or past the end
// returns zero bytes and no error. The iterator is restored to its original
// visible length on return.
func (d *Device) Read(req *Request, it *iov.Iter) (int64, error) {
	if req.Pos >= d.size {
		return 0, nil
	}
	var hidden int64
	if avail := d.size - req.Pos; it.Count() > avail {
		hidden = it.Count() - avail
		it.Truncate(avail)
	}
	n, err := d.directIO(req, it, false)
	it.Reexpand(hidden)
	return n, err
}

// Write transfers bytes from it to the device, starting at req.Pos. Writes
// beyond the device end are clamped; a write starting at or past the end
// fails with a no-space error. The iterator is restored to its original
// visible length on return.
func (d *Device) Write(req *Request, it *iov.Iter) (int64, error) {
	if d.readOnly {
		return 0, NewErrnoError("WRITE", syscall.EPERM)
	}
	if it.Count() == 0 {
		return 0, nil
	}
	if req.Pos >= d.size {
		return 0, NewErrnoError("WRITE", syscall.ENOSPC)
	}
	var hidden int64
	if avail := d.size - req.Pos; it.Count() > avail {
		hidden = it.Count() - avail
		it.Truncate(avail)
	}
	n, err := d.directIO(req, it, true)
	it.Reexpand(hidden)
	return n, err
}

// Fsync flushes the medium's volatile write state. Media without a flush
// primitive report success: there is nothing volatile to lose.
func (d *Device) Fsync() error {
	start := time.Now()
	err := d.queue.Flush()
	if errors.Is(err, syscall.EOPNOTSUPP) {
		err = nil
	}
	d.observer.ObserveFlush(uint64(time.Since(start)), err == nil)
	if err != nil {
		return WrapError("FSYNC", err)
	}
	return nil
}

// Iopoll drives completion of req's terminal segment on the calling
// goroutine. It returns true when any completion progressed. Only meaningful
// for requests submitted with FlagHiPri.
func (d *Device) Iopoll(req *Request, wait bool) bool {
	if req.cookie == blkq.NoCookie {
		return false
	}
	return d.queue.Poll(req.cookie, wait)
}

// Close shuts the device down: the queue drains and the medium closes.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.metrics.Stop()
	d.logger.Info("device closed")
	return d.queue.Close()
}
