package bdev

import (
	"syscall"
	"time"
)

// Fallocate mode flags. Combinations outside the supported dispatch table
// fail with a not-supported error.
const (
	// FallocKeepSize suppresses any size change; for a fixed-size device it
	// also permits clamping a range that runs past the end.
	FallocKeepSize = 0x01

	// FallocPunchHole deallocates the range.
	FallocPunchHole = 0x02

	// FallocNoHideStale permits the deallocated range to read back stale
	// data instead of zeroes.
	FallocNoHideStale = 0x04

	// FallocZeroRange makes the range read back as zeroes.
	FallocZeroRange = 0x10
)

const fallocSupported = FallocKeepSize | FallocPunchHole | FallocNoHideStale | FallocZeroRange

// Fallocate manipulates the byte range [start, start+length) without
// transferring data: zeroing it, or deallocating it with or without a
// zero read-back guarantee. Both start and length must be multiples of the
// logical block size.
func (d *Device) Fallocate(mode int, start, length int64) error {
	const op = "FALLOCATE"

	if mode&^fallocSupported != 0 {
		return NewErrnoError(op, syscall.EOPNOTSUPP)
	}
	if d.readOnly {
		return NewErrnoError(op, syscall.EPERM)
	}
	if length <= 0 {
		return NewError(op, ErrCodeInvalidArgument, "length must be positive")
	}
	if start >= d.size {
		return NewErrnoError(op, syscall.EINVAL)
	}

	end := start + length
	if end > d.size {
		// A range running past the end is tolerated only when the caller
		// already promised not to change the size.
		if mode&FallocKeepSize == 0 {
			return NewErrnoError(op, syscall.EINVAL)
		}
		end = d.size
		length = end - start
	}

	if (start|length)&int64(d.blockSize-1) != 0 {
		return NewError(op, ErrCodeInvalidArgument,
			"range not aligned to logical block size")
	}

	// Destructive range operations are serialized. Stacked caches get a
	// chance to drop the range first, but only for combinations that
	// actually dispatch: an unsupported combination must leave cached
	// state intact.
	d.invalidateMu.Lock()
	defer d.invalidateMu.Unlock()

	tstart := time.Now()
	var err error
	discard := false
	switch mode {
	case FallocZeroRange, FallocZeroRange | FallocKeepSize:
		if err = d.dropCached(start, end); err != nil {
			return WrapError(op, err)
		}
		err = d.queue.ZeroOut(start, length, false)
	case FallocPunchHole | FallocKeepSize:
		// Punched ranges must read back as zeroes; no write fallback.
		if err = d.dropCached(start, end); err != nil {
			return WrapError(op, err)
		}
		err = d.queue.ZeroOut(start, length, true)
	case FallocPunchHole | FallocKeepSize | FallocNoHideStale:
		discard = true
		if err = d.dropCached(start, end); err != nil {
			return WrapError(op, err)
		}
		err = d.queue.Discard(start, length)
	default:
		return NewErrnoError(op, syscall.EOPNOTSUPP)
	}

	lat := uint64(time.Since(tstart))
	if discard {
		d.observer.ObserveDiscard(uint64(length), lat, err == nil)
	} else {
		d.observer.ObserveZeroOut(uint64(length), lat, err == nil)
	}
	if err != nil {
		d.logger.Warn("range operation failed",
			"mode", mode, "start", start, "len", length, "error", err)
		return WrapError(op, err)
	}
	return nil
}

// dropCached runs the caller's invalidation hook for [start, end). Called
// with invalidateMu held.
func (d *Device) dropCached(start, end int64) error {
	if d.invalidate == nil {
		return nil
	}
	return d.invalidate(start, end)
}
