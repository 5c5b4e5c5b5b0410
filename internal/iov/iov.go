// Package iov implements the scatter/gather memory-region iterator that
// direct I/O transfers are carved from. The iterator is consumed
// destructively as segments pull pages out of it; Truncate and Reexpand
// let callers clamp a transfer to device size and later restore the true
// requested length.
package iov

import (
	"github.com/behrlich/go-bdev/internal/constants"
)

// Kind describes the ownership of the memory backing an iterator.
type Kind uint8

const (
	// KindUser is general-purpose caller memory. Reads into user memory
	// are dirty-tracked before the pages are released.
	KindUser Kind = iota

	// KindPinned is pre-pinned or registered memory that must not be
	// dirty-tracked or released by the engine.
	KindPinned
)

// PinFunc is invoked for every page carved from the iterator. A non-nil
// error fails the whole transfer through the normal completion path.
type PinFunc func(page []byte) error

// Iter is a cursor over a scatter/gather list of buffers.
type Iter struct {
	kind  Kind
	pin   PinFunc
	bufs  [][]byte
	off   int   // consumed bytes of bufs[0]
	count int64 // bytes visible to the consumer
}

// New creates an iterator over bufs. Zero-length buffers are skipped.
func New(kind Kind, bufs ...[]byte) *Iter {
	it := &Iter{kind: kind}
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		it.bufs = append(it.bufs, b)
		it.count += int64(len(b))
	}
	return it
}

// WithPin installs a pin hook called for each carved page.
func (it *Iter) WithPin(fn PinFunc) *Iter {
	it.pin = fn
	return it
}

// Kind returns the memory ownership of the iterator.
func (it *Iter) Kind() Kind { return it.kind }

// Count returns the number of bytes left in the iterator.
func (it *Iter) Count() int64 { return it.count }

// Truncate caps the iterator at max bytes. Bytes beyond the cap are hidden,
// not dropped; Reexpand restores them.
func (it *Iter) Truncate(max int64) {
	if it.count > max {
		it.count = max
	}
}

// Reexpand adds n bytes back to the visible count after a Truncate.
func (it *Iter) Reexpand(n int64) {
	it.count += n
}

// Alignment returns the OR of the lengths of every chunk the iterator
// would produce. A transfer is acceptable for direct I/O only when this
// value is a multiple of the device's logical block size.
func (it *Iter) Alignment() int64 {
	var res int64
	remaining := it.count
	for i, b := range it.bufs {
		if remaining <= 0 {
			break
		}
		n := int64(len(b))
		if i == 0 {
			n -= int64(it.off)
		}
		if n > remaining {
			n = remaining
		}
		res |= n
		remaining -= n
	}
	return res
}

// Pages returns the number of page vectors needed to map the remaining
// bytes, capped at max.
func (it *Iter) Pages(max int) int {
	pages := 0
	remaining := it.count
	for i, b := range it.bufs {
		if remaining <= 0 || pages >= max {
			break
		}
		n := int64(len(b))
		if i == 0 {
			n -= int64(it.off)
		}
		if n > remaining {
			n = remaining
		}
		pages += int((n + constants.PageSize - 1) / constants.PageSize)
		remaining -= n
	}
	if pages > max {
		pages = max
	}
	return pages
}

// Next carves up to max pages from the iterator, appending them to dst and
// advancing the cursor. It returns the extended slice and the number of
// bytes covered. A pin failure aborts the carve; pages already appended are
// returned so the caller can release them.
func (it *Iter) Next(dst [][]byte, max int) ([][]byte, int64, error) {
	var n int64
	for len(dst) < max && it.count > 0 && len(it.bufs) > 0 {
		b := it.bufs[0]
		avail := int64(len(b) - it.off)
		if avail <= 0 {
			it.bufs = it.bufs[1:]
			it.off = 0
			continue
		}
		chunk := avail
		if chunk > constants.PageSize {
			chunk = constants.PageSize
		}
		if chunk > it.count {
			chunk = it.count
		}
		page := b[it.off : it.off+int(chunk) : it.off+int(chunk)]
		if it.pin != nil {
			if err := it.pin(page); err != nil {
				return dst, n, err
			}
		}
		dst = append(dst, page)
		n += chunk
		it.count -= chunk
		it.off += int(chunk)
		if it.off == len(b) {
			it.bufs = it.bufs[1:]
			it.off = 0
		}
	}
	return dst, n, nil
}
