//go:build linux

package blkq

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// File is a medium backed by a regular file or block device, using
// positional syscalls so no file offset state is shared between workers.
type File struct {
	f    *os.File
	size int64
}

// OpenFile opens path as a medium. With direct set the file is opened with
// O_DIRECT, bypassing the kernel page cache; callers are then responsible
// for buffer alignment.
func OpenFile(path string, direct bool) (*File, error) {
	flags := os.O_RDWR
	if direct {
		flags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// Seek to the end to learn the size; works for block devices where
	// Stat reports zero.
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("size %s: %w", path, err)
	}
	return &File{f: f, size: size}, nil
}

// ReadAt implements the Medium interface.
func (fm *File) ReadAt(p []byte, off int64) (int, error) {
	return unix.Pread(int(fm.f.Fd()), p, off)
}

// WriteAt implements the Medium interface.
func (fm *File) WriteAt(p []byte, off int64) (int, error) {
	return unix.Pwrite(int(fm.f.Fd()), p, off)
}

// Size implements the Medium interface.
func (fm *File) Size() int64 { return fm.size }

// Flush implements the Medium interface.
func (fm *File) Flush() error {
	return unix.Fsync(int(fm.f.Fd()))
}

// Close implements the Medium interface.
func (fm *File) Close() error {
	return fm.f.Close()
}

// ZeroOut implements the ZeroOutMedium interface via fallocate.
func (fm *File) ZeroOut(off, length int64) error {
	return unix.Fallocate(int(fm.f.Fd()),
		unix.FALLOC_FL_ZERO_RANGE|unix.FALLOC_FL_KEEP_SIZE, off, length)
}

// Discard implements the DiscardMedium interface via hole punching.
func (fm *File) Discard(off, length int64) error {
	return unix.Fallocate(int(fm.f.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
}

// Compile-time interface checks
var (
	_ Medium        = (*File)(nil)
	_ ZeroOutMedium = (*File)(nil)
	_ DiscardMedium = (*File)(nil)
)
