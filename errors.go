package bdev

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured bdev error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "DIRECT_IO", "FALLOCATE")
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // Underlying errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("bdev: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("bdev: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support by error category
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	// ErrCodeInvalidArgument covers misalignment, bad flags and
	// out-of-range positions, detected before any submission.
	ErrCodeInvalidArgument ErrorCode = "invalid argument"

	// ErrCodeNotSupported is returned for unsupported flag combinations
	// and media lacking a requested primitive.
	ErrCodeNotSupported ErrorCode = "not supported"

	// ErrCodeRetryRequired means a non-blocking submission could not
	// finish without blocking; the caller must retry from a blocking
	// context.
	ErrCodeRetryRequired ErrorCode = "retry required"

	// ErrCodeNoSpace means the transfer starts at or beyond device size.
	ErrCodeNoSpace ErrorCode = "no space"

	// ErrCodePermissionDenied covers writes to read-only devices.
	ErrCodePermissionDenied ErrorCode = "permission denied"

	// ErrCodeIOError is a translated device or transport failure.
	ErrCodeIOError ErrorCode = "I/O error"

	// ErrCodeQueued marks an asynchronous submission that will complete
	// through its continuation.
	ErrCodeQueued ErrorCode = "queued"
)

// ErrQueued is returned by asynchronous submissions: the request was
// accepted and the continuation will be invoked exactly once.
var ErrQueued = &Error{Code: ErrCodeQueued, Msg: "operation queued"}

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrnoError creates a new structured error from an errno
func NewErrnoError(op string, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Code:  mapErrnoToCode(errno),
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// WrapError wraps an existing error with bdev context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if be, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			Code:  be.Code,
			Errno: be.Errno,
			Msg:   be.Msg,
			Inner: be.Inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps an errno to a bdev error category
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidArgument
	case syscall.EOPNOTSUPP, syscall.ENOSYS:
		return ErrCodeNotSupported
	case syscall.EAGAIN:
		return ErrCodeRetryRequired
	case syscall.ENOSPC:
		return ErrCodeNoSpace
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error category
func IsCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Errno == errno
	}
	return false
}
