package bdev

import "github.com/behrlich/go-bdev/internal/blkq"

// Flags control how a request is dispatched.
type Flags uint8

const (
	// FlagNowait makes the request fail with a retry-required error rather
	// than block during submission.
	FlagNowait Flags = 1 << iota

	// FlagHiPri makes synchronous waiters drive completion by polling
	// instead of suspending.
	FlagHiPri

	// FlagDsync tags writes with synchronous-durability semantics: the
	// data reaches stable storage before the request completes.
	FlagDsync
)

// CompleteFunc is an asynchronous continuation. It is invoked exactly once
// per request, possibly from a completion goroutine, with the transferred
// byte count or the first error observed across the request's segments.
type CompleteFunc func(n int64, err error)

// Request is one caller-issued logical transfer. A request with a nil
// Complete continuation is synchronous: the calling goroutine blocks until
// the transfer finishes. An asynchronous request must not be touched by the
// caller until its continuation has fired.
type Request struct {
	// Pos is the starting byte position. It advances by the transferred
	// byte count when the request succeeds.
	Pos int64

	// Flags select non-blocking submission, polled completion and
	// durability semantics.
	Flags Flags

	// Priority is a hint passed through to the submission queue.
	Priority int

	// Complete, when non-nil, makes the request asynchronous.
	Complete CompleteFunc

	// cookie identifies the terminal segment for the polling primitive.
	cookie blkq.Cookie
}

func (r *Request) sync() bool { return r.Complete == nil }
