//go:build !uring
// +build !uring

package uring

import (
	"fmt"
	"os"

	"github.com/behrlich/go-bdev/internal/blkq"
)

// NewQueue is available when built with -tags uring.
func NewQueue(_ *os.File, _ int) (blkq.Queue, error) {
	return nil, fmt.Errorf("io_uring not enabled; build with -tags uring")
}
