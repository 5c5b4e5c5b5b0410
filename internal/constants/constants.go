package constants

// Default configuration constants
const (
	// DefaultLogicalBlockSize is the default logical block size in bytes
	DefaultLogicalBlockSize = 512

	// SectorShift converts between byte offsets and 512-byte sectors
	SectorShift = 9

	// PageSize is the unit a segment's page vector is carved in (4KB)
	PageSize = 4096

	// MaxSegmentPages is the maximum number of page vectors a single
	// transfer descriptor may carry (256 pages, 1MB worth of 4KB pages)
	MaxSegmentPages = 256

	// InlinePageVecs is the page-vector capacity the single-segment fast
	// path keeps on the stack before falling back to a heap allocation
	InlinePageVecs = 4
)

// Queue defaults
const (
	// DefaultQueueWorkers is the number of completion workers a queue runs
	DefaultQueueWorkers = 4

	// DefaultQueueDepth is the submission backlog per queue
	DefaultQueueDepth = 128
)
