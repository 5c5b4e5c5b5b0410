package main

import (
	"bytes"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/behrlich/go-bdev"
	"github.com/behrlich/go-bdev/internal/blkq"
	"github.com/behrlich/go-bdev/internal/iov"
	"github.com/behrlich/go-bdev/internal/logging"
)

func main() {
	var (
		sizeStr = flag.String("size", "64M", "Size of the memory device (e.g., 64M, 1G)")
		ioStr   = flag.String("io", "1M", "Size of each transfer")
		count   = flag.Int("count", 16, "Number of write/read round trips")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("Invalid size '%s': %v", *sizeStr, err)
	}
	ioSize, err := parseSize(*ioStr)
	if err != nil {
		log.Fatalf("Invalid io size '%s': %v", *ioStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	medium := blkq.NewMemory(size)
	device, err := bdev.New(bdev.DefaultParams(medium), &bdev.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to create device", "error", err)
		os.Exit(1)
	}
	defer device.Close()

	logger.Info("memory device created",
		"size", formatSize(size), "block_size", device.BlockSize())

	pattern := make([]byte, ioSize)
	if _, err := rand.Read(pattern); err != nil {
		log.Fatalf("pattern: %v", err)
	}

	for i := 0; i < *count; i++ {
		pos := int64(i) * ioSize
		if pos >= size {
			break
		}

		wr := &bdev.Request{Pos: pos, Flags: bdev.FlagDsync}
		n, err := device.Write(wr, iov.New(iov.KindUser, pattern))
		if err != nil {
			logger.Error("write failed", "pos", pos, "error", err)
			os.Exit(1)
		}

		got := make([]byte, n)
		rr := &bdev.Request{Pos: pos}
		if _, err := device.Read(rr, iov.New(iov.KindUser, got)); err != nil {
			logger.Error("read failed", "pos", pos, "error", err)
			os.Exit(1)
		}
		if !bytes.Equal(got, pattern[:n]) {
			logger.Error("data mismatch", "pos", pos)
			os.Exit(1)
		}
	}

	// Punch the first transfer back out and verify it reads as zeroes.
	if err := device.Fallocate(bdev.FallocPunchHole|bdev.FallocKeepSize, 0, ioSize); err != nil {
		logger.Error("punch hole failed", "error", err)
		os.Exit(1)
	}
	check := make([]byte, ioSize)
	if _, err := device.Read(&bdev.Request{}, iov.New(iov.KindUser, check)); err != nil {
		logger.Error("read-back failed", "error", err)
		os.Exit(1)
	}
	for _, b := range check {
		if b != 0 {
			logger.Error("punched range not zeroed")
			os.Exit(1)
		}
	}

	if err := device.Fsync(); err != nil {
		logger.Error("fsync failed", "error", err)
		os.Exit(1)
	}

	snap := device.Metrics().Snapshot()
	fmt.Printf("Round trips:   %d x %s\n", *count, formatSize(ioSize))
	fmt.Printf("Reads:         %d ops, %s\n", snap.ReadOps, formatSize(int64(snap.ReadBytes)))
	fmt.Printf("Writes:        %d ops, %s\n", snap.WriteOps, formatSize(int64(snap.WriteBytes)))
	fmt.Printf("Reclaimed:     %s\n", formatSize(int64(snap.ReclaimBytes)))
	fmt.Printf("Avg latency:   %dus\n", snap.AvgLatencyNs/1000)
	fmt.Printf("p99 latency:   %dus\n", snap.LatencyP99Ns/1000)
	fmt.Printf("Error rate:    %.2f%%\n", snap.ErrorRate)
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
