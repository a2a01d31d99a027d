package mempool

import (
	"os"

	"golang.org/x/exp/slog"
)

// PoolSettings carries everything New needs to lay out a pool. The structure
// is copied into the handle at creation; later mutation of the caller's copy
// has no effect.
type PoolSettings struct {
	// TotalSize is the usable payload size in bytes. New recomputes it from
	// the block counts; a differing caller value flags InconsistentSettings
	// but does not prevent creation.
	TotalSize int

	// Per-class block counts, smallest class first.
	Num32BytesBlocks  int
	Num64BytesBlocks  int
	Num128BytesBlocks int
	Num256BytesBlocks int
	Num512BytesBlocks int
	Num1KBytesBlocks  int
	Num2KBytesBlocks  int
	Num4KBytesBlocks  int

	// ErrorCallback, when non-nil, receives every error event synchronously.
	ErrorCallback ErrorCallback

	// Threadsafe serializes allocate, free and reallocate under a per-pool
	// mutex.
	Threadsafe bool

	// FullOverflowChecks extends corruption detection to every payload and
	// slack byte instead of just the sentinels and counters.
	FullOverflowChecks bool

	// InitAllocatedMemory zeroes allocated payload bytes. Without it the
	// payload keeps the init-byte fill pattern.
	InitAllocatedMemory bool

	// ErrorDumpFileName, when non-empty, is the path the pool appends error
	// reports and region dumps to. Longer than DumpFileNameSize is truncated.
	// The file is deleted at creation.
	ErrorDumpFileName string

	// VerboseDump additionally appends a record of every operation to the
	// dump file.
	VerboseDump bool

	// Logger receives operation traces and diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// blockCounts returns the per-class counts in ascending class order.
func (s *PoolSettings) blockCounts() [NumBlockClasses]int {
	return [NumBlockClasses]int{
		s.Num32BytesBlocks,
		s.Num64BytesBlocks,
		s.Num128BytesBlocks,
		s.Num256BytesBlocks,
		s.Num512BytesBlocks,
		s.Num1KBytesBlocks,
		s.Num2KBytesBlocks,
		s.Num4KBytesBlocks,
	}
}

// sanitize recomputes TotalSize from the block counts, truncates the dump
// path to its fixed budget and deletes any stale dump file. It reports
// whether the caller's TotalSize already agreed.
func (s *PoolSettings) sanitize(logger *slog.Logger) bool {
	initialTotalSize := s.TotalSize

	counts := s.blockCounts()
	total := 0
	for class, count := range counts {
		total += count * classPayloadSizes[class]
	}
	s.TotalSize = total

	if len(s.ErrorDumpFileName) > DumpFileNameSize {
		s.ErrorDumpFileName = s.ErrorDumpFileName[:DumpFileNameSize]
	}

	if s.ErrorDumpFileName != "" {
		err := os.Remove(s.ErrorDumpFileName)
		if err != nil && !os.IsNotExist(err) {
			logger.Error("could not remove the mempool error dump file",
				slog.String("path", s.ErrorDumpFileName),
				slog.Any("error", err))
		}
	}

	return s.TotalSize == initialTotalSize
}
