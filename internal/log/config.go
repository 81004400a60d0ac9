package log

import (
	"time"

	"github.com/rs/zerolog"
)

// MaxEntriesPerSegmentCap bounds maxEntries because relative offsets are
// stored as 32-bit values in the OffsetIndex, and the index file is sized
// up-front at maxEntries slots: a larger cap would reserve gigabytes per
// segment and risk offset wraparound.
const MaxEntriesPerSegmentCap = 1 << 24

// Config carries the per-log settings the segment/manager/compactor layer
// needs. It is built by internal/storage from the public Options; nothing
// here is exported to callers outside this module.
type Config struct {
	MaxEntries uint32
	MaxBytes   uint32

	CompactionThreshold float64
	CompactionThreads   int
	MinorInterval       time.Duration
	MajorInterval       time.Duration

	Logger *zerolog.Logger
	Metric *Metrics
}

func (c Config) withDefaults() Config {
	if c.MaxEntries == 0 {
		c.MaxEntries = 1024
	}
	if c.MaxEntries > MaxEntriesPerSegmentCap {
		c.MaxEntries = MaxEntriesPerSegmentCap
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 32 * 1024 * 1024
	}
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = 0.5
	}
	if c.CompactionThreads <= 0 {
		c.CompactionThreads = 2
	}
	if c.MinorInterval <= 0 {
		c.MinorInterval = 30 * time.Second
	}
	if c.MajorInterval <= 0 {
		c.MajorInterval = 10 * time.Minute
	}
	if c.Logger == nil {
		l := zerolog.Nop()
		c.Logger = &l
	}
	if c.Metric == nil {
		c.Metric = NewMetrics(nil)
	}
	return c
}
