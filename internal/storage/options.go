// Package storage turns a validated set of options into ready-to-use Log
// and MetaStore instances rooted at a directory. The wiring goes through a
// builder so every caller (cmd/raftlogd, tests) validates the same way.
package storage

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ttaaoo/raftlogd/internal/log"
)

// StorageLevel selects how a named log's files are rooted. Disk and
// MappedDisk are handled identically: the segment layer opens the same files
// the same way for both. Memory roots the log under a process-private temp
// directory instead of the caller-supplied one, for tests and ephemeral nodes.
type StorageLevel int

const (
	Disk StorageLevel = iota
	MappedDisk
	Memory
)

func (l StorageLevel) String() string {
	switch l {
	case Disk:
		return "Disk"
	case MappedDisk:
		return "MappedDisk"
	case Memory:
		return "Memory"
	default:
		return "Unknown"
	}
}

// Serializer translates between a caller's typed commands and the raw bytes
// a log.Entry carries as its Payload. It is recognized as a configuration
// option so callers can register a codec once and never touch []byte again.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

// Options is the immutable, validated configuration for a Storage factory.
// It is built with NewOptions plus functional With* options, never mutated
// afterward, mirroring the directory/bytes/thresholds vocabulary already
// used by log.Config.
type Options struct {
	directory  string
	level      StorageLevel
	maxSegment uint32
	maxEntries uint32
	threads    int
	minorEvery time.Duration
	majorEvery time.Duration
	threshold  float64
	serializer Serializer
	logger     *zerolog.Logger
}

type Option func(*Options) error

// NewOptions validates directory and applies opts over built-in defaults.
// directory must be non-empty; every other field is optional.
func NewOptions(directory string, opts ...Option) (Options, error) {
	if directory == "" {
		return Options{}, fmt.Errorf("%w: directory must not be empty", log.ErrConfigInvalid)
	}
	o := Options{
		directory: directory,
		level:     MappedDisk,
		threshold: 0.5,
		threads:   2,
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return Options{}, err
		}
	}
	if o.level == Memory {
		tmp, err := os.MkdirTemp("", "raftlogd-mem-*")
		if err != nil {
			return Options{}, fmt.Errorf("storage: create memory-backed directory: %w", err)
		}
		o.directory = tmp
	}
	if err := os.MkdirAll(o.directory, 0o755); err != nil {
		return Options{}, fmt.Errorf("storage: %w", err)
	}
	return o, nil
}

// WithMaxSegmentBytes sets the byte ceiling for a segment's store file; must
// exceed the 64-byte descriptor header.
func WithMaxSegmentBytes(n uint32) Option {
	return func(o *Options) error {
		if n <= descriptorSize {
			return fmt.Errorf("%w: maxSegmentSize must exceed %d bytes", log.ErrConfigInvalid, descriptorSize)
		}
		o.maxSegment = n
		return nil
	}
}

// WithMaxEntriesPerSegment sets the per-segment entry ceiling, bounded by
// the offset index's 32-bit relative-offset cap.
func WithMaxEntriesPerSegment(n uint32) Option {
	return func(o *Options) error {
		if n == 0 {
			return fmt.Errorf("%w: maxEntriesPerSegment must be > 0", log.ErrConfigInvalid)
		}
		if n > log.MaxEntriesPerSegmentCap {
			return fmt.Errorf("%w: maxEntriesPerSegment must not exceed %d", log.ErrConfigInvalid, log.MaxEntriesPerSegmentCap)
		}
		o.maxEntries = n
		return nil
	}
}

func WithCompactionThreads(n int) Option {
	return func(o *Options) error {
		if n <= 0 {
			return fmt.Errorf("%w: compactionThreads must be > 0", log.ErrConfigInvalid)
		}
		o.threads = n
		return nil
	}
}

func WithCompactionThreshold(f float64) Option {
	return func(o *Options) error {
		if f <= 0 || f > 1 {
			return fmt.Errorf("%w: compactionThreshold must be in (0,1]", log.ErrConfigInvalid)
		}
		o.threshold = f
		return nil
	}
}

func WithMinorCompactionInterval(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("%w: minorCompactionInterval must be positive", log.ErrConfigInvalid)
		}
		o.minorEvery = d
		return nil
	}
}

func WithMajorCompactionInterval(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("%w: majorCompactionInterval must be positive", log.ErrConfigInvalid)
		}
		o.majorEvery = d
		return nil
	}
}

func WithStorageLevel(l StorageLevel) Option {
	return func(o *Options) error {
		o.level = l
		return nil
	}
}

func WithSerializer(s Serializer) Option {
	return func(o *Options) error {
		o.serializer = s
		return nil
	}
}

func WithLogger(l *zerolog.Logger) Option {
	return func(o *Options) error {
		o.logger = l
		return nil
	}
}

const descriptorSize = 64
