package storage

import (
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ttaaoo/raftlogd/internal/log"
)

// Storage is the factory scoped to one validated Options set. A
// process opens one Storage per data directory and calls Log/MetaStore per
// named Raft group it hosts (e.g. one per sharded partition).
type Storage struct {
	opts    Options
	metrics *log.Metrics
}

// New builds a Storage over opts, registering one shared set of metrics
// against reg (nil registers them nowhere). Every log.Log this
// Storage opens reports through the same Metrics instance, so counters
// aggregate across the named logs a single process hosts.
func New(opts Options, reg prometheus.Registerer) *Storage {
	return &Storage{opts: opts, metrics: log.NewMetrics(reg)}
}

// Log opens (or recovers) the named Raft log rooted at this Storage's
// directory, translating Options into the log.Config shape the segment
// layer understands.
func (s *Storage) Log(name string) (*log.Log, error) {
	logger := s.opts.logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	cfg := log.Config{
		MaxEntries:          s.opts.maxEntries,
		MaxBytes:            s.opts.maxSegment,
		CompactionThreshold: s.opts.threshold,
		CompactionThreads:   s.opts.threads,
		MinorInterval:       s.opts.minorEvery,
		MajorInterval:       s.opts.majorEvery,
		Logger:              logger,
		Metric:              s.metrics,
	}
	return log.Open(s.opts.directory, name, cfg)
}

// MetaStore opens the named log's Raft metadata record (current term, vote,
// snapshot markers) alongside its segments.
func (s *Storage) MetaStore(name string) (*log.MetaStore, error) {
	return log.OpenMetaStore(filepath.Join(s.opts.directory, name+".meta"))
}

// Directory returns the resolved root directory, useful for diagnostics and
// for tests created against a Memory-level Storage (the temp dir is chosen
// internally by NewOptions).
func (s *Storage) Directory() string { return s.opts.directory }

// Serializer returns the codec configured for entry payloads, or nil when
// callers pass raw bytes.
func (s *Storage) Serializer() Serializer { return s.opts.serializer }
