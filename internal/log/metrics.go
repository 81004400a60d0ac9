package log

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics mirrors the shape of dreamsxin-wal's walMetrics: counters for the
// operations that move bytes and for leaked commit handles, plus a gauge of
// the live-entry ratio across segments.
type Metrics struct {
	appends           prometheus.Counter
	entryBytesWritten prometheus.Counter
	reads             prometheus.Counter
	entryBytesRead    prometheus.Counter
	segmentRolls      prometheus.Counter
	truncations       prometheus.Counter
	minorCompactions  *prometheus.CounterVec
	majorCompactions  *prometheus.CounterVec
	commitLeaks       prometheus.Counter
	liveRatio         prometheus.Gauge
}

// NewMetrics registers the log's metrics against reg. With a nil registerer
// the collectors are created but not registered anywhere, as promauto does.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		appends: f.NewCounter(prometheus.CounterOpts{
			Name: "raftlog_appends_total",
			Help: "Number of entries successfully appended.",
		}),
		entryBytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "raftlog_entry_bytes_written_total",
			Help: "Payload bytes of entries appended to segment stores.",
		}),
		reads: f.NewCounter(prometheus.CounterOpts{
			Name: "raftlog_reads_total",
			Help: "Number of Get calls served.",
		}),
		entryBytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "raftlog_entry_bytes_read_total",
			Help: "Payload bytes of entries read back from segment stores.",
		}),
		segmentRolls: f.NewCounter(prometheus.CounterOpts{
			Name: "raftlog_segment_rolls_total",
			Help: "Number of times the active segment was sealed and replaced.",
		}),
		truncations: f.NewCounter(prometheus.CounterOpts{
			Name: "raftlog_truncations_total",
			Help: "Number of suffix truncations performed.",
		}),
		minorCompactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "raftlog_minor_compactions_total",
			Help: "Minor compaction runs by outcome.",
		}, []string{"outcome"}),
		majorCompactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "raftlog_major_compactions_total",
			Help: "Major compaction runs by outcome.",
		}, []string{"outcome"}),
		commitLeaks: f.NewCounter(prometheus.CounterOpts{
			Name: "raftlog_commit_leaks_total",
			Help: "Commit handles garbage-collected without close() or clean().",
		}),
		liveRatio: f.NewGauge(prometheus.GaugeOpts{
			Name: "raftlog_live_ratio",
			Help: "Fraction of entries across all segments not marked clean, updated after each compaction pass.",
		}),
	}
}
