package log

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Log is the public façade over a SegmentManager: append, read by index,
// truncate suffix, iterate, flush, close. It is the only mutating path
// for growth.
type Log struct {
	mu sync.RWMutex

	name string
	mgr  *SegmentManager
	cfg  Config
	log  *zerolog.Logger

	cleaner   *Cleaner
	compactor *Compactor

	lastIndex uint64
	lastTime  time.Time // monotone-time clamping across commits
}

// Open creates or recovers a Log rooted at dir under the given name, once
// per process start; internal/storage's factory is the usual caller.
func Open(dir, name string, cfg Config) (*Log, error) {
	cfg = cfg.withDefaults()
	mgr, err := openSegmentManager(dir, name, cfg)
	if err != nil {
		return nil, err
	}

	l := &Log{
		name: name,
		mgr:  mgr,
		cfg:  cfg,
		log:  cfg.Logger,
	}
	l.cleaner = newCleaner(mgr, cfg.Logger)
	l.compactor = newCompactor(mgr, l.cleaner, cfg)

	last := mgr.LastSegment()
	if last.EntryCount() == 0 && last.FirstIndex() > 1 {
		l.lastIndex = last.FirstIndex() - 1
	} else if last.EntryCount() > 0 {
		l.lastIndex = last.LastIndex()
	}

	l.compactor.Start()
	return l, nil
}

// Append enforces entry.Index == LastIndex()+1, rolling the tail segment
// when it reports SegmentFull, then delegates to the segment. Rolling
// seals the old segment and allocates the new one before returning; a
// crash in between is resolved on the next Open.
func (l *Log) Append(e Entry) (uint64, error) {
	if e.Kind == EntryQuery {
		return 0, ErrNonPersistable
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	want := l.lastIndex + 1
	if e.Index == 0 {
		e.Index = want
	} else if e.Index != want {
		return 0, ErrNonMonotonicIndex
	}
	if e.AppendedAt.IsZero() {
		e.AppendedAt = time.Now()
	}

	tail := l.mgr.LastSegment()
	idx, err := tail.Append(e)
	if err == ErrSegmentFull {
		tail, err = l.mgr.NextSegment()
		if err != nil {
			return 0, err
		}
		l.cfg.Metric.segmentRolls.Inc()
		idx, err = tail.Append(e)
	}
	if err != nil {
		return 0, err
	}

	l.lastIndex = idx
	l.cfg.Metric.appends.Inc()
	l.cfg.Metric.entryBytesWritten.Add(float64(len(e.Payload)))
	return idx, nil
}

// Get returns the entry at index, or ok=false if it has been compacted away
// or is beyond LastIndex.
func (l *Log) Get(index uint64) (Entry, bool, error) {
	l.cfg.Metric.reads.Inc()
	seg := l.mgr.Segment(index)
	if seg == nil {
		return Entry{}, false, nil
	}
	e, ok, err := seg.Get(index)
	if err != nil || !ok {
		return Entry{}, ok, err
	}
	l.cfg.Metric.entryBytesRead.Add(float64(len(e.Payload)))
	return e, true, nil
}

func (l *Log) Contains(index uint64) bool {
	_, ok, err := l.Get(index)
	return err == nil && ok
}

func (l *Log) FirstIndex() uint64 {
	return l.mgr.FirstSegment().FirstIndex()
}

func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndex
}

// Truncate removes all entries with index > index: identifies the
// segment containing index, deletes all segments strictly after it,
// truncates within that segment, and ensures the tail is writable
// afterward.
func (l *Log) Truncate(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index >= l.lastIndex {
		return nil
	}

	removed, err := l.mgr.RemoveSuffix(index)
	if err != nil {
		return err
	}
	for _, s := range removed {
		if err := s.Remove(); err != nil {
			return err
		}
	}

	containing := l.mgr.Segment(index)
	if containing == nil {
		containing = l.mgr.LastSegment()
	}
	if err := l.mgr.EnsureWritableTail(); err != nil {
		return err
	}
	if !containing.Sealed() {
		if err := containing.Truncate(index); err != nil && err != ErrOutOfRange {
			return err
		}
	}

	l.lastIndex = index
	l.cfg.Metric.truncations.Inc()
	return nil
}

// Flush fsyncs the active segment so subsequent crashes preserve every
// entry appended before this call returns.
func (l *Log) Flush() error {
	return l.mgr.LastSegment().Flush()
}

// Close stops the compactor, waits for in-progress tasks to reach a
// boundary, then releases file handles.
func (l *Log) Close() error {
	l.compactor.Stop()
	return l.mgr.Close()
}

// MakeCommit wraps the entry at index in a Commit handle for the state
// machine. The commit's term and raw time come from the stored
// entry itself (replicas never consult their own clocks); the time is then
// clamped to max(previousTime, rawTime) so replay always observes a
// monotone clock.
func (l *Log) MakeCommit(index uint64, sessionID string) (*Commit, error) {
	e, ok, err := l.Get(index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOutOfRange
	}

	l.mu.Lock()
	at := e.AppendedAt
	if l.lastTime.After(at) {
		at = l.lastTime
	}
	l.lastTime = at
	l.mu.Unlock()

	return newCommit(e, at, sessionID, l.cleaner, l.cfg.Metric), nil
}

// Cleaner exposes the log's Cleaner for callers (e.g. the state machine
// adapter) that need direct access outside of Commit.Clean().
func (l *Log) Cleaner() *Cleaner { return l.cleaner }

// TriggerMinorCompaction and TriggerMajorCompaction run one pass of each
// pipeline synchronously, for tests and for operator-triggered compaction.
func (l *Log) TriggerMinorCompaction() error { return l.compactor.RunMinorOnce() }
func (l *Log) TriggerMajorCompaction() error { return l.compactor.RunMajorOnce() }

// Iterator returns a cursor starting at from.
func (l *Log) Iterator(from uint64) *Iterator {
	return &Iterator{log: l, next: from}
}

// Iterator walks a Log's entries in index order.
type Iterator struct {
	log  *Log
	next uint64
}

// Next returns the next present entry, skipping indices reclaimed by
// compaction, or ok=false once the iterator passes the log's current
// LastIndex.
func (it *Iterator) Next() (Entry, bool, error) {
	for it.next <= it.log.LastIndex() {
		e, ok, err := it.log.Get(it.next)
		if err != nil {
			return Entry{}, false, err
		}
		it.next++
		if ok {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}
