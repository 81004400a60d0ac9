package log

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SegmentManager owns the ordered set of segments for one log. It is the
// exclusive owner of every Segment object; the Log holds only a
// back-reference. A single RWMutex guards the ordered list and the
// identity of the tail segment.
type SegmentManager struct {
	mu   sync.RWMutex
	dir  string
	name string
	cfg  Config
	log  *zerolog.Logger

	segments []*Segment
	nextID   uint64
}

var segmentFileRe = regexp.MustCompile(`^(.+)-(\d+)-(\d+)\.log$`)

// openSegmentManager enumerates segment files under dir belonging to name,
// verifies contiguity, and opens the tail segment writable.
func openSegmentManager(dir, name string, cfg Config) (*SegmentManager, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &IoError{Op: "readdir", Path: dir, Err: err}
	}

	// In-flight compaction output never survives a restart: a .tmp file
	// means the rewrite's rename did not land, so the old version is
	// still authoritative.
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".tmp") {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}

	latestByID := map[uint64]uint32{}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		m := segmentFileRe.FindStringSubmatch(e.Name())
		if m == nil || m[1] != name {
			continue
		}
		id, _ := strconv.ParseUint(m[2], 10, 64)
		version, _ := strconv.ParseUint(m[3], 10, 32)
		if v, ok := latestByID[id]; !ok || uint32(version) > v {
			latestByID[id] = uint32(version)
		}
	}

	ids := make([]uint64, 0, len(latestByID))
	for id := range latestByID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	nop := zerolog.Nop()
	logger := cfg.Logger
	if logger == nil {
		logger = &nop
	}
	mgr := &SegmentManager{dir: dir, name: name, cfg: cfg, log: logger}

	for i, id := range ids {
		writable := i == len(ids)-1
		seg, err := openSegment(dir, name, id, latestByID[id], writable)
		if err != nil {
			return nil, err
		}
		if len(mgr.segments) > 0 {
			prev := mgr.segments[len(mgr.segments)-1]
			if seg.FirstIndex() != prev.LastIndex()+1 {
				seg.Close()
				return nil, &CorruptSegment{SegmentID: id, Err: errNonContiguous}
			}
		}
		mgr.segments = append(mgr.segments, seg)
		if id >= mgr.nextID {
			mgr.nextID = id + 1
		}
	}

	if len(mgr.segments) == 0 {
		seg, err := createSegment(dir, name, 0, 1, 1, cfg)
		if err != nil {
			return nil, err
		}
		mgr.segments = append(mgr.segments, seg)
		mgr.nextID = 1
	}

	tail := mgr.segments[len(mgr.segments)-1]
	if tail.recoveredTorn != nil {
		logger.Warn().Err(tail.recoveredTorn).Uint64("segment_id", tail.ID()).Msg("truncated torn tail during recovery")
	}

	// A crash between seal-old and create-new during a roll leaves a sealed
	// tail with no successor on disk; detect and repair that here.
	if tail.Sealed() {
		next, err := createSegment(dir, name, mgr.nextID, 1, tail.LastIndex()+1, cfg)
		if err != nil {
			return nil, err
		}
		mgr.segments = append(mgr.segments, next)
		mgr.nextID++
	}

	return mgr, nil
}

var errNonContiguous = sentinelErr("segment manager: non-contiguous segment chain")

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

func (m *SegmentManager) FirstSegment() *Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.segments[0]
}

func (m *SegmentManager) LastSegment() *Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.segments[len(m.segments)-1]
}

// Segment returns the segment owning index via binary search over
// firstIndex keys.
func (m *SegmentManager) Segment(index uint64) *Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	segs := m.segments
	i := sort.Search(len(segs), func(i int) bool {
		return segs[i].FirstIndex() > index
	})
	if i == 0 {
		return nil
	}
	candidate := segs[i-1]
	if index > candidate.LastIndex() {
		return nil
	}
	return candidate
}

// Segments returns a stable snapshot of the current ordered list, used by
// major compaction's global sweep.
func (m *SegmentManager) Segments() []*Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// NextSegment seals the current tail and allocates a new writable segment
// Crashes between seal and create are resolved on recovery, above.
func (m *SegmentManager) NextSegment() (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tail := m.segments[len(m.segments)-1]
	if err := tail.Seal(); err != nil {
		return nil, err
	}

	id := m.nextID
	m.nextID++
	next, err := createSegment(m.dir, m.name, id, 1, tail.LastIndex()+1, m.cfg)
	if err != nil {
		return nil, err
	}
	m.segments = append(m.segments, next)
	m.log.Info().Uint64("segment_id", id).Uint64("first_index", next.FirstIndex()).Msg("segment rolled")
	return next, nil
}

// Replace atomically swaps the segments in [startID, endID] (inclusive, by
// id) for a single rewritten segment, under the write lock. Readers
// traversing Segments()/Segment() never observe a partial splice.
func (m *SegmentManager) Replace(startID, endID uint64, replacement *Segment) ([]*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	startIdx, endIdx := -1, -1
	for i, s := range m.segments {
		if s.ID() == startID {
			startIdx = i
		}
		if s.ID() == endID {
			endIdx = i
		}
	}
	if startIdx == -1 || endIdx == -1 || startIdx > endIdx {
		return nil, errNonContiguous
	}

	removed := make([]*Segment, endIdx-startIdx+1)
	copy(removed, m.segments[startIdx:endIdx+1])

	newSegments := make([]*Segment, 0, len(m.segments)-len(removed)+1)
	newSegments = append(newSegments, m.segments[:startIdx]...)
	newSegments = append(newSegments, replacement)
	newSegments = append(newSegments, m.segments[endIdx+1:]...)
	m.segments = newSegments

	return removed, nil
}

// RemoveSuffix deletes every segment with FirstIndex > after, used by
// Log.Truncate.
func (m *SegmentManager) RemoveSuffix(after uint64) ([]*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cut := len(m.segments)
	for i, s := range m.segments {
		if s.FirstIndex() > after {
			cut = i
			break
		}
	}
	removed := m.segments[cut:]
	m.segments = m.segments[:cut]
	out := make([]*Segment, len(removed))
	copy(out, removed)
	return out, nil
}

// EnsureWritableTail unseals the current tail segment if a truncate left a
// sealed segment at the end of the chain: the tail must be writable
// after a suffix truncation.
func (m *SegmentManager) EnsureWritableTail() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tail := m.segments[len(m.segments)-1]
	if !tail.Sealed() {
		return nil
	}
	tail.mu.Lock()
	tail.sealed = false
	tail.mu.Unlock()
	return writeDescriptor(tail.descFile, SegmentDescriptor{
		FormatVersion: descriptorFormatVersion,
		Sealed:        false,
		ID:            tail.id,
		Version:       tail.version,
		FirstIndex:    tail.firstIndex,
		MaxEntries:    tail.maxEntries,
		MaxBytes:      tail.maxBytes,
		UpdatedMillis: uint64(time.Now().UnixMilli()),
	})
}

func (m *SegmentManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, s := range m.segments {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

