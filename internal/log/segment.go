package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Segment is one append-only file plus its in-memory offset index and
// cleaner bitset: a closed interval of entries [firstIndex, lastIndex].
// Entry bytes are immutable once written; only the writable tail may be
// appended to or truncated.
type Segment struct {
	mu sync.RWMutex

	dir  string
	name string
	id   uint64

	logPath   string
	idxPath   string
	cleanPath string

	descFile *os.File
	store    *store
	idx      *OffsetIndex
	clean    *cleanBitset

	firstIndex uint64
	maxEntries uint32
	maxBytes   uint32
	version    uint32
	sealed     bool
	entryCount uint32 // relative-offset span: highest written relOffset + 1
	present    uint32 // entries actually present (span minus compaction holes)

	recoveredTorn *TornTail // set when recovery truncated a torn tail
}

func segmentPaths(dir, name string, id uint64, version uint32) (logPath, idxPath, cleanPath string) {
	base := fmt.Sprintf("%s-%d-%d", name, id, version)
	return filepath.Join(dir, base+".log"),
		filepath.Join(dir, base+".index"),
		filepath.Join(dir, base+".clean")
}

// createSegment allocates a brand-new segment file set for id/firstIndex.
func createSegment(dir, name string, id uint64, version uint32, firstIndex uint64, cfg Config) (*Segment, error) {
	logPath, idxPath, cleanPath := segmentPaths(dir, name, id, version)
	return createSegmentFiles(dir, name, logPath, idxPath, cleanPath, id, version, firstIndex, cfg)
}

// createStagedSegment allocates the same file set at .tmp paths, used by the
// Compactor to build a rewrite that only becomes visible after rename.
func createStagedSegment(dir, name string, id uint64, version uint32, firstIndex uint64, cfg Config) (*Segment, error) {
	logPath, idxPath, cleanPath := segmentPaths(dir, name, id, version)
	return createSegmentFiles(dir, name, logPath+".tmp", idxPath+".tmp", cleanPath+".tmp", id, version, firstIndex, cfg)
}

func createSegmentFiles(dir, name, logPath, idxPath, cleanPath string, id uint64, version uint32, firstIndex uint64, cfg Config) (*Segment, error) {
	descFile, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, &IoError{Op: "create", Path: logPath, Err: err}
	}
	d := SegmentDescriptor{
		FormatVersion: descriptorFormatVersion,
		ID:            id,
		Version:       version,
		FirstIndex:    firstIndex,
		MaxEntries:    cfg.MaxEntries,
		MaxBytes:      cfg.MaxBytes,
		UpdatedMillis: uint64(time.Now().UnixMilli()),
	}
	if err := writeDescriptor(descFile, d); err != nil {
		descFile.Close()
		return nil, err
	}

	st, err := newStore(descFile)
	if err != nil {
		descFile.Close()
		return nil, err
	}

	idxFile, err := os.OpenFile(idxPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		descFile.Close()
		return nil, &IoError{Op: "create", Path: idxPath, Err: err}
	}
	idxBytes := cfg.MaxEntries * uint32(idxEntWidth)
	idx, err := newOffsetIndex(idxFile, idxBytes)
	if err != nil {
		descFile.Close()
		idxFile.Close()
		return nil, err
	}

	cleanFile, err := os.OpenFile(cleanPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		descFile.Close()
		idxFile.Close()
		return nil, &IoError{Op: "create", Path: cleanPath, Err: err}
	}
	cb, err := newCleanBitset(cleanFile, 0)
	if err != nil {
		descFile.Close()
		idxFile.Close()
		cleanFile.Close()
		return nil, err
	}

	return &Segment{
		dir: dir, name: name, id: id,
		logPath: logPath, idxPath: idxPath, cleanPath: cleanPath,
		descFile: descFile, store: st, idx: idx, clean: cb,
		firstIndex: firstIndex, maxEntries: cfg.MaxEntries, maxBytes: cfg.MaxBytes,
		version: version,
	}, nil
}

// openSegment reopens an existing segment file set, rebuilding the offset
// index by sequential scan if it is missing or corrupt. writable
// controls whether this segment is treated as the tail (unsealed unless its
// descriptor says otherwise) or a sealed historical segment.
func openSegment(dir, name string, id uint64, version uint32, writable bool) (*Segment, error) {
	logPath, idxPath, cleanPath := segmentPaths(dir, name, id, version)

	descFile, err := os.OpenFile(logPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, &IoError{Op: "open", Path: logPath, Err: err}
	}
	d, err := readDescriptor(descFile)
	if err != nil {
		descFile.Close()
		return nil, err
	}

	st, err := newStore(descFile)
	if err != nil {
		descFile.Close()
		return nil, err
	}

	idxFile, err := os.OpenFile(idxPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		descFile.Close()
		return nil, &IoError{Op: "open", Path: idxPath, Err: err}
	}
	idxBytes := d.MaxEntries * uint32(idxEntWidth)
	idx, err := newOffsetIndex(idxFile, idxBytes)
	if err != nil {
		descFile.Close()
		idxFile.Close()
		return nil, err
	}

	cleanFile, err := os.OpenFile(cleanPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		descFile.Close()
		idxFile.Close()
		return nil, &IoError{Op: "open", Path: cleanPath, Err: err}
	}

	s := &Segment{
		dir: dir, name: name, id: id,
		logPath: logPath, idxPath: idxPath, cleanPath: cleanPath,
		descFile: descFile, store: st, idx: idx,
		firstIndex: d.FirstIndex, maxEntries: d.MaxEntries, maxBytes: d.MaxBytes,
		version: version, sealed: d.Sealed,
	}
	closeAll := func() {
		st.Close()
		idx.Close()
		cleanFile.Close()
	}

	if writable {
		// The tail is the one segment whose last records may be torn: its
		// persisted index can run ahead of what actually hit the disk, so
		// the body scan is authoritative and truncates at the first bad
		// record.
		if err := s.rebuildFromScan(true); err != nil {
			closeAll()
			return nil, err
		}
	} else if last, _, err := idx.LookupLast(); err != nil {
		// Index missing or corrupt on a sealed segment: rebuild by scan; a
		// torn record here is CorruptSegment, not recoverable.
		if err := s.rebuildFromScan(false); err != nil {
			closeAll()
			return nil, err
		}
	} else {
		s.entryCount = last + 1
	}
	// A sealed descriptor's span is authoritative: a fully-swept segment
	// holds no records yet still covers its index interval.
	if d.Sealed && d.EntryCount > s.entryCount {
		s.entryCount = d.EntryCount
	}

	cb, err := newCleanBitset(cleanFile, s.entryCount)
	if err != nil {
		closeAll()
		return nil, err
	}
	s.clean = cb

	present, err := s.computePresent()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.present = present

	if !writable && !s.sealed {
		s.sealed = true
	}
	return s, nil
}

// computePresent counts the relative offsets that still map to a record,
// skipping the holes a compaction rewrite leaves behind. Only the slot for
// relative offset 0 is ambiguous (a zeroed slot and a record at file offset
// 0 look alike); the record's own index settles it.
func (s *Segment) computePresent() (uint32, error) {
	var present uint32
	for rel := uint32(0); rel < s.entryCount; rel++ {
		fo, err := s.idx.Lookup(rel)
		if err != nil {
			continue
		}
		if rel == 0 && fo == 0 {
			e, err := s.store.ReadFrame(0)
			if err != nil {
				return 0, err
			}
			if e.Index != s.firstIndex {
				continue
			}
		}
		present++
	}
	return present, nil
}

// rebuildFromScan reconstructs the OffsetIndex by scanning the store body.
// If a torn record is found and allowTruncate is true (tail segment during
// recovery), the store is truncated there; otherwise a torn record is
// reported as CorruptSegment.
func (s *Segment) rebuildFromScan(allowTruncate bool) error {
	s.idx.Truncate(-1) // discard any stale persisted slots; the scan is authoritative
	var count uint32
	goodBytes, torn, err := s.store.ScanTail(0, func(e Entry, pos uint64) error {
		if e.Index < s.firstIndex {
			return &CorruptSegment{SegmentID: s.id, Path: s.store.Name(), Err: errShortFrame}
		}
		rel := uint32(e.Index - s.firstIndex)
		if err := s.idx.WriteAt(rel, uint32(pos)); err != nil {
			return err
		}
		if rel+1 > count {
			count = rel + 1
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.entryCount = count
	if torn {
		if !allowTruncate {
			return &CorruptSegment{SegmentID: s.id, Path: s.store.Name(), Err: errBadCRC}
		}
		if err := s.store.Truncate(goodBytes); err != nil {
			return err
		}
		s.recoveredTorn = &TornTail{SegmentID: s.id, GoodBytes: int64(goodBytes), GoodOffset: count}
	}
	return nil
}

func (s *Segment) FirstIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstIndex
}

// LastIndex returns the index of the last entry, or firstIndex-1 if empty.
func (s *Segment) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstIndex + uint64(s.entryCount) - 1
}

func (s *Segment) EntryCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryCount
}

// PresentCount returns the number of entries still readable from this
// segment, excluding holes left by compaction.
func (s *Segment) PresentCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.present
}

// LiveCount returns the number of present entries not yet marked clean.
func (s *Segment) LiveCount() uint32 {
	s.mu.RLock()
	present := s.present
	s.mu.RUnlock()
	cleaned := s.clean.CleanedCount()
	if cleaned >= present {
		return 0
	}
	return present - cleaned
}

func (s *Segment) ID() uint64 { return s.id }

func (s *Segment) Version() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Segment) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// Append writes entry at the current tail. The caller (Log) must
// already have assigned entry.Index.
func (s *Segment) Append(e Entry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return 0, ErrSealed
	}
	want := s.firstIndex + uint64(s.entryCount)
	if e.Index != want {
		return 0, ErrNonMonotonicIndex
	}

	frame := encodeEntry(e)
	if s.entryCount >= s.maxEntries || uint64(s.store.size)+uint64(len(frame)) > uint64(s.maxBytes) {
		return 0, ErrSegmentFull
	}

	_, pos, err := s.store.Append(frame)
	if err != nil {
		return 0, err
	}
	if err := s.idx.Append(s.entryCount, uint32(pos)); err != nil {
		return 0, err
	}
	s.clean.Grow(s.entryCount + 1)
	s.entryCount++
	s.present++
	return e.Index, nil
}

// Get returns the entry at index, if present and within range.
func (s *Segment) Get(index uint64) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < s.firstIndex || index >= s.firstIndex+uint64(s.entryCount) {
		return Entry{}, false, nil
	}
	rel := uint32(index - s.firstIndex)
	fileOffset, err := s.idx.Lookup(rel)
	if err != nil {
		// A hole left by compaction: the slot was never written for this
		// relative offset, so the entry has been reclaimed.
		return Entry{}, false, nil
	}
	e, err := s.store.ReadFrame(uint64(fileOffset))
	if err != nil {
		return Entry{}, false, err
	}
	if e.Index != index {
		// A zeroed slot for relative offset 0 is indistinguishable from a
		// real mapping to file offset 0; the record's own index settles it.
		return Entry{}, false, nil
	}
	return e, true, nil
}

// MarkClean sets the cleaner bit for index, delegated from Cleaner.
func (s *Segment) MarkClean(index uint64) error {
	s.mu.RLock()
	first, count := s.firstIndex, s.entryCount
	s.mu.RUnlock()
	if index < first || index >= first+uint64(count) {
		return ErrOutOfRange
	}
	rel := uint32(index - first)
	if _, err := s.idx.Lookup(rel); err != nil {
		return nil // already reclaimed by an earlier compaction
	}
	return s.clean.Mark(rel)
}

func (s *Segment) IsClean(index uint64) bool {
	s.mu.RLock()
	first := s.firstIndex
	s.mu.RUnlock()
	if index < first {
		return false
	}
	return s.clean.IsClean(uint32(index - first))
}

// Seal marks the segment read-only; subsequent appends fail with
// ErrSealed. Sealed segments are fsynced at seal time.
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil
	}
	s.sealed = true
	d := SegmentDescriptor{
		FormatVersion: descriptorFormatVersion,
		Sealed:        true,
		ID:            s.id,
		Version:       s.version,
		FirstIndex:    s.firstIndex,
		MaxEntries:    s.maxEntries,
		MaxBytes:      s.maxBytes,
		UpdatedMillis: uint64(time.Now().UnixMilli()),
		EntryCount:    s.entryCount,
	}
	if err := writeDescriptor(s.descFile, d); err != nil {
		return err
	}
	if err := s.store.Flush(); err != nil {
		return err
	}
	if err := s.idx.Flush(); err != nil {
		return err
	}
	return s.clean.Flush()
}

// Truncate removes all entries with index > keep. Valid only on the
// (still-writable) tail segment; fails with ErrReadOnly on sealed segments.
func (s *Segment) Truncate(keep uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return ErrReadOnly
	}
	if int64(keep) < int64(s.firstIndex)-1 {
		return ErrOutOfRange
	}
	if keep >= s.firstIndex+uint64(s.entryCount)-1 {
		return nil // nothing to do
	}
	keepRel := int64(keep) - int64(s.firstIndex)
	var newSize uint64
	if keepRel >= 0 {
		fo, err := s.idx.Lookup(uint32(keepRel))
		if err != nil {
			return err
		}
		e, err := s.store.ReadFrame(uint64(fo))
		if err != nil {
			return err
		}
		newSize = uint64(fo) + uint64(frameSize(len(e.Payload)))
	}
	if err := s.store.Truncate(newSize); err != nil {
		return err
	}
	s.idx.Truncate(keepRel)
	s.entryCount = uint32(keepRel + 1)
	s.clean.Truncate(s.entryCount)
	s.present = s.entryCount
	return nil
}

// IsFull reports whether the next append would exceed maxEntries/maxBytes.
func (s *Segment) IsFull() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryCount >= s.maxEntries || uint64(s.store.size) >= uint64(s.maxBytes)
}

// Flush fsyncs the store, the offset index, and the cleaner bitset.
func (s *Segment) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.store.Flush(); err != nil {
		return err
	}
	if err := s.idx.Flush(); err != nil {
		return err
	}
	return s.clean.Flush()
}

func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	record(s.store.Close())
	record(s.idx.Close())
	record(s.clean.Close())
	return first
}

// Remove closes and unlinks all three files backing the segment.
func (s *Segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	os.Remove(s.idxPath)
	os.Remove(s.cleanPath)
	return os.Remove(s.logPath)
}

// writeCompacted appends e's frame to the store and records it at its
// ORIGINAL relative offset in the index, leaving holes (zero slots) where
// cleaned entries were skipped. Only used by the Compactor while
// building a rewritten segment; the segment must not yet be sealed.
func (s *Segment) writeCompacted(relOffset uint32, e Entry) error {
	frame := encodeEntry(e)
	_, pos, err := s.store.Append(frame)
	if err != nil {
		return err
	}
	if err := s.idx.WriteAt(relOffset, uint32(pos)); err != nil {
		return err
	}
	if relOffset+1 > s.entryCount {
		s.entryCount = relOffset + 1
	}
	s.clean.Grow(s.entryCount)
	s.present++
	return nil
}

// finalizeCompacted seals the rewritten segment once every live entry has
// been written, fsyncing the store and index before the rename that makes
// it visible.
func (s *Segment) finalizeCompacted() error {
	return s.Seal()
}

// promoteStaged renames a finalized, closed staged segment's files to their
// final names. The .log rename lands last: until it does, recovery sees only
// the old version, and the startup sweep discards the leftover .tmp files.
func promoteStaged(dir, name string, id uint64, version uint32) error {
	logPath, idxPath, cleanPath := segmentPaths(dir, name, id, version)
	if err := os.Rename(idxPath+".tmp", idxPath); err != nil {
		return &IoError{Op: "rename", Path: idxPath, Err: err}
	}
	if err := os.Rename(cleanPath+".tmp", cleanPath); err != nil {
		return &IoError{Op: "rename", Path: cleanPath, Err: err}
	}
	if err := os.Rename(logPath+".tmp", logPath); err != nil {
		return &IoError{Op: "rename", Path: logPath, Err: err}
	}
	return nil
}

// cleanRatio returns 1 - liveCount/presentCount, used by the Compactor.
// Holes left by an earlier rewrite are excluded from both sides so
// an already-compacted segment does not stay eligible forever.
func (s *Segment) cleanRatio() float64 {
	s.mu.RLock()
	present := s.present
	s.mu.RUnlock()
	if present == 0 {
		return 0
	}
	return 1 - float64(s.LiveCount())/float64(present)
}

// hasLiveTombstone reports whether any non-cleaned entry in the segment is
// tombstone-carrying, which blocks minor compaction of this segment.
// kindOf must be supplied by the caller (Compactor), which already holds a
// read path to decode entries; Segment itself does not track kinds
// per-offset to keep the cleaner bitset small.
func (s *Segment) hasLiveTombstone(kindOf func(relOffset uint32) (EntryKind, bool)) bool {
	s.mu.RLock()
	count := s.entryCount
	s.mu.RUnlock()
	for i := uint32(0); i < count; i++ {
		if s.clean.IsClean(i) {
			continue
		}
		kind, ok := kindOf(i)
		if ok && kind.isTombstoneCarrying() {
			return true
		}
	}
	return false
}
