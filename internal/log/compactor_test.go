package log

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// fillSealedSegment appends enough entries to roll the first segment, so
// segment id 0 is sealed and compactible.
func fillSealedSegment(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Append(Entry{Kind: EntryCommand, Payload: []byte(fmt.Sprintf("v-%d", i))})
		require.NoError(t, err)
	}
}

func TestMinorCompactionDropsCleanedEntries(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{MaxEntries: 10, MaxBytes: 1 << 20, CompactionThreshold: 0.5}

	l := openTestLog(t, dir, cfg)
	defer l.Close()

	// Entries 1..10 land in segment 0; 11..15 roll into the tail.
	fillSealedSegment(t, l, 15)

	original := make(map[uint64][]byte)
	for i := uint64(1); i <= 10; i++ {
		e, ok, err := l.Get(i)
		require.NoError(t, err)
		require.True(t, ok)
		original[i] = e.Payload
	}

	// Clean every even index: ratio 0.5 meets the threshold exactly.
	for i := uint64(2); i <= 10; i += 2 {
		require.NoError(t, l.Cleaner().Clean(i))
	}

	require.NoError(t, l.TriggerMinorCompaction())

	seg := l.mgr.Segment(1)
	require.NotNil(t, seg)
	require.Equal(t, uint32(2), seg.Version())

	for i := uint64(2); i <= 10; i += 2 {
		_, ok, err := l.Get(i)
		require.NoError(t, err)
		require.False(t, ok, "cleaned index %d should be gone", i)
	}
	for i := uint64(1); i <= 9; i += 2 {
		e, ok, err := l.Get(i)
		require.NoError(t, err)
		require.True(t, ok, "live index %d must survive", i)
		require.Equal(t, original[i], e.Payload)
	}

	// The superseded version-1 files are unlinked.
	_, err := os.Stat(filepath.Join(dir, "raft-0-1.log"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "raft-0-2.log"))
	require.NoError(t, err)
}

func TestMinorCompactionSkipsBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{MaxEntries: 10, MaxBytes: 1 << 20, CompactionThreshold: 0.5}

	l := openTestLog(t, dir, cfg)
	defer l.Close()

	fillSealedSegment(t, l, 15)
	require.NoError(t, l.Cleaner().Clean(2)) // ratio 0.1, below threshold

	require.NoError(t, l.TriggerMinorCompaction())

	seg := l.mgr.Segment(1)
	require.Equal(t, uint32(1), seg.Version())
	_, ok, err := l.Get(2)
	require.NoError(t, err)
	require.True(t, ok, "below-threshold segments are left alone")
}

func TestMinorCompactionPreservesTombstones(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{MaxEntries: 4, MaxBytes: 1 << 20, CompactionThreshold: 0.5}

	l := openTestLog(t, dir, cfg)
	defer l.Close()

	_, err := l.Append(Entry{Kind: EntryCommand, Payload: []byte("a")})
	require.NoError(t, err)
	_, err = l.Append(Entry{Kind: EntryCommand, Payload: []byte("b")})
	require.NoError(t, err)
	_, err = l.Append(Entry{Kind: EntryUnregister, Payload: []byte("session-1")})
	require.NoError(t, err)
	_, err = l.Append(Entry{Kind: EntryCommand, Payload: []byte("c")})
	require.NoError(t, err)
	// Roll segment 0.
	_, err = l.Append(Entry{Kind: EntryCommand, Payload: []byte("tail")})
	require.NoError(t, err)

	// Clean everything in segment 0, tombstone included.
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, l.Cleaner().Clean(i))
	}

	require.NoError(t, l.TriggerMinorCompaction())

	// Minor drops the cleaned commands but must carry the tombstone.
	_, ok, err := l.Get(1)
	require.NoError(t, err)
	require.False(t, ok)
	e, ok, err := l.Get(3)
	require.NoError(t, err)
	require.True(t, ok, "minor compaction never removes tombstones")
	require.Equal(t, EntryUnregister, e.Kind)

	// Major reclaims it.
	require.NoError(t, l.TriggerMajorCompaction())
	_, ok, err = l.Get(3)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMinorCompactionBlockedByLiveTombstone(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{MaxEntries: 4, MaxBytes: 1 << 20, CompactionThreshold: 0.5}

	l := openTestLog(t, dir, cfg)
	defer l.Close()

	_, err := l.Append(Entry{Kind: EntryCommand, Payload: []byte("a")})
	require.NoError(t, err)
	_, err = l.Append(Entry{Kind: EntryCommand, Payload: []byte("b")})
	require.NoError(t, err)
	_, err = l.Append(Entry{Kind: EntryUnregister, Payload: []byte("session-1")})
	require.NoError(t, err)
	_, err = l.Append(Entry{Kind: EntryCommand, Payload: []byte("c")})
	require.NoError(t, err)
	_, err = l.Append(Entry{Kind: EntryCommand, Payload: []byte("tail")})
	require.NoError(t, err)

	// High clean ratio, but the tombstone at 3 is still live.
	require.NoError(t, l.Cleaner().Clean(1))
	require.NoError(t, l.Cleaner().Clean(2))
	require.NoError(t, l.Cleaner().Clean(4))

	require.NoError(t, l.TriggerMinorCompaction())
	require.Equal(t, uint32(1), l.mgr.Segment(1).Version())

	// Major compaction is not blocked.
	require.NoError(t, l.TriggerMajorCompaction())
	require.Equal(t, uint32(2), l.mgr.Segment(1).Version())
	_, ok, err := l.Get(1)
	require.NoError(t, err)
	require.False(t, ok)
	e, ok, err := l.Get(3)
	require.NoError(t, err)
	require.True(t, ok, "a live tombstone survives major compaction too")
	require.Equal(t, EntryUnregister, e.Kind)
}

func TestCompactedSegmentSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{MaxEntries: 10, MaxBytes: 1 << 20, CompactionThreshold: 0.5}

	l := openTestLog(t, dir, cfg)
	fillSealedSegment(t, l, 15)
	for i := uint64(2); i <= 10; i += 2 {
		require.NoError(t, l.Cleaner().Clean(i))
	}
	require.NoError(t, l.TriggerMinorCompaction())
	require.NoError(t, l.Close())

	l = openTestLog(t, dir, cfg)
	defer l.Close()

	require.Equal(t, uint64(15), l.LastIndex())
	for i := uint64(1); i <= 9; i += 2 {
		e, ok, err := l.Get(i)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte(fmt.Sprintf("v-%d", i-1)), e.Payload)
	}
	for i := uint64(2); i <= 10; i += 2 {
		_, ok, err := l.Get(i)
		require.NoError(t, err)
		require.False(t, ok, "holes stay holes across reopen")
	}
}

func TestStartupSweepsAbandonedCompactionOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{MaxEntries: 10, MaxBytes: 1 << 20}

	l := openTestLog(t, dir, cfg)
	fillSealedSegment(t, l, 15)
	require.NoError(t, l.Flush())
	require.NoError(t, l.Close())

	// Simulate a crash after the staged rewrite was fsynced but before its
	// rename landed: the .tmp files exist alongside the old version.
	for _, name := range []string{"raft-0-2.log.tmp", "raft-0-2.index.tmp", "raft-0-2.clean.tmp"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("partial"), 0o644))
	}

	l = openTestLog(t, dir, cfg)
	defer l.Close()

	for _, name := range []string{"raft-0-2.log.tmp", "raft-0-2.index.tmp", "raft-0-2.clean.tmp"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.True(t, os.IsNotExist(err), "%s must be swept on startup", name)
	}

	// The old segment is still authoritative.
	require.Equal(t, uint64(15), l.LastIndex())
	e, ok, err := l.Get(5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v-4"), e.Payload)
	require.Equal(t, uint32(1), l.mgr.Segment(1).Version())
}
