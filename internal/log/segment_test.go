package log

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{MaxEntries: 3, MaxBytes: 1024}.withDefaults()
}

func TestSegmentAppendGet(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	seg, err := createSegment(dir, "test", 0, 1, 1, cfg)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seg.FirstIndex())
	require.False(t, seg.IsFull())

	for i := uint64(0); i < 3; i++ {
		idx, err := seg.Append(Entry{Index: 1 + i, Kind: EntryCommand, Payload: []byte("hello")})
		require.NoError(t, err)
		require.Equal(t, 1+i, idx)

		e, ok, err := seg.Get(idx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("hello"), e.Payload)
	}

	require.True(t, seg.IsFull())
	_, err = seg.Append(Entry{Index: 4, Kind: EntryCommand, Payload: []byte("x")})
	require.Equal(t, ErrSegmentFull, err)

	require.NoError(t, seg.Seal())
	_, err = seg.Append(Entry{Index: 4, Kind: EntryCommand, Payload: []byte("x")})
	require.Equal(t, ErrSealed, err)
}

func TestSegmentReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	seg, err := createSegment(dir, "test", 0, 1, 1, cfg)
	require.NoError(t, err)
	_, err = seg.Append(Entry{Index: 1, Kind: EntryCommand, Payload: []byte("a")})
	require.NoError(t, err)
	_, err = seg.Append(Entry{Index: 2, Kind: EntryCommand, Payload: []byte("bb")})
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	reopened, err := openSegment(dir, "test", 0, 1, true)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint32(2), reopened.EntryCount())
	e, ok, err := reopened.Get(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("bb"), e.Payload)
}

func TestSegmentMarkCleanAndRatio(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	seg, err := createSegment(dir, "test", 0, 1, 1, cfg)
	require.NoError(t, err)
	for i := uint64(0); i < 3; i++ {
		_, err := seg.Append(Entry{Index: 1 + i, Kind: EntryCommand, Payload: []byte("v")})
		require.NoError(t, err)
	}

	require.Equal(t, float64(0), seg.cleanRatio())
	require.NoError(t, seg.MarkClean(1))
	require.NoError(t, seg.MarkClean(2))
	require.InDelta(t, 2.0/3.0, seg.cleanRatio(), 1e-9)
	require.True(t, seg.IsClean(1))
	require.False(t, seg.IsClean(3))
}

func TestSegmentTruncate(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{MaxEntries: 10, MaxBytes: 4096}.withDefaults()

	seg, err := createSegment(dir, "test", 0, 1, 1, cfg)
	require.NoError(t, err)
	for i := uint64(0); i < 5; i++ {
		_, err := seg.Append(Entry{Index: 1 + i, Kind: EntryCommand, Payload: []byte("v")})
		require.NoError(t, err)
	}

	require.NoError(t, seg.Truncate(2))
	require.Equal(t, uint64(2), seg.LastIndex())
	_, ok, err := seg.Get(3)
	require.NoError(t, err)
	require.False(t, ok)

	idx, err := seg.Append(Entry{Index: 3, Kind: EntryCommand, Payload: []byte("replayed")})
	require.NoError(t, err)
	require.Equal(t, uint64(3), idx)
}
