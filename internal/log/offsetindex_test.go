package log

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOffsetIndex(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "offsetindex_test")
	require.NoError(t, err)

	idx, err := newOffsetIndex(f, uint32(3*idxEntWidth))
	require.NoError(t, err)
	require.Equal(t, f.Name(), idx.Name())

	_, err = idx.Lookup(0)
	require.Error(t, err)

	entries := []struct {
		rel uint32
		pos uint32
	}{
		{rel: 0, pos: 0},
		{rel: 1, pos: 64},
	}
	for _, e := range entries {
		require.NoError(t, idx.Append(e.rel, e.pos))
		got, err := idx.Lookup(e.rel)
		require.NoError(t, err)
		require.Equal(t, e.pos, got)
	}

	_, err = idx.Lookup(uint32(len(entries)))
	require.Equal(t, io.EOF, err)
	require.NoError(t, idx.Close())
}

func TestOffsetIndexWriteAtLeavesHoles(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "offsetindex_test")
	require.NoError(t, err)

	idx, err := newOffsetIndex(f, uint32(8*idxEntWidth))
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.WriteAt(3, 300))
	require.NoError(t, idx.WriteAt(5, 500))

	got, err := idx.Lookup(3)
	require.NoError(t, err)
	require.Equal(t, uint32(300), got)

	got, err = idx.Lookup(5)
	require.NoError(t, err)
	require.Equal(t, uint32(500), got)

	// untouched slots (holes) are rejected, not silently returned as zero
	_, err = idx.Lookup(4)
	require.Equal(t, io.EOF, err)
}
