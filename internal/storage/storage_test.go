package storage_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ttaaoo/raftlogd/internal/log"
	"github.com/ttaaoo/raftlogd/internal/storage"
)

func TestNewOptionsValidation(t *testing.T) {
	_, err := storage.NewOptions("")
	require.Error(t, err)

	_, err = storage.NewOptions(t.TempDir(), storage.WithMaxSegmentBytes(16))
	require.Error(t, err, "segment byte ceiling must exceed the descriptor header")

	_, err = storage.NewOptions(t.TempDir(), storage.WithMaxEntriesPerSegment(0))
	require.Error(t, err)

	_, err = storage.NewOptions(t.TempDir(), storage.WithMaxEntriesPerSegment(log.MaxEntriesPerSegmentCap+1))
	require.ErrorIs(t, err, log.ErrConfigInvalid)

	_, err = storage.NewOptions(t.TempDir(), storage.WithCompactionThreshold(0))
	require.Error(t, err)
	_, err = storage.NewOptions(t.TempDir(), storage.WithCompactionThreshold(1.5))
	require.Error(t, err)

	_, err = storage.NewOptions(t.TempDir(), storage.WithCompactionThreads(0))
	require.Error(t, err)

	_, err = storage.NewOptions(t.TempDir(), storage.WithMinorCompactionInterval(-time.Second))
	require.Error(t, err)

	_, err = storage.NewOptions(t.TempDir(),
		storage.WithMaxSegmentBytes(1<<20),
		storage.WithMaxEntriesPerSegment(128),
		storage.WithCompactionThreads(4),
		storage.WithCompactionThreshold(0.75),
		storage.WithMinorCompactionInterval(time.Second),
		storage.WithMajorCompactionInterval(time.Minute),
	)
	require.NoError(t, err)
}

func TestStorageOpensLogAndMetaStore(t *testing.T) {
	opts, err := storage.NewOptions(t.TempDir(), storage.WithMaxEntriesPerSegment(16))
	require.NoError(t, err)

	s := storage.New(opts, prometheus.NewRegistry())

	l, err := s.Log("shard-a")
	require.NoError(t, err)
	defer l.Close()

	idx, err := l.Append(log.Entry{Kind: log.EntryCommand, Payload: []byte("first")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)

	meta, err := s.MetaStore("shard-a")
	require.NoError(t, err)
	require.NoError(t, meta.SetVote(1, "node-a"))
	require.Equal(t, uint64(1), meta.CurrentTerm())
}

func TestMemoryLevelUsesPrivateDirectory(t *testing.T) {
	dir := t.TempDir()
	opts, err := storage.NewOptions(dir, storage.WithStorageLevel(storage.Memory))
	require.NoError(t, err)

	s := storage.New(opts, prometheus.NewRegistry())
	require.NotEqual(t, dir, s.Directory())

	l, err := s.Log("ephemeral")
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(log.Entry{Kind: log.EntryCommand, Payload: []byte("x")})
	require.NoError(t, err)
}
