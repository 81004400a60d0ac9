package log

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	atomicfile "github.com/natefinch/atomic"
)

// The persisted MetaStore tuple is fixed-size: currentTerm, votedFor
// (length-prefixed string), lastSnapshotIndex, lastSnapshotTerm. votedFor
// is capped at metaVotedForCap bytes so the record size never varies.
const metaVotedForCap = 256

// MetaStore persists the small Raft metadata that accompanies a log:
// current term, vote, and snapshot markers. The `<name>.meta` file is
// rewritten atomically on every save via write-temp-then-rename.
type MetaStore struct {
	mu   sync.Mutex
	path string

	currentTerm       uint64
	votedFor          string
	lastSnapshotIndex uint64
	lastSnapshotTerm  uint64
}

// OpenMetaStore loads the meta file at path if present, or starts from the
// zero record.
func OpenMetaStore(path string) (*MetaStore, error) {
	m := &MetaStore{path: path}
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, &IoError{Op: "read", Path: path, Err: err}
	}
	if err := m.decode(buf); err != nil {
		return nil, &CorruptSegment{Path: path, Err: err}
	}
	return m, nil
}

func (m *MetaStore) decode(buf []byte) error {
	if len(buf) < 8+4+metaVotedForCap+8+8 {
		return errShortFrame
	}
	m.currentTerm = byteOrder.Uint64(buf[0:8])
	n := byteOrder.Uint32(buf[8:12])
	if int(n) > metaVotedForCap {
		return errBadCRC
	}
	m.votedFor = string(bytes.TrimRight(buf[12:12+n], "\x00"))
	rest := buf[12+metaVotedForCap:]
	m.lastSnapshotIndex = byteOrder.Uint64(rest[0:8])
	m.lastSnapshotTerm = byteOrder.Uint64(rest[8:16])
	return nil
}

func (m *MetaStore) encode() []byte {
	buf := make([]byte, 8+4+metaVotedForCap+8+8)
	byteOrder.PutUint64(buf[0:8], m.currentTerm)
	v := []byte(m.votedFor)
	if len(v) > metaVotedForCap {
		v = v[:metaVotedForCap]
	}
	byteOrder.PutUint32(buf[8:12], uint32(len(v)))
	copy(buf[12:12+len(v)], v)
	rest := buf[12+metaVotedForCap:]
	byteOrder.PutUint64(rest[0:8], m.lastSnapshotIndex)
	byteOrder.PutUint64(rest[8:16], m.lastSnapshotTerm)
	return buf
}

func (m *MetaStore) CurrentTerm() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTerm
}

func (m *MetaStore) VotedFor() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.votedFor
}

func (m *MetaStore) SnapshotMarkers() (index, term uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSnapshotIndex, m.lastSnapshotTerm
}

// SetVote atomically rewrites currentTerm and votedFor.
func (m *MetaStore) SetVote(term uint64, votedFor string) error {
	m.mu.Lock()
	m.currentTerm = term
	m.votedFor = votedFor
	buf := m.encode()
	m.mu.Unlock()
	return m.save(buf)
}

// SetSnapshot atomically rewrites the snapshot markers.
func (m *MetaStore) SetSnapshot(index, term uint64) error {
	m.mu.Lock()
	m.lastSnapshotIndex = index
	m.lastSnapshotTerm = term
	buf := m.encode()
	m.mu.Unlock()
	return m.save(buf)
}

func (m *MetaStore) save(buf []byte) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return &IoError{Op: "mkdir", Path: filepath.Dir(m.path), Err: err}
	}
	if err := atomicfile.WriteFile(m.path, bytes.NewReader(buf)); err != nil {
		return &IoError{Op: "atomic write", Path: m.path, Err: err}
	}
	return nil
}
