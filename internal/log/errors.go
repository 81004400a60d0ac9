package log

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to the Raft layer. Recoverable conditions
// (SegmentFull, Sealed during a roll) are absorbed inside the Log and never
// escape Append/Get/Truncate.
var (
	// ErrSegmentFull is returned by a segment when an append would exceed
	// maxEntries or maxBytes. The Log rolls to a new segment and retries.
	ErrSegmentFull = errors.New("log: segment full")

	// ErrSealed is returned when appending to a sealed segment.
	ErrSealed = errors.New("log: segment sealed")

	// ErrReadOnly is returned by truncate on a sealed segment.
	ErrReadOnly = errors.New("log: segment read-only")

	// ErrNonMonotonicIndex indicates a programmer error: the caller tried to
	// append an index other than firstIndex+entryCount.
	ErrNonMonotonicIndex = errors.New("log: non-monotonic index")

	// ErrOutOfRange is returned by Clean and MakeCommit when the index falls
	// outside the segment's or log's current window. Get reports such an
	// index with ok=false and a nil error instead.
	ErrOutOfRange = errors.New("log: index out of range")

	// ErrInvalidState is returned when a terminated Commit handle is reused.
	ErrInvalidState = errors.New("log: commit handle already terminated")

	// ErrNonPersistable is returned when Append is called with a Query entry.
	ErrNonPersistable = errors.New("log: entry kind is not persisted")

	// ErrConfigInvalid wraps builder validation failures.
	ErrConfigInvalid = errors.New("log: invalid configuration")
)

// CorruptSegment means a sealed segment's descriptor or a record's CRC did
// not verify. It is fatal for the log that reports it.
type CorruptSegment struct {
	SegmentID uint64
	Path      string
	Err       error
}

func (e *CorruptSegment) Error() string {
	return fmt.Sprintf("log: segment %d (%s) corrupt: %v", e.SegmentID, e.Path, e.Err)
}

func (e *CorruptSegment) Unwrap() error { return e.Err }

// TornTail means the active segment's last record failed CRC verification
// during recovery; the log recovers by truncating at the first bad record.
type TornTail struct {
	SegmentID  uint64
	GoodBytes  int64
	GoodOffset uint32
}

func (e *TornTail) Error() string {
	return fmt.Sprintf("log: torn tail in segment %d, truncated to %d bytes (offset %d)", e.SegmentID, e.GoodBytes, e.GoodOffset)
}

// IoError wraps an underlying I/O failure so callers can distinguish it from
// logical errors while still seeing the original cause via errors.Unwrap.
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("log: io error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }
