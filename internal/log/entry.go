package log

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// EntryKind tags the variant of a Raft log entry. It is the on-disk typeId
// of the entry frame.
type EntryKind uint16

const (
	EntryCommand EntryKind = iota + 1
	EntryQuery             // never persisted; refused by Log.Append
	EntryNoOp
	EntryConfiguration
	EntryKeepAlive
	EntryRegister
	EntryUnregister
)

func (k EntryKind) String() string {
	switch k {
	case EntryCommand:
		return "Command"
	case EntryQuery:
		return "Query"
	case EntryNoOp:
		return "NoOp"
	case EntryConfiguration:
		return "Configuration"
	case EntryKeepAlive:
		return "KeepAlive"
	case EntryRegister:
		return "Register"
	case EntryUnregister:
		return "Unregister"
	default:
		return fmt.Sprintf("EntryKind(%d)", uint16(k))
	}
}

// isTombstoneCarrying reports whether entries of this kind require a major
// compaction (rather than a minor one) to be reclaimed: the tombstone and
// whatever it invalidates must be swept together.
func (k EntryKind) isTombstoneCarrying() bool {
	switch k {
	case EntryUnregister, EntryConfiguration:
		return true
	default:
		return false
	}
}

// Entry is a single tagged record produced by Raft. AppendedAt is the
// leader's wall-clock instant assigned at append time; replicas read it
// back from the entry rather than consulting their own clocks.
type Entry struct {
	Index      uint64
	Term       uint64
	Kind       EntryKind
	AppendedAt time.Time
	Payload    []byte
}

const (
	lenFieldWidth      = 4 // u32 length
	typeFieldWidth     = 2 // u16 typeId
	reservedFieldWidth = 2 // u16 reserved
	crcFieldWidth      = 4 // u32 crc32c
	// frameHeaderWidth is everything before the record body: length|typeId|reserved.
	frameHeaderWidth = lenFieldWidth + typeFieldWidth + reservedFieldWidth
	// recordHeaderWidth is the fixed prefix of the record body carrying the
	// entry's index, term, and append timestamp. Rebuilding an offset index
	// by scan depends on the index being self-describing: a compacted
	// segment's body is not dense, so a scanner cannot infer relative
	// offsets from record order alone.
	recordHeaderWidth = 8 + 8 + 8
)

var byteOrder = binary.LittleEndian

// frameSize returns the total on-disk size of an entry with the given
// user payload length, including the record header and the CRC trailer.
func frameSize(payloadLen int) int {
	return frameHeaderWidth + recordHeaderWidth + payloadLen + crcFieldWidth
}

// encodeEntry serializes an entry as
// u32 length | u16 typeId | u16 reserved | body | u32 crc32c(length..body).
// length is the length of the body: index|term|appendedMillis|payload.
func encodeEntry(e Entry) []byte {
	bodyLen := recordHeaderWidth + len(e.Payload)
	buf := make([]byte, frameSize(len(e.Payload)))
	byteOrder.PutUint32(buf[0:4], uint32(bodyLen))
	byteOrder.PutUint16(buf[4:6], uint16(e.Kind))
	byteOrder.PutUint16(buf[6:8], 0) // reserved
	byteOrder.PutUint64(buf[8:16], e.Index)
	byteOrder.PutUint64(buf[16:24], e.Term)
	byteOrder.PutUint64(buf[24:32], uint64(e.AppendedAt.UnixMilli()))
	copy(buf[frameHeaderWidth+recordHeaderWidth:], e.Payload)
	sum := crc32.Checksum(buf[:frameHeaderWidth+bodyLen], crcTable)
	byteOrder.PutUint32(buf[frameHeaderWidth+bodyLen:], sum)
	return buf
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// decodeFrame parses a frame at the start of b, returning the decoded entry
// and the total number of bytes consumed. It returns ok=false if b does not
// contain a full, checksum-valid frame (torn write).
func decodeFrame(b []byte) (e Entry, n int, ok bool) {
	if len(b) < frameHeaderWidth+recordHeaderWidth+crcFieldWidth {
		return Entry{}, 0, false
	}
	bodyLen := int(byteOrder.Uint32(b[0:4]))
	if bodyLen < recordHeaderWidth {
		return Entry{}, 0, false
	}
	total := frameHeaderWidth + bodyLen + crcFieldWidth
	if total < 0 || len(b) < total {
		return Entry{}, 0, false
	}
	body := b[:frameHeaderWidth+bodyLen]
	wantSum := byteOrder.Uint32(b[frameHeaderWidth+bodyLen : total])
	if wantSum != crc32.Checksum(body, crcTable) {
		return Entry{}, 0, false
	}
	p := make([]byte, bodyLen-recordHeaderWidth)
	copy(p, b[frameHeaderWidth+recordHeaderWidth:frameHeaderWidth+bodyLen])
	return Entry{
		Index:      byteOrder.Uint64(b[8:16]),
		Term:       byteOrder.Uint64(b[16:24]),
		Kind:       EntryKind(byteOrder.Uint16(b[4:6])),
		AppendedAt: time.UnixMilli(int64(byteOrder.Uint64(b[24:32]))).UTC(),
		Payload:    p,
	}, total, true
}
