package log

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEntryCodecRoundTrip(t *testing.T) {
	at := time.Now().Truncate(time.Millisecond).UTC()
	in := Entry{
		Index:      42,
		Term:       7,
		Kind:       EntryConfiguration,
		AppendedAt: at,
		Payload:    []byte("membership-change"),
	}

	frame := encodeEntry(in)
	require.Equal(t, frameSize(len(in.Payload)), len(frame))

	out, n, ok := decodeFrame(frame)
	require.True(t, ok)
	require.Equal(t, len(frame), n)
	require.Equal(t, in.Index, out.Index)
	require.Equal(t, in.Term, out.Term)
	require.Equal(t, in.Kind, out.Kind)
	require.Equal(t, at.UnixMilli(), out.AppendedAt.UnixMilli())
	require.Equal(t, in.Payload, out.Payload)
}

func TestEntryCodecEmptyPayload(t *testing.T) {
	frame := encodeEntry(Entry{Index: 1, Kind: EntryNoOp})
	out, _, ok := decodeFrame(frame)
	require.True(t, ok)
	require.Equal(t, EntryNoOp, out.Kind)
	require.Empty(t, out.Payload)
}

func TestEntryCodecRejectsTornFrames(t *testing.T) {
	frame := encodeEntry(Entry{Index: 9, Kind: EntryCommand, Payload: []byte("hello world")})

	// Short buffer: not even a header.
	_, _, ok := decodeFrame(frame[:4])
	require.False(t, ok)

	// Truncated mid-payload.
	_, _, ok = decodeFrame(frame[:len(frame)-6])
	require.False(t, ok)

	// Bit flip in the payload breaks the checksum.
	flipped := append([]byte(nil), frame...)
	flipped[frameHeaderWidth+recordHeaderWidth] ^= 0x01
	_, _, ok = decodeFrame(flipped)
	require.False(t, ok)
}

func TestEntryCodecDecodesFirstOfConcatenatedFrames(t *testing.T) {
	a := encodeEntry(Entry{Index: 1, Kind: EntryCommand, Payload: []byte("a")})
	b := encodeEntry(Entry{Index: 2, Kind: EntryCommand, Payload: []byte("bb")})
	buf := append(append([]byte(nil), a...), b...)

	first, n, ok := decodeFrame(buf)
	require.True(t, ok)
	require.Equal(t, len(a), n)
	require.Equal(t, uint64(1), first.Index)

	second, _, ok := decodeFrame(buf[n:])
	require.True(t, ok)
	require.Equal(t, uint64(2), second.Index)
}

func TestEntryKindTombstones(t *testing.T) {
	require.True(t, EntryUnregister.isTombstoneCarrying())
	require.True(t, EntryConfiguration.isTombstoneCarrying())
	require.False(t, EntryCommand.isTombstoneCarrying())
	require.False(t, EntryNoOp.isTombstoneCarrying())
	require.False(t, EntryKeepAlive.isTombstoneCarrying())
	require.False(t, EntryRegister.isTombstoneCarrying())
}

func TestEntryKindString(t *testing.T) {
	require.Equal(t, "Unregister", EntryUnregister.String())
	require.Equal(t, "Command", EntryCommand.String())
	require.Equal(t, "EntryKind(99)", EntryKind(99).String())
}
