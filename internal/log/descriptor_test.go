package log

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorRoundTrip(t *testing.T) {
	in := SegmentDescriptor{
		FormatVersion: descriptorFormatVersion,
		Sealed:        true,
		ID:            17,
		Version:       3,
		FirstIndex:    4097,
		MaxEntries:    1024,
		MaxBytes:      1 << 22,
		UpdatedMillis: 1735689600000,
		EntryCount:    512,
	}

	buf := in.encode()
	require.Len(t, buf[:], descriptorSize)

	out, err := decodeDescriptor(buf[:])
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDescriptorRejectsBadMagic(t *testing.T) {
	buf := SegmentDescriptor{FormatVersion: 1, ID: 1, FirstIndex: 1}.encode()
	buf[0] ^= 0xff
	_, err := decodeDescriptor(buf[:])
	require.Error(t, err)
}

func TestDescriptorRejectsBadCRC(t *testing.T) {
	buf := SegmentDescriptor{FormatVersion: 1, ID: 1, FirstIndex: 1}.encode()
	buf[20] ^= 0xff // flip a bit inside the covered region
	_, err := decodeDescriptor(buf[:])
	require.Error(t, err)
}

func TestDescriptorRejectsShortBuffer(t *testing.T) {
	buf := SegmentDescriptor{FormatVersion: 1}.encode()
	_, err := decodeDescriptor(buf[:32])
	require.Error(t, err)
}
