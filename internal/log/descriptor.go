package log

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
)

// segmentMagic is the fixed magic stamped at segment file offset 0.
const segmentMagic uint64 = 0x434F505943415420

const descriptorFormatVersion uint16 = 1

const flagSealed uint16 = 1 << 0

// descriptorSize is the fixed 64-byte on-disk header size.
const descriptorSize = 64

// SegmentDescriptor is the fixed-size header stored at offset 0 of every
// segment file, allowing on-disk discovery without scanning the body.
type SegmentDescriptor struct {
	FormatVersion uint16
	Sealed        bool
	ID            uint64
	Version       uint32
	FirstIndex    uint64
	MaxEntries    uint32
	MaxBytes      uint32
	UpdatedMillis uint64
	// EntryCount is the segment's relative-offset span, recorded at seal
	// time. A compacted segment may hold fewer records than its span (or
	// none at all) yet still cover the same index interval; without the
	// persisted span, recovery could not verify contiguity.
	EntryCount uint32
}

func (d SegmentDescriptor) encode() [descriptorSize]byte {
	var buf [descriptorSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], segmentMagic)
	binary.LittleEndian.PutUint16(buf[8:10], d.FormatVersion)
	var flags uint16
	if d.Sealed {
		flags |= flagSealed
	}
	binary.LittleEndian.PutUint16(buf[10:12], flags)
	binary.LittleEndian.PutUint64(buf[12:20], d.ID)
	binary.LittleEndian.PutUint32(buf[20:24], d.Version)
	binary.LittleEndian.PutUint64(buf[24:32], d.FirstIndex)
	binary.LittleEndian.PutUint32(buf[32:36], d.MaxEntries)
	binary.LittleEndian.PutUint32(buf[36:40], d.MaxBytes)
	binary.LittleEndian.PutUint64(buf[40:48], d.UpdatedMillis)
	binary.LittleEndian.PutUint32(buf[48:52], d.EntryCount)
	// bytes 52:60 reserved for future use, left zero.
	crc := crc32.ChecksumIEEE(buf[:60])
	binary.LittleEndian.PutUint32(buf[60:64], crc)
	return buf
}

func decodeDescriptor(buf []byte) (SegmentDescriptor, error) {
	if len(buf) < descriptorSize {
		return SegmentDescriptor{}, fmt.Errorf("descriptor: short read (%d bytes)", len(buf))
	}
	magic := binary.LittleEndian.Uint64(buf[0:8])
	if magic != segmentMagic {
		return SegmentDescriptor{}, fmt.Errorf("descriptor: bad magic %x", magic)
	}
	crc := binary.LittleEndian.Uint32(buf[60:64])
	if got := crc32.ChecksumIEEE(buf[:60]); got != crc {
		return SegmentDescriptor{}, fmt.Errorf("descriptor: crc mismatch (want %x got %x)", crc, got)
	}
	flags := binary.LittleEndian.Uint16(buf[10:12])
	d := SegmentDescriptor{
		FormatVersion: binary.LittleEndian.Uint16(buf[8:10]),
		Sealed:        flags&flagSealed != 0,
		ID:            binary.LittleEndian.Uint64(buf[12:20]),
		Version:       binary.LittleEndian.Uint32(buf[20:24]),
		FirstIndex:    binary.LittleEndian.Uint64(buf[24:32]),
		MaxEntries:    binary.LittleEndian.Uint32(buf[32:36]),
		MaxBytes:      binary.LittleEndian.Uint32(buf[36:40]),
		UpdatedMillis: binary.LittleEndian.Uint64(buf[40:48]),
		EntryCount:    binary.LittleEndian.Uint32(buf[48:52]),
	}
	return d, nil
}

func writeDescriptor(f *os.File, d SegmentDescriptor) error {
	buf := d.encode()
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		return &IoError{Op: "write descriptor", Path: f.Name(), Err: err}
	}
	return nil
}

func readDescriptor(f *os.File) (SegmentDescriptor, error) {
	buf := make([]byte, descriptorSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return SegmentDescriptor{}, &IoError{Op: "read descriptor", Path: f.Name(), Err: err}
	}
	d, err := decodeDescriptor(buf)
	if err != nil {
		return SegmentDescriptor{}, &CorruptSegment{Path: f.Name(), Err: err}
	}
	return d, nil
}
