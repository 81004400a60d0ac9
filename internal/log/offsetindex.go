package log

import (
	"io"
	"os"

	"github.com/tysonmote/gommap"
)

// OffsetIndex is the in-memory (and mmap-persisted) mapping
// relativeOffset(u32) -> fileOffset(u32) for every entry in a segment.
// Both halves of the mapping are 32-bit; MaxEntriesPerSegmentCap keeps
// relative offsets from ever wrapping.
type OffsetIndex struct {
	file *os.File
	mmap gommap.MMap
	size uint64 // bytes currently in use
	cap  uint64 // bytes reserved (file/mmap size)
}

const (
	idxRelWidth  uint64 = 4
	idxFileWidth uint64 = 4
	idxEntWidth         = idxRelWidth + idxFileWidth
)

// newOffsetIndex opens or creates the index file, growing it to maxBytes
// before mapping (mmap'd regions can't be resized in place).
func newOffsetIndex(f *os.File, maxBytes uint32) (*OffsetIndex, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, &IoError{Op: "stat", Path: f.Name(), Err: err}
	}
	size := uint64(fi.Size())

	if err := f.Truncate(int64(maxBytes)); err != nil {
		return nil, &IoError{Op: "truncate", Path: f.Name(), Err: err}
	}

	m, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return nil, &IoError{Op: "mmap", Path: f.Name(), Err: err}
	}

	return &OffsetIndex{file: f, mmap: m, size: size, cap: uint64(maxBytes)}, nil
}

// Lookup returns the file offset for the given relative offset, or io.EOF
// if its slot lies past the indexed region or holds a different offset.
func (x *OffsetIndex) Lookup(relOffset uint32) (fileOffset uint32, err error) {
	pos := uint64(relOffset) * idxEntWidth
	if x.size < pos+idxEntWidth {
		return 0, io.EOF
	}
	got := byteOrder.Uint32(x.mmap[pos : pos+idxRelWidth])
	if got != relOffset {
		return 0, io.EOF
	}
	return byteOrder.Uint32(x.mmap[pos+idxRelWidth : pos+idxEntWidth]), nil
}

// LookupLast returns the relative offset and file offset of the last
// appended entry.
func (x *OffsetIndex) LookupLast() (relOffset uint32, fileOffset uint32, err error) {
	if x.size == 0 {
		return 0, 0, io.EOF
	}
	last := uint32(x.size/idxEntWidth) - 1
	fo, err := x.Lookup(last)
	if err != nil {
		return 0, 0, err
	}
	return last, fo, nil
}

// Append records a new (relativeOffset, fileOffset) pair.
func (x *OffsetIndex) Append(relOffset uint32, fileOffset uint32) error {
	if x.cap < x.size+idxEntWidth {
		return io.EOF
	}
	byteOrder.PutUint32(x.mmap[x.size:x.size+idxRelWidth], relOffset)
	byteOrder.PutUint32(x.mmap[x.size+idxRelWidth:x.size+idxEntWidth], fileOffset)
	x.size += idxEntWidth
	return nil
}

// WriteAt writes a (relativeOffset, fileOffset) pair into the slot for
// relOffset directly, without requiring dense sequential appends. Used by
// the Compactor when rewriting a segment with holes where cleaned entries
// used to be: untouched slots stay zero-filled and Lookup reports them as
// absent because their stored relOffset (0) won't match the queried one.
// The exception is a hole at relative offset 0: its zeroed slot matches and
// Lookup returns file offset 0, so callers check the record's own index.
func (x *OffsetIndex) WriteAt(relOffset uint32, fileOffset uint32) error {
	pos := uint64(relOffset) * idxEntWidth
	if x.cap < pos+idxEntWidth {
		return io.EOF
	}
	byteOrder.PutUint32(x.mmap[pos:pos+idxRelWidth], relOffset)
	byteOrder.PutUint32(x.mmap[pos+idxRelWidth:pos+idxEntWidth], fileOffset)
	if pos+idxEntWidth > x.size {
		x.size = pos + idxEntWidth
	}
	return nil
}

// Count returns the number of entries currently indexed.
func (x *OffsetIndex) Count() uint32 {
	return uint32(x.size / idxEntWidth)
}

// Truncate drops all entries with relative offset > keepRelOffset, used by
// Segment.truncate on the active tail segment.
func (x *OffsetIndex) Truncate(keepRelOffset int64) {
	if keepRelOffset < 0 {
		x.size = 0
		return
	}
	newSize := (uint64(keepRelOffset) + 1) * idxEntWidth
	if newSize < x.size {
		x.size = newSize
	}
}

// Flush syncs the mmap and the underlying file.
func (x *OffsetIndex) Flush() error {
	if err := x.mmap.Sync(gommap.MS_SYNC); err != nil {
		return &IoError{Op: "msync", Path: x.file.Name(), Err: err}
	}
	return x.file.Sync()
}

// Close syncs and truncates the index file to its logical size, undoing the
// padding newOffsetIndex applied so a later reopen sees an exact size.
func (x *OffsetIndex) Close() error {
	if err := x.Flush(); err != nil {
		return err
	}
	if err := x.file.Truncate(int64(x.size)); err != nil {
		return &IoError{Op: "truncate", Path: x.file.Name(), Err: err}
	}
	return x.file.Close()
}

func (x *OffsetIndex) Name() string { return x.file.Name() }
