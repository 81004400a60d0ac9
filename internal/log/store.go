package log

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync"
)

var (
	errShortFrame = errors.New("log: short frame")
	errBadCRC     = errors.New("log: crc mismatch")
)

// store is the append-only body of a segment file, following the
// descriptor header at offset 0. It holds whole framed records; all byte
// positions it reports are relative to the end of the descriptor.
type store struct {
	*os.File
	mu   sync.RWMutex
	buf  *bufio.Writer
	size uint64 // bytes written after the descriptor
}

func newStore(f *os.File) (*store, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, &IoError{Op: "stat", Path: f.Name(), Err: err}
	}
	size := uint64(fi.Size())
	if size < descriptorSize {
		size = 0
	} else {
		size -= descriptorSize
	}
	// Buffered writes go through the file offset, so start it at the tail
	// of the body rather than on top of the descriptor.
	if _, err := f.Seek(int64(descriptorSize+size), io.SeekStart); err != nil {
		return nil, &IoError{Op: "seek", Path: f.Name(), Err: err}
	}
	return &store{
		File: f,
		size: size,
		buf:  bufio.NewWriter(f),
	}, nil
}

// Append writes the given pre-framed record bytes immediately after the
// current tail and returns the number of bytes written and the record's
// position relative to the end of the descriptor.
func (s *store) Append(p []byte) (n int, pos uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos = s.size
	w, err := s.buf.Write(p)
	if err != nil {
		return 0, 0, &IoError{Op: "append", Path: s.Name(), Err: err}
	}
	s.size += uint64(w)
	return w, pos, nil
}

// ReadFrame flushes pending writes and returns the decoded frame at the
// given relative position.
func (s *store) ReadFrame(pos uint64) (Entry, error) {
	s.mu.Lock()
	if err := s.buf.Flush(); err != nil {
		s.mu.Unlock()
		return Entry{}, &IoError{Op: "flush", Path: s.Name(), Err: err}
	}
	s.mu.Unlock()

	probe := make([]byte, 4096)
	n, err := s.File.ReadAt(probe, int64(descriptorSize+pos))
	if err != nil && n == 0 {
		return Entry{}, &IoError{Op: "read", Path: s.Name(), Err: err}
	}
	probe = probe[:n]
	if e, _, ok := decodeFrame(probe); ok {
		return e, nil
	}
	if n < frameHeaderWidth {
		return Entry{}, &CorruptSegment{Err: errShortFrame}
	}
	bodyLen := int(byteOrder.Uint32(probe[0:4]))
	full := make([]byte, frameHeaderWidth+bodyLen+crcFieldWidth)
	if _, err := s.File.ReadAt(full, int64(descriptorSize+pos)); err != nil {
		return Entry{}, &IoError{Op: "read", Path: s.Name(), Err: err}
	}
	e, _, ok := decodeFrame(full)
	if !ok {
		return Entry{}, &CorruptSegment{Err: errBadCRC}
	}
	return e, nil
}

// ReadAt exposes raw byte access relative to the end of the descriptor.
func (s *store) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.buf.Flush(); err != nil {
		return 0, err
	}
	return s.File.ReadAt(p, off+descriptorSize)
}

// ScanTail reads sequentially from byte offset `from` to the end of the
// written region, decoding frames one at a time and invoking fn for each.
// It stops and reports the byte offset of the first undecodable frame (a
// torn write) instead of erroring, so recovery can truncate there.
func (s *store) ScanTail(from uint64, fn func(e Entry, pos uint64) error) (goodBytes uint64, torn bool, err error) {
	s.mu.Lock()
	if ferr := s.buf.Flush(); ferr != nil {
		s.mu.Unlock()
		return 0, false, &IoError{Op: "flush", Path: s.Name(), Err: ferr}
	}
	s.mu.Unlock()

	fi, statErr := s.File.Stat()
	if statErr != nil {
		return 0, false, &IoError{Op: "stat", Path: s.Name(), Err: statErr}
	}
	bodyLen := uint64(fi.Size()) - descriptorSize
	if bodyLen <= from {
		return from, false, nil
	}
	buf := make([]byte, bodyLen-from)
	if _, rerr := s.File.ReadAt(buf, int64(descriptorSize+from)); rerr != nil {
		return 0, false, &IoError{Op: "read", Path: s.Name(), Err: rerr}
	}

	pos := from
	for {
		remaining := buf[pos-from:]
		if len(remaining) == 0 {
			return pos, false, nil
		}
		e, n, ok := decodeFrame(remaining)
		if !ok {
			return pos, true, nil
		}
		if cbErr := fn(e, pos); cbErr != nil {
			return pos, false, cbErr
		}
		pos += uint64(n)
	}
}

func (s *store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return &IoError{Op: "flush", Path: s.Name(), Err: err}
	}
	return s.File.Sync()
}

func (s *store) Truncate(newSize uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return &IoError{Op: "flush", Path: s.Name(), Err: err}
	}
	if err := s.File.Truncate(int64(descriptorSize + newSize)); err != nil {
		return &IoError{Op: "truncate", Path: s.Name(), Err: err}
	}
	if _, err := s.File.Seek(int64(descriptorSize+newSize), io.SeekStart); err != nil {
		return &IoError{Op: "seek", Path: s.Name(), Err: err}
	}
	s.size = newSize
	s.buf = bufio.NewWriter(s.File)
	return nil
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.File.Close()
}
