package wfs

import (
	"errors"
	"io"
)

var errNegativePosition = errors.New("wfs: negative stream position")

// FileStream reads a File through a cursor. Data units are read,
// decrypted and verified on demand; only the unit under the cursor is
// kept in memory.
type FileStream struct {
	file *File
	pos  int64
	eof  bool

	cached int
	cache  []byte
}

var (
	_ io.ReadSeeker = (*FileStream)(nil)
	_ io.ReaderAt   = (*FileStream)(nil)
)

// Size is the logical size of the file.
func (s *FileStream) Size() int64 {
	return int64(s.file.Size())
}

// Position returns the cursor.
func (s *FileStream) Position() int64 {
	return s.pos
}

// EOF reports whether a read has reached the end of the file.
func (s *FileStream) EOF() bool {
	return s.eof
}

// Read copies up to len(p) bytes from the cursor, crossing data unit
// boundaries as needed. A read that reaches the end of the file returns
// the bytes it got and sets EOF; a read at the end returns io.EOF.
func (s *FileStream) Read(p []byte) (int, error) {
	if s.pos >= s.Size() {
		s.eof = true
		return 0, io.EOF
	}
	n, err := s.readAt(p, s.pos)
	s.pos += int64(n)
	if s.pos >= s.Size() {
		s.eof = true
	}
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// ReadAt reads at off without moving the cursor.
func (s *FileStream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativePosition
	}
	return s.readAt(p, off)
}

// Seek moves the cursor. It performs no I/O; positions past the end
// are allowed and read as end of file.
func (s *FileStream) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.pos + offset
	case io.SeekEnd:
		pos = s.Size() + offset
	default:
		return s.pos, errors.New("wfs: invalid whence")
	}
	if pos < 0 {
		return s.pos, errNegativePosition
	}
	s.pos = pos
	s.eof = false
	return pos, nil
}

func (s *FileStream) readAt(p []byte, off int64) (int, error) {
	if err := s.file.dev.checkOpen(); err != nil {
		return 0, err
	}
	size := s.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := len(p)
	if remaining := size - off; int64(want) > remaining {
		want = int(remaining)
	}

	if s.file.metadata.SizeCategory == SizeCategoryInline {
		n := copy(p[:want], s.file.metadata.Payload[off:])
		return n, eofIfShort(n, len(p))
	}

	units, q, err := s.file.dataUnits()
	if err != nil {
		return 0, err
	}
	unitSize := int64(s.file.unitBlocks()) << q.header.Log2BlockSize
	n := 0
	for n < want {
		pos := off + int64(n)
		index := int(pos / unitSize)
		data, err := s.unit(q, units, index)
		if err != nil {
			return n, err
		}
		n += copy(p[n:want], data[pos%unitSize:])
	}
	return n, eofIfShort(n, len(p))
}

func eofIfShort(n, want int) error {
	if n < want {
		return io.EOF
	}
	return nil
}

// unit returns the plaintext of data unit index, reading it unless it
// is the cached one.
func (s *FileStream) unit(q *QuotaArea, units []dataUnit, index int) ([]byte, error) {
	if index == s.cached {
		return s.cache, nil
	}
	if index >= len(units) {
		return nil, ErrFileDataCorrupted
	}
	unit := units[index]
	data, err := q.readData(unit.block, unit.blocks, s.file.IsEncrypted(), unit.hash)
	if err != nil {
		return nil, err
	}
	s.cached, s.cache = index, data
	return data, nil
}
