package wfs

import (
	"fmt"
	"io"
	"os"
)

// DefaultLog2SectorSize is the sector size a FileDisk starts with
// before Recovery detects the real one.
const DefaultLog2SectorSize = 9

// FileDisk is a BlockDevice backed by an image file or a raw block
// device node. Sector I/O uses positioned reads and writes on the
// wrapped file, so concurrent readers do not share a seek offset.
type FileDisk struct {
	file           *os.File
	size           int64
	log2SectorSize uint32
	sectorsCount   uint32
	readOnly       bool
}

// ensure FileDisk implements BlockDevice
var _ BlockDevice = (*FileDisk)(nil)

// NewFileDisk wraps an open file. The device is read-only unless the
// file was opened for writing.
func NewFileDisk(file *os.File) (*FileDisk, error) {
	size, readOnly, err := statFile(file)
	if err != nil {
		return nil, err
	}
	d := &FileDisk{
		file:     file,
		size:     size,
		readOnly: readOnly,
	}
	d.SetLog2SectorSize(DefaultLog2SectorSize)
	return d, nil
}

// OpenFileDisk opens path and wraps it. The returned device owns the
// file; Close releases it.
func OpenFileDisk(path string, readOnly bool) (*FileDisk, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	d, err := NewFileDisk(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	d.readOnly = d.readOnly || readOnly
	return d, nil
}

// Size returns the medium size in bytes.
func (d *FileDisk) Size() int64 {
	return d.size
}

func (d *FileDisk) ReadSectors(data []byte, sectorAddress, sectorsCount uint32) error {
	if err := checkSectorRange(d, data, sectorAddress, sectorsCount); err != nil {
		return err
	}
	off := int64(sectorAddress) << d.log2SectorSize
	buf := data[:int(sectorsCount)<<d.log2SectorSize]
	for len(buf) > 0 {
		n, err := d.readAt(buf, off)
		if err != nil {
			return fmt.Errorf("read at offset %d: %w", off, err)
		}
		if n == 0 {
			return fmt.Errorf("read at offset %d: %w", off, io.ErrUnexpectedEOF)
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

func (d *FileDisk) WriteSectors(data []byte, sectorAddress, sectorsCount uint32) error {
	if d.readOnly {
		return errReadOnlyDevice
	}
	if err := checkSectorRange(d, data, sectorAddress, sectorsCount); err != nil {
		return err
	}
	off := int64(sectorAddress) << d.log2SectorSize
	buf := data[:int(sectorsCount)<<d.log2SectorSize]
	for len(buf) > 0 {
		n, err := d.writeAt(buf, off)
		if err != nil {
			return fmt.Errorf("write at offset %d: %w", off, err)
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

// Sync flushes written sectors to stable storage.
func (d *FileDisk) Sync() error {
	if d.readOnly {
		return nil
	}
	return d.sync()
}

// Close syncs and closes the underlying file.
func (d *FileDisk) Close() error {
	if d.file == nil {
		return nil
	}
	syncErr := d.Sync()
	closeErr := d.file.Close()
	d.file = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

func (d *FileDisk) SectorsCount() uint32 {
	return d.sectorsCount
}

func (d *FileDisk) Log2SectorSize() uint32 {
	return d.log2SectorSize
}

func (d *FileDisk) IsReadOnly() bool {
	return d.readOnly
}

func (d *FileDisk) SetSectorsCount(sectorsCount uint32) {
	d.sectorsCount = sectorsCount
}

// SetLog2SectorSize also resets the sector count to what the medium
// holds at the new size; Recovery narrows it afterwards.
func (d *FileDisk) SetLog2SectorSize(log2SectorSize uint32) {
	d.log2SectorSize = log2SectorSize
	count := d.size >> log2SectorSize
	if count > int64(^uint32(0)) {
		count = int64(^uint32(0))
	}
	d.sectorsCount = uint32(count)
}
