package wfs

import (
	"sync"
)

// MemDisk is a BlockDevice backed by a byte slice. It is used for
// images that fit in memory and by the test image builder.
type MemDisk struct {
	mu             sync.Mutex
	data           []byte
	log2SectorSize uint32
	sectorsCount   uint32
	readOnly       bool
}

// ensure MemDisk implements BlockDevice
var _ BlockDevice = (*MemDisk)(nil)

// NewMemDisk wraps data as a device with the given sector size. The
// slice is used in place, writes are visible to the caller.
func NewMemDisk(data []byte, log2SectorSize uint32) *MemDisk {
	return &MemDisk{
		data:           data,
		log2SectorSize: log2SectorSize,
		sectorsCount:   uint32(len(data) >> log2SectorSize),
	}
}

// SetReadOnly marks the device read-only; WriteSectors fails afterwards.
func (d *MemDisk) SetReadOnly(readOnly bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readOnly = readOnly
}

// Bytes returns the backing slice.
func (d *MemDisk) Bytes() []byte {
	return d.data
}

func (d *MemDisk) ReadSectors(data []byte, sectorAddress, sectorsCount uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := checkSectorRange(d, data, sectorAddress, sectorsCount); err != nil {
		return err
	}
	off := uint64(sectorAddress) << d.log2SectorSize
	size := uint64(sectorsCount) << d.log2SectorSize
	if off+size > uint64(len(d.data)) {
		return &SectorRangeError{Address: sectorAddress, Count: sectorsCount, Limit: uint32(len(d.data) >> d.log2SectorSize)}
	}
	copy(data[:size], d.data[off:off+size])
	return nil
}

func (d *MemDisk) WriteSectors(data []byte, sectorAddress, sectorsCount uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readOnly {
		return errReadOnlyDevice
	}
	if err := checkSectorRange(d, data, sectorAddress, sectorsCount); err != nil {
		return err
	}
	off := uint64(sectorAddress) << d.log2SectorSize
	size := uint64(sectorsCount) << d.log2SectorSize
	if off+size > uint64(len(d.data)) {
		return &SectorRangeError{Address: sectorAddress, Count: sectorsCount, Limit: uint32(len(d.data) >> d.log2SectorSize)}
	}
	copy(d.data[off:off+size], data[:size])
	return nil
}

func (d *MemDisk) SectorsCount() uint32 {
	return d.sectorsCount
}

func (d *MemDisk) Log2SectorSize() uint32 {
	return d.log2SectorSize
}

func (d *MemDisk) IsReadOnly() bool {
	return d.readOnly
}

func (d *MemDisk) SetSectorsCount(sectorsCount uint32) {
	d.sectorsCount = sectorsCount
}

// SetLog2SectorSize also resets the sector count to what the backing
// slice holds at the new size.
func (d *MemDisk) SetLog2SectorSize(log2SectorSize uint32) {
	d.log2SectorSize = log2SectorSize
	d.sectorsCount = uint32(len(d.data) >> log2SectorSize)
}
