package wfs

import (
	"fmt"
	"io/fs"
)

var errReadOnlyDevice = fmt.Errorf("device is read-only: %w", fs.ErrPermission)

// BlockDevice is a sector addressable storage medium. Reads and writes
// are whole sectors; callers above this layer translate byte ranges to
// sector ranges. Implementations are owned by the caller and must
// outlive any WfsDevice opened on them.
//
// SetSectorsCount and SetLog2SectorSize are only used while the device
// parameters are being detected, never after a WfsDevice is open.
type BlockDevice interface {
	ReadSectors(data []byte, sectorAddress, sectorsCount uint32) error
	WriteSectors(data []byte, sectorAddress, sectorsCount uint32) error
	SectorsCount() uint32
	Log2SectorSize() uint32
	IsReadOnly() bool
	SetSectorsCount(sectorsCount uint32)
	SetLog2SectorSize(log2SectorSize uint32)
}

// SectorRangeError reports a device access outside the medium.
type SectorRangeError struct {
	Address uint32
	Count   uint32
	Limit   uint32
}

func (e *SectorRangeError) Error() string {
	return fmt.Sprintf("sectors %d+%d beyond device end %d", e.Address, e.Count, e.Limit)
}

// checkSectorRange validates an access and the buffer backing it.
func checkSectorRange(device BlockDevice, data []byte, sectorAddress, sectorsCount uint32) error {
	limit := device.SectorsCount()
	if uint64(sectorAddress)+uint64(sectorsCount) > uint64(limit) {
		return &SectorRangeError{Address: sectorAddress, Count: sectorsCount, Limit: limit}
	}
	need := uint64(sectorsCount) << device.Log2SectorSize()
	if uint64(len(data)) < need {
		return fmt.Errorf("buffer of %d bytes too small for %d sectors", len(data), sectorsCount)
	}
	return nil
}
