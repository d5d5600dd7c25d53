package wfs

import (
	"encoding/binary"
	"sync"
)

// File is an Entry holding data. Small files keep their data inline in
// the metadata record; larger ones reference data units by block
// number, each unit stored with its hash and optionally encrypted.
type File struct {
	entryBase
	areaRef uint32

	unitsOnce sync.Once
	units     []dataUnit
	chain     []uint32
	unitsErr  error
}

// ensure File implements Entry
var _ Entry = (*File)(nil)

// dataUnit is the smallest independently hashed run of blocks.
type dataUnit struct {
	block  uint32
	blocks uint32
	hash   [HashSize]byte
}

// Extent is a run of consecutive area blocks holding file data.
type Extent struct {
	Block  uint32
	Blocks uint32
}

func (f *File) Kind() EntryKind { return KindFile }

// Size is the logical size in bytes.
func (f *File) Size() uint32 {
	return f.metadata.FileSize
}

// SizeOnDisk is the allocated size, a whole number of data units.
func (f *File) SizeOnDisk() uint32 {
	return f.metadata.SizeOnDisk
}

func (f *File) IsEncrypted() bool {
	return f.metadata.Flags&EntryFlagEncrypted != 0
}

func (f *File) SizeCategory() SizeCategory {
	return f.metadata.SizeCategory
}

// unitBlocks is the number of area blocks per data unit.
func (f *File) unitBlocks() uint32 {
	if f.metadata.SizeCategory == SizeCategoryLargeBlocks {
		return LargeBlockBlocks
	}
	return 1
}

// validate checks the metadata against its size category so that a
// bad record is reported when the entry is looked up.
func (f *File) validate(q *QuotaArea) error {
	m := &f.metadata
	if m.SizeOnDisk < m.FileSize {
		return ErrFileMetadataCorrupted
	}
	switch m.SizeCategory {
	case SizeCategoryInline:
		if uint32(len(m.Payload)) != m.SizeOnDisk {
			return ErrFileMetadataCorrupted
		}
		return nil

	case SizeCategoryBlocks, SizeCategoryLargeBlocks:
		if len(m.Payload)%DataUnitRecordSize != 0 {
			return ErrFileMetadataCorrupted
		}
		units := make([]dataUnit, 0, len(m.Payload)/DataUnitRecordSize)
		for b := m.Payload; len(b) > 0; b = b[DataUnitRecordSize:] {
			unit := dataUnit{block: binary.BigEndian.Uint32(b), blocks: f.unitBlocks()}
			copy(unit.hash[:], b[4:DataUnitRecordSize])
			if !q.contains(unit.block, unit.blocks) {
				return ErrFileMetadataCorrupted
			}
			units = append(units, unit)
		}
		if err := f.checkUnits(q, units); err != nil {
			return err
		}
		f.unitsOnce.Do(func() { f.units = units })
		return nil

	case SizeCategoryExtents:
		if len(m.Payload) != 4 || !q.contains(binary.BigEndian.Uint32(m.Payload), 1) {
			return ErrFileMetadataCorrupted
		}
		return nil
	}
	return ErrFileMetadataCorrupted
}

// checkUnits verifies that the units exactly cover SizeOnDisk, and that
// FileSize ends inside the last unit.
func (f *File) checkUnits(q *QuotaArea, units []dataUnit) error {
	var total uint64
	for _, unit := range units {
		total += uint64(unit.blocks) << q.header.Log2BlockSize
	}
	if total != uint64(f.metadata.SizeOnDisk) {
		return ErrFileMetadataCorrupted
	}
	if len(units) > 0 {
		last := uint64(units[len(units)-1].blocks) << q.header.Log2BlockSize
		if uint64(f.metadata.FileSize) <= total-last {
			return ErrFileMetadataCorrupted
		}
	}
	return nil
}

// dataUnits resolves the data units on first use. Extent chains are
// only read here, when the data is actually needed.
func (f *File) dataUnits() ([]dataUnit, *QuotaArea, error) {
	q, err := f.dev.quotaArea(f.areaRef)
	if err != nil {
		return nil, nil, err
	}
	f.unitsOnce.Do(func() {
		f.units, f.unitsErr = f.loadExtents(q)
	})
	return f.units, q, f.unitsErr
}

func (f *File) loadExtents(q *QuotaArea) ([]dataUnit, error) {
	var units []dataUnit
	block := binary.BigEndian.Uint32(f.metadata.Payload)
	for visited := uint32(0); block != 0; visited++ {
		if visited >= q.header.BlocksCount {
			return nil, ErrFileMetadataCorrupted
		}
		data, err := q.readMetadata(block, BlockFlagExtents, ErrFileMetadataCorrupted)
		if err != nil {
			return nil, err
		}
		f.chain = append(f.chain, block)
		var header ExtentsHeader
		header.FromBuf(data[ExtentsHeaderOffset:])
		b := data[ExtentsRecordsOffset:]
		for i := 0; i < int(header.RecordsCount); i++ {
			if len(b) < ExtentRecordHeaderSize {
				return nil, ErrFileMetadataCorrupted
			}
			first := binary.BigEndian.Uint32(b)
			count := uint32(binary.BigEndian.Uint16(b[4:]))
			size := ExtentRecordSize(int(count))
			if count == 0 || len(b) < size || !q.contains(first, count) {
				return nil, ErrFileMetadataCorrupted
			}
			for j := uint32(0); j < count; j++ {
				unit := dataUnit{block: first + j, blocks: 1}
				offset := ExtentRecordHeaderSize + int(j)*HashSize
				copy(unit.hash[:], b[offset:offset+HashSize])
				units = append(units, unit)
			}
			b = b[size:]
		}
		block = header.NextBlock
	}
	if err := f.checkUnits(q, units); err != nil {
		return nil, err
	}
	return units, nil
}

// Extents returns the runs of area blocks holding the file data, in
// file order. Inline files have none.
func (f *File) Extents() ([]Extent, error) {
	if f.metadata.SizeCategory == SizeCategoryInline {
		return nil, f.dev.checkOpen()
	}
	units, _, err := f.dataUnits()
	if err != nil {
		return nil, err
	}
	var extents []Extent
	for _, unit := range units {
		if n := len(extents); n > 0 && extents[n-1].Block+extents[n-1].Blocks == unit.block {
			extents[n-1].Blocks += unit.blocks
			continue
		}
		extents = append(extents, Extent{Block: unit.block, Blocks: unit.blocks})
	}
	return extents, nil
}

// NewStream returns a stream positioned at the start of the file.
func (f *File) NewStream() (*FileStream, error) {
	if err := f.dev.checkOpen(); err != nil {
		return nil, err
	}
	return &FileStream{file: f, cached: -1}, nil
}
