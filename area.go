package wfs

// Area is a contiguous run of device blocks with a fixed block size,
// described by a hashed header stored in its first block.
type Area struct {
	dev    *WfsDevice
	header AreaHeader
}

// Header returns a copy of the decoded area header.
func (a *Area) Header() AreaHeader {
	return a.header
}

// BlockSize is the size of one area block in bytes.
func (a *Area) BlockSize() uint32 {
	return 1 << a.header.Log2BlockSize
}

func (a *Area) Log2BlockSize() uint32 {
	return uint32(a.header.Log2BlockSize)
}

func (a *Area) BlocksCount() uint32 {
	return a.header.BlocksCount
}

// DeviceBlock is the address of the area's first basic block.
func (a *Area) DeviceBlock() uint32 {
	return a.header.DeviceBlock
}

// sectorOf returns the device sector of an area block.
func (a *Area) sectorOf(block uint32) uint32 {
	return a.dev.sectorOfDeviceBlock(a.header.DeviceBlock) + block<<(uint32(a.header.Log2BlockSize)-a.dev.log2SectorSize)
}

// deviceBlockOf returns the basic block address of an area block.
func (a *Area) deviceBlockOf(block uint32) uint32 {
	return a.header.DeviceBlock + block<<(a.header.Log2BlockSize-Log2BasicBlockSize)
}

func (a *Area) contains(block, count uint32) bool {
	return count > 0 && uint64(block)+uint64(count) <= uint64(a.header.BlocksCount)
}

func (a *Area) readMetadata(block, flag uint32, corrupt Error) ([]byte, error) {
	if !a.contains(block, 1) {
		return nil, corrupt
	}
	return a.dev.readMetadataBlock(a.sectorOf(block), a.BlockSize(), block, flag, corrupt)
}

func (a *Area) writeMetadata(block uint32, data []byte) error {
	return a.dev.writeMetadataBlock(a.sectorOf(block), data)
}

// readData reads count consecutive blocks as one data unit.
func (a *Area) readData(block, count uint32, encrypted bool, hash [HashSize]byte) ([]byte, error) {
	if !a.contains(block, count) {
		return nil, ErrFileDataCorrupted
	}
	return a.dev.readDataUnit(a.sectorOf(block), count<<a.header.Log2BlockSize, encrypted, hash)
}

// readAreaHeader loads the header block of the area starting at
// deviceBlock. The header block is one area block, whose size is only
// known once it decodes, so each supported block size is tried.
func readAreaHeader(dev *WfsDevice, deviceBlock uint32, corrupt Error) (*AreaHeader, []byte, error) {
	var lastErr error = corrupt
	for _, log2BlockSize := range []uint32{Log2SmallBlockSize, Log2RegularBlockSize} {
		size := uint32(1) << log2BlockSize
		sector := dev.sectorOfDeviceBlock(deviceBlock)
		if uint64(sector)+uint64(dev.sectorsFor(size)) > uint64(dev.device.SectorsCount()) {
			continue
		}
		data, err := dev.readMetadataBlock(sector, size, 0, BlockFlagArea, corrupt)
		if err != nil {
			if _, ok := AsError(err); !ok {
				return nil, nil, err
			}
			lastErr = err
			continue
		}
		header := &AreaHeader{}
		header.FromBuf(data[AreaHeaderOffset:])
		if uint32(header.Log2BlockSize) != log2BlockSize {
			lastErr = corrupt
			continue
		}
		return header, data, nil
	}
	return nil, nil, lastErr
}

// validateAreaHeader checks the header against where it was found
// and the span it must fit into (in basic blocks).
func validateAreaHeader(header *AreaHeader, deviceBlock uint32, areaType AreaType, spanStart, spanEnd uint64) bool {
	if header.Type != areaType || header.DeviceBlock != deviceBlock {
		return false
	}
	if header.Log2BlockSize != Log2SmallBlockSize && header.Log2BlockSize != Log2RegularBlockSize {
		return false
	}
	if header.BlocksCount == 0 {
		return false
	}
	start := uint64(header.DeviceBlock)
	if start < spanStart || start+header.DeviceBlocks() > spanEnd {
		return false
	}
	if areaType != AreaTypeQuota {
		return true
	}
	if header.AllocatorBlocks == 0 || header.RootDirectoryBlock == 0 || header.AllocatorBlock == 0 {
		return false
	}
	if uint64(header.AllocatorBlock)+uint64(header.AllocatorBlocks) > uint64(header.BlocksCount) {
		return false
	}
	if header.RootDirectoryBlock >= header.BlocksCount {
		return false
	}
	bits := uint64(AllocatorBitsPerBlock(header.Log2BlockSize)) * uint64(header.AllocatorBlocks)
	return bits >= uint64(header.BlocksCount)
}

// TransactionsArea is the journal area of the device. Only its header
// is interpreted; journal replay is not implemented.
type TransactionsArea struct {
	Area
}

func loadTransactionsArea(dev *WfsDevice, deviceBlock, blocks uint32) (*TransactionsArea, error) {
	header, _, err := readAreaHeader(dev, deviceBlock, ErrTransactionsAreaCorrupted)
	if err != nil {
		return nil, err
	}
	if !validateAreaHeader(header, deviceBlock, AreaTypeTransactions, 0, dev.deviceBlocks()) {
		return nil, ErrTransactionsAreaCorrupted
	}
	if header.DeviceBlocks() != uint64(blocks) {
		return nil, ErrTransactionsAreaCorrupted
	}
	return &TransactionsArea{Area{dev: dev, header: *header}}, nil
}
