package wfs

import (
	"bytes"
	"slices"
)

// Sector level I/O for metadata blocks and data units. Every access to
// the BlockDevice goes through these helpers so that they are
// serialized by the device mutex, and so that dirty metadata blocks
// shadow what is on disk until Flush writes them.

type dirtyBlock struct {
	data    []byte
	sectors uint32
}

// sectorOfDeviceBlock converts a basic block address to a sector.
func (d *WfsDevice) sectorOfDeviceBlock(deviceBlock uint32) uint32 {
	return deviceBlock << (Log2BasicBlockSize - d.log2SectorSize)
}

func (d *WfsDevice) sectorsFor(size uint32) uint32 {
	return size >> d.log2SectorSize
}

// readSectors reads raw (still encrypted) sectors.
func (d *WfsDevice) readSectors(sectorAddress, size uint32) ([]byte, error) {
	buf := make([]byte, size)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.device.ReadSectors(buf, sectorAddress, d.sectorsFor(size)); err != nil {
		return nil, err
	}
	return buf, nil
}

// readMetadataBlock reads, decrypts and verifies one metadata block.
// corrupt is the error reported when the block fails verification or
// does not carry flag and blockNumber in its header.
func (d *WfsDevice) readMetadataBlock(sectorAddress, size, blockNumber, flag uint32, corrupt Error) ([]byte, error) {
	d.mu.Lock()
	if dirty, ok := d.dirty[sectorAddress]; ok {
		data := bytes.Clone(dirty.data)
		d.mu.Unlock()
		return data, checkMetadataHeader(data, blockNumber, flag, corrupt)
	}
	d.mu.Unlock()

	data, err := d.readSectors(sectorAddress, size)
	if err != nil {
		return nil, err
	}
	d.crypter.Decrypt(data, sectorAddress)
	if !VerifyMetadataBlock(data) {
		d.logger.Debug("metadata block hash mismatch", "sector", sectorAddress, "size", size)
		return nil, corrupt
	}
	return data, checkMetadataHeader(data, blockNumber, flag, corrupt)
}

func checkMetadataHeader(data []byte, blockNumber, flag uint32, corrupt Error) error {
	var header MetadataBlockHeader
	header.FromBuf(data)
	if header.BlockNumber != blockNumber || header.Flags&flag != flag {
		return corrupt
	}
	return nil
}

// writeMetadataBlock seals data and keeps it as a dirty block until
// the next Flush.
func (d *WfsDevice) writeMetadataBlock(sectorAddress uint32, data []byte) error {
	if d.device.IsReadOnly() {
		return errReadOnlyDevice
	}
	block := bytes.Clone(data)
	SealMetadataBlock(block)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirty[sectorAddress] = &dirtyBlock{data: block, sectors: d.sectorsFor(uint32(len(block)))}
	return nil
}

// readDataUnit reads one data unit, decrypting it when encrypted, and
// checks it against its stored hash.
func (d *WfsDevice) readDataUnit(sectorAddress, size uint32, encrypted bool, hash [HashSize]byte) ([]byte, error) {
	data, err := d.readSectors(sectorAddress, size)
	if err != nil {
		return nil, err
	}
	if encrypted {
		d.crypter.Decrypt(data, sectorAddress)
	}
	if DataHash(data) != hash {
		d.logger.Debug("data unit hash mismatch", "sector", sectorAddress, "size", size)
		return nil, ErrBlockBadHash
	}
	return data, nil
}

// flushDirty writes every dirty block in sector order and returns how
// many it wrote. Blocks that were written are dropped from the dirty
// set even if a later write fails.
func (d *WfsDevice) flushDirty() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	written := 0
	sectors := make([]uint32, 0, len(d.dirty))
	for sector := range d.dirty {
		sectors = append(sectors, sector)
	}
	slices.Sort(sectors)
	for _, sector := range sectors {
		dirty := d.dirty[sector]
		buf := bytes.Clone(dirty.data)
		d.crypter.Encrypt(buf, sector)
		if err := d.device.WriteSectors(buf, sector, dirty.sectors); err != nil {
			return written, err
		}
		delete(d.dirty, sector)
		written++
		d.logger.Debug("flushed metadata block", "sector", sector, "sectors", dirty.sectors)
	}
	return written, nil
}
