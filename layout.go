package wfs

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
)

// On-disk layout. All integers are big-endian. Device addresses are
// counted in basic blocks, independent of the sector size; everything
// inside an area is counted in that area's blocks.

const (
	WfsVersion uint32 = 0x01010800

	Log2BasicBlockSize = 12
	BasicBlockSize     = 1 << Log2BasicBlockSize

	// Area block sizes the format supports.
	Log2SmallBlockSize   = 12
	Log2RegularBlockSize = 13

	// A large data block is 2^Log2LargeBlockBlocks area blocks.
	Log2LargeBlockBlocks = 3
	LargeBlockBlocks     = 1 << Log2LargeBlockBlocks

	MinLog2SectorSize = 9
	MaxLog2SectorSize = 12

	HashSize = sha1.Size
	KeySize  = 16
)

// Metadata block flags.
const (
	BlockFlagArea         uint32 = 0x80000000
	BlockFlagDeviceHeader uint32 = 0x40000000
	BlockFlagAllocator    uint32 = 0x20000000
	BlockFlagDirectory    uint32 = 0x10000000
	BlockFlagExtents      uint32 = 0x08000000
)

// Fixed offsets inside metadata blocks.
const (
	MetadataHeaderSize     = 0x20
	DeviceHeaderOffset     = 0x20
	DeviceHeaderSize       = 0x20
	AreaHeaderOffset       = 0x40
	AreaHeaderSize         = 0x40
	AllocatorHeaderOffset  = 0x20
	AllocatorBitmapOffset  = 0x40
	DirectoryNodeOffset    = 0x20
	DirectoryRecordsOffset = 0x28
	ExtentsHeaderOffset    = 0x20
	ExtentsRecordsOffset   = 0x28

	hashOffset = 0x08
)

type DeviceType uint16

const (
	DeviceTypeMLC DeviceType = 0
	DeviceTypeUSB DeviceType = 1
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeMLC:
		return "mlc"
	case DeviceTypeUSB:
		return "usb"
	}
	return fmt.Sprintf("DeviceType(%d)", uint16(t))
}

type AreaType uint8

const (
	AreaTypeQuota        AreaType = 0
	AreaTypeTransactions AreaType = 1
)

// MetadataBlockHeader starts every metadata block.
type MetadataBlockHeader struct {
	Flags       uint32
	BlockNumber uint32
	Hash        [HashSize]byte
	Reserved    uint32
}

func (h *MetadataBlockHeader) FromBuf(b []byte) {
	h.Flags = binary.BigEndian.Uint32(b[0x00:])
	h.BlockNumber = binary.BigEndian.Uint32(b[0x04:])
	copy(h.Hash[:], b[hashOffset:hashOffset+HashSize])
	h.Reserved = binary.BigEndian.Uint32(b[0x1c:])
}

func (h *MetadataBlockHeader) ToBuf(b []byte) {
	binary.BigEndian.PutUint32(b[0x00:], h.Flags)
	binary.BigEndian.PutUint32(b[0x04:], h.BlockNumber)
	copy(b[hashOffset:hashOffset+HashSize], h.Hash[:])
	binary.BigEndian.PutUint32(b[0x1c:], h.Reserved)
}

// DeviceHeader is the superblock, stored in device block 0 next to
// the root area header.
type DeviceHeader struct {
	Version                uint32
	DeviceType             DeviceType
	Log2SectorSize         uint8
	SectorsCount           uint32
	TransactionsAreaBlock  uint32
	TransactionsAreaBlocks uint32
}

func (h *DeviceHeader) FromBuf(b []byte) {
	h.Version = binary.BigEndian.Uint32(b[0x00:])
	h.DeviceType = DeviceType(binary.BigEndian.Uint16(b[0x04:]))
	h.Log2SectorSize = b[0x06]
	h.SectorsCount = binary.BigEndian.Uint32(b[0x08:])
	h.TransactionsAreaBlock = binary.BigEndian.Uint32(b[0x0c:])
	h.TransactionsAreaBlocks = binary.BigEndian.Uint32(b[0x10:])
}

func (h *DeviceHeader) ToBuf(b []byte) {
	clear(b[:DeviceHeaderSize])
	binary.BigEndian.PutUint32(b[0x00:], h.Version)
	binary.BigEndian.PutUint16(b[0x04:], uint16(h.DeviceType))
	b[0x06] = h.Log2SectorSize
	binary.BigEndian.PutUint32(b[0x08:], h.SectorsCount)
	binary.BigEndian.PutUint32(b[0x0c:], h.TransactionsAreaBlock)
	binary.BigEndian.PutUint32(b[0x10:], h.TransactionsAreaBlocks)
}

// AreaHeader describes an area. It lives in block 0 of the area.
type AreaHeader struct {
	DeviceBlock        uint32
	BlocksCount        uint32
	Log2BlockSize      uint8
	Type               AreaType
	Depth              uint16
	RootDirectoryBlock uint32
	AllocatorBlock     uint32
	AllocatorBlocks    uint32
}

func (h *AreaHeader) FromBuf(b []byte) {
	h.DeviceBlock = binary.BigEndian.Uint32(b[0x00:])
	h.BlocksCount = binary.BigEndian.Uint32(b[0x04:])
	h.Log2BlockSize = b[0x08]
	h.Type = AreaType(b[0x09])
	h.Depth = binary.BigEndian.Uint16(b[0x0a:])
	h.RootDirectoryBlock = binary.BigEndian.Uint32(b[0x0c:])
	h.AllocatorBlock = binary.BigEndian.Uint32(b[0x10:])
	h.AllocatorBlocks = binary.BigEndian.Uint32(b[0x14:])
}

func (h *AreaHeader) ToBuf(b []byte) {
	clear(b[:AreaHeaderSize])
	binary.BigEndian.PutUint32(b[0x00:], h.DeviceBlock)
	binary.BigEndian.PutUint32(b[0x04:], h.BlocksCount)
	b[0x08] = h.Log2BlockSize
	b[0x09] = uint8(h.Type)
	binary.BigEndian.PutUint16(b[0x0a:], h.Depth)
	binary.BigEndian.PutUint32(b[0x0c:], h.RootDirectoryBlock)
	binary.BigEndian.PutUint32(b[0x10:], h.AllocatorBlock)
	binary.BigEndian.PutUint32(b[0x14:], h.AllocatorBlocks)
}

// DeviceBlocks is the span of the area in basic blocks.
func (h *AreaHeader) DeviceBlocks() uint64 {
	return uint64(h.BlocksCount) << (h.Log2BlockSize - Log2BasicBlockSize)
}

// AllocatorHeader is stored in the first allocator block.
type AllocatorHeader struct {
	FreeBlocksCount uint32
	BitsCount       uint32
}

func (h *AllocatorHeader) FromBuf(b []byte) {
	h.FreeBlocksCount = binary.BigEndian.Uint32(b[0x00:])
	h.BitsCount = binary.BigEndian.Uint32(b[0x04:])
}

func (h *AllocatorHeader) ToBuf(b []byte) {
	binary.BigEndian.PutUint32(b[0x00:], h.FreeBlocksCount)
	binary.BigEndian.PutUint32(b[0x04:], h.BitsCount)
}

// AllocatorBitsPerBlock is the number of bitmap bits one allocator
// block of the given size holds.
func AllocatorBitsPerBlock(log2BlockSize uint8) uint32 {
	return ((1 << log2BlockSize) - AllocatorBitmapOffset) * 8
}

type DirectoryNodeKind uint8

const (
	DirectoryNodeLeaf     DirectoryNodeKind = 0
	DirectoryNodeInternal DirectoryNodeKind = 1
)

// DirectoryNodeHeader follows the metadata header of directory blocks.
type DirectoryNodeHeader struct {
	Kind         DirectoryNodeKind
	RecordsCount uint16
	UsedBytes    uint16
}

func (h *DirectoryNodeHeader) FromBuf(b []byte) {
	h.Kind = DirectoryNodeKind(b[0x00])
	h.RecordsCount = binary.BigEndian.Uint16(b[0x02:])
	h.UsedBytes = binary.BigEndian.Uint16(b[0x04:])
}

func (h *DirectoryNodeHeader) ToBuf(b []byte) {
	clear(b[:DirectoryRecordsOffset-DirectoryNodeOffset])
	b[0x00] = uint8(h.Kind)
	binary.BigEndian.PutUint16(b[0x02:], h.RecordsCount)
	binary.BigEndian.PutUint16(b[0x04:], h.UsedBytes)
}

// Entry metadata flags.
const (
	EntryFlagDirectory uint32 = 0x80000000
	EntryFlagQuota     uint32 = 0x40000000
	EntryFlagLink      uint32 = 0x20000000
	EntryFlagEncrypted uint32 = 0x10000000
)

// Size categories describe where a file's data lives.
type SizeCategory uint8

const (
	// data stored in the metadata payload
	SizeCategoryInline SizeCategory = 0
	// one area block per unit, block numbers and hashes in the payload
	SizeCategoryBlocks SizeCategory = 1
	// one large block per unit, block numbers and hashes in the payload
	SizeCategoryLargeBlocks SizeCategory = 2
	// chained extent blocks referenced from the payload
	SizeCategoryExtents SizeCategory = 3
)

const (
	EntryMetadataSize      = 0x2c
	DataUnitRecordSize     = 4 + HashSize
	ExtentRecordHeaderSize = 8
	MaxNameLength          = 0xff
)

// EntryMetadata is the fixed part of an entry record, followed by a
// payload whose meaning depends on flags and size category.
type EntryMetadata struct {
	Flags            uint32
	Owner            uint32
	Group            uint32
	Mode             uint32
	CreationTime     uint32
	ModificationTime uint32
	FileSize         uint32
	SizeOnDisk       uint32
	Target           uint32
	SizeCategory     SizeCategory
	Payload          []byte
}

// DecodeEntryMetadata parses a metadata record. The payload aliases b.
func DecodeEntryMetadata(b []byte) (*EntryMetadata, error) {
	if len(b) < EntryMetadataSize {
		return nil, ErrFileMetadataCorrupted
	}
	m := &EntryMetadata{
		Flags:            binary.BigEndian.Uint32(b[0x00:]),
		Owner:            binary.BigEndian.Uint32(b[0x04:]),
		Group:            binary.BigEndian.Uint32(b[0x08:]),
		Mode:             binary.BigEndian.Uint32(b[0x0c:]),
		CreationTime:     binary.BigEndian.Uint32(b[0x10:]),
		ModificationTime: binary.BigEndian.Uint32(b[0x14:]),
		FileSize:         binary.BigEndian.Uint32(b[0x18:]),
		SizeOnDisk:       binary.BigEndian.Uint32(b[0x1c:]),
		Target:           binary.BigEndian.Uint32(b[0x20:]),
		SizeCategory:     SizeCategory(b[0x24]),
	}
	payloadLen := int(binary.BigEndian.Uint16(b[0x26:]))
	if EntryMetadataSize+payloadLen != len(b) {
		return nil, ErrFileMetadataCorrupted
	}
	m.Payload = b[EntryMetadataSize:]
	return m, nil
}

// Encode serializes the metadata record.
func (m *EntryMetadata) Encode() []byte {
	b := make([]byte, EntryMetadataSize+len(m.Payload))
	binary.BigEndian.PutUint32(b[0x00:], m.Flags)
	binary.BigEndian.PutUint32(b[0x04:], m.Owner)
	binary.BigEndian.PutUint32(b[0x08:], m.Group)
	binary.BigEndian.PutUint32(b[0x0c:], m.Mode)
	binary.BigEndian.PutUint32(b[0x10:], m.CreationTime)
	binary.BigEndian.PutUint32(b[0x14:], m.ModificationTime)
	binary.BigEndian.PutUint32(b[0x18:], m.FileSize)
	binary.BigEndian.PutUint32(b[0x1c:], m.SizeOnDisk)
	binary.BigEndian.PutUint32(b[0x20:], m.Target)
	b[0x24] = uint8(m.SizeCategory)
	binary.BigEndian.PutUint16(b[0x26:], uint16(len(m.Payload)))
	copy(b[EntryMetadataSize:], m.Payload)
	return b
}

// AppendLeafRecord appends a directory leaf record: name length, name,
// metadata length, metadata.
func AppendLeafRecord(dst []byte, name string, metadata []byte) []byte {
	dst = append(dst, uint8(len(name)))
	dst = append(dst, name...)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(metadata)))
	return append(dst, metadata...)
}

// AppendInternalRecord appends a directory internal record: key
// length, key, child block.
func AppendInternalRecord(dst []byte, key string, child uint32) []byte {
	dst = append(dst, uint8(len(key)))
	dst = append(dst, key...)
	return binary.BigEndian.AppendUint32(dst, child)
}

// AppendDataUnitRecord appends a block number and hash pair.
func AppendDataUnitRecord(dst []byte, block uint32, hash [HashSize]byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, block)
	return append(dst, hash[:]...)
}

// ExtentsHeader follows the metadata header of extent blocks.
type ExtentsHeader struct {
	NextBlock    uint32
	RecordsCount uint16
}

func (h *ExtentsHeader) FromBuf(b []byte) {
	h.NextBlock = binary.BigEndian.Uint32(b[0x00:])
	h.RecordsCount = binary.BigEndian.Uint16(b[0x04:])
}

func (h *ExtentsHeader) ToBuf(b []byte) {
	clear(b[:ExtentsRecordsOffset-ExtentsHeaderOffset])
	binary.BigEndian.PutUint32(b[0x00:], h.NextBlock)
	binary.BigEndian.PutUint16(b[0x04:], h.RecordsCount)
}

// AppendExtentRecord appends an extent: first block, blocks count and
// one hash per block.
func AppendExtentRecord(dst []byte, first uint32, hashes [][HashSize]byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, first)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(hashes)))
	dst = append(dst, 0, 0)
	for _, h := range hashes {
		dst = append(dst, h[:]...)
	}
	return dst
}

// ExtentRecordSize is the encoded size of an extent of n blocks.
func ExtentRecordSize(n int) int {
	return ExtentRecordHeaderSize + n*HashSize
}
