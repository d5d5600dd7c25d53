// Package wfstest builds well-formed WFS images in memory for tests.
package wfstest

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	"github.com/rstms/wfs"
)

const (
	DefaultBlocksCount = 512

	// Files up to InlineLimit bytes are stored inline unless a category
	// is forced; up to blocksLimit units they use single blocks.
	InlineLimit = 512
	blocksLimit = 16

	Owner = 1000
	Group = 1000
	Time  = 0x5f5e1000
)

// Options describe the image as a whole.
type Options struct {
	Log2SectorSize uint32
	Log2BlockSize  uint8
	BlocksCount    uint32
	Key            []byte
	DeviceType     wfs.DeviceType

	// TransactionsBlocks is the size of the transactions area in basic
	// blocks, zero for none.
	TransactionsBlocks uint32

	// MaxLeafRecords caps the records per directory node so that small
	// directories still produce multi level trees. Zero means no cap.
	MaxLeafRecords int
}

type fileLayout struct {
	category        wfs.SizeCategory
	forced          bool
	plain           bool
	extentsPerBlock int
	fragmented      bool
}

// FileOption tunes how one file is laid out.
type FileOption func(*fileLayout)

// Category forces the size category of the file.
func Category(category wfs.SizeCategory) FileOption {
	return func(f *fileLayout) {
		f.category = category
		f.forced = true
	}
}

// Plain stores the file data unencrypted on an encrypted image.
func Plain() FileOption {
	return func(f *fileLayout) { f.plain = true }
}

// ExtentsPerBlock caps the extent records per extents block, forcing
// longer chains.
func ExtentsPerBlock(n int) FileOption {
	return func(f *fileLayout) { f.extentsPerBlock = n }
}

// Fragmented leaves a free block between data units.
func Fragmented() FileOption {
	return func(f *fileLayout) { f.fragmented = true }
}

type node struct {
	name     string
	kind     wfs.EntryKind
	data     []byte
	target   string
	file     fileLayout
	quota    *quotaLayout
	children map[string]*node
}

type quotaLayout struct {
	blocks        uint32
	log2BlockSize uint8
}

// Builder collects a directory tree and encodes it into an image.
type Builder struct {
	opts Options
	root *node
	err  error
}

func New(opts Options) *Builder {
	if opts.Log2SectorSize == 0 {
		opts.Log2SectorSize = wfs.MinLog2SectorSize
	}
	if opts.Log2BlockSize == 0 {
		opts.Log2BlockSize = wfs.Log2SmallBlockSize
	}
	if opts.BlocksCount == 0 {
		opts.BlocksCount = DefaultBlocksCount
	}
	if opts.MaxLeafRecords == 1 {
		opts.MaxLeafRecords = 2
	}
	return &Builder{opts: opts, root: newDirNode("")}
}

func newDirNode(name string) *node {
	return &node{name: name, kind: wfs.KindDirectory, children: map[string]*node{}}
}

func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
}

func (b *Builder) add(path string, n *node) *Builder {
	if b.err != nil {
		return b
	}
	segments := splitPath(path)
	if len(segments) == 0 {
		b.err = fmt.Errorf("empty path %q", path)
		return b
	}
	dir := b.root
	for _, segment := range segments[:len(segments)-1] {
		child, ok := dir.children[segment]
		if !ok {
			child = newDirNode(segment)
			dir.children[segment] = child
		}
		if child.kind != wfs.KindDirectory {
			b.err = fmt.Errorf("%q: %s is not a directory", path, segment)
			return b
		}
		dir = child
	}
	name := segments[len(segments)-1]
	if len(name) > wfs.MaxNameLength {
		b.err = fmt.Errorf("%q: name too long", path)
		return b
	}
	if existing, ok := dir.children[name]; ok {
		if existing.kind == wfs.KindDirectory && n.kind == wfs.KindDirectory && existing.quota == nil {
			// a directory created implicitly by a deeper path
			existing.quota = n.quota
			return b
		}
		b.err = fmt.Errorf("%q: duplicate entry", path)
		return b
	}
	n.name = name
	dir.children[name] = n
	return b
}

// File adds a file, creating missing parent directories.
func (b *Builder) File(path string, data []byte, opts ...FileOption) *Builder {
	n := &node{kind: wfs.KindFile, data: data}
	for _, opt := range opts {
		opt(&n.file)
	}
	return b.add(path, n)
}

// Dir adds an empty directory.
func (b *Builder) Dir(path string) *Builder {
	return b.add(path, newDirNode(""))
}

// Quota adds a directory rooting its own quota area of blocks blocks.
func (b *Builder) Quota(path string, blocks uint32, log2BlockSize uint8) *Builder {
	n := newDirNode("")
	n.quota = &quotaLayout{blocks: blocks, log2BlockSize: log2BlockSize}
	return b.add(path, n)
}

// Link adds a symbolic link.
func (b *Builder) Link(path, target string) *Builder {
	return b.add(path, &node{kind: wfs.KindLink, target: target})
}

// Placement tells where an entry ended up, for tests that damage it.
type Placement struct {
	Kind          wfs.EntryKind
	AreaBlock     uint32
	Log2BlockSize uint8
	Units         []uint32
	UnitBlocks    uint32
	ChainBlocks   []uint32
	NodeBlocks    []uint32
	QuotaBlock    uint32
}

// Image is a built image on a MemDisk.
type Image struct {
	Disk              *wfs.MemDisk
	Key               []byte
	Log2SectorSize    uint32
	TransactionsBlock uint32
	Entries           map[string]*Placement
}

// Offset is the byte offset in the image of block of the placement's
// area.
func (img *Image) Offset(p *Placement, block uint32) int64 {
	return int64(p.AreaBlock)<<wfs.Log2BasicBlockSize + int64(block)<<p.Log2BlockSize
}

// Flip inverts the byte at offset.
func (img *Image) Flip(offset int64) {
	img.Disk.Bytes()[offset] ^= 0xff
}

// Clone returns a MemDisk over a copy of the image bytes, with the
// given sector size.
func (img *Image) Clone(log2SectorSize uint32) *wfs.MemDisk {
	return wfs.NewMemDisk(slices.Clone(img.Disk.Bytes()), log2SectorSize)
}

// Pattern returns size deterministic bytes.
func Pattern(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i>>8) ^ byte(i)*31 ^ seed
	}
	return data
}

type area struct {
	header wfs.AreaHeader
	used   []bool
	next   uint32
}

func newArea(deviceBlock, blocks uint32, log2BlockSize uint8, depth uint16) *area {
	a := &area{
		header: wfs.AreaHeader{
			DeviceBlock:   deviceBlock,
			BlocksCount:   blocks,
			Log2BlockSize: log2BlockSize,
			Type:          wfs.AreaTypeQuota,
			Depth:         depth,
		},
		used: make([]bool, blocks),
	}
	bits := wfs.AllocatorBitsPerBlock(log2BlockSize)
	a.header.AllocatorBlock = 1
	a.header.AllocatorBlocks = (blocks + bits - 1) / bits
	a.mustAlloc(1 + a.header.AllocatorBlocks)
	return a
}

func (a *area) blockSize() uint32 {
	return 1 << a.header.Log2BlockSize
}

func (a *area) deviceBlockOf(block uint32) uint32 {
	return a.header.DeviceBlock + block<<(a.header.Log2BlockSize-wfs.Log2BasicBlockSize)
}

func (a *area) alloc(n uint32) (uint32, error) {
	if uint64(a.next)+uint64(n) > uint64(a.header.BlocksCount) {
		return 0, fmt.Errorf("area at %d: no room for %d blocks", a.header.DeviceBlock, n)
	}
	first := a.next
	for b := first; b < first+n; b++ {
		a.used[b] = true
	}
	a.next += n
	return first, nil
}

func (a *area) mustAlloc(n uint32) uint32 {
	first, err := a.alloc(n)
	if err != nil {
		panic(err)
	}
	return first
}

// skip leaves the next block free.
func (a *area) skip() {
	if a.next < a.header.BlocksCount {
		a.next++
	}
}

type encoder struct {
	opts    Options
	buf     []byte
	crypter *wfs.BlockCrypter
	img     *Image
}

// Build encodes the tree into a new image.
func (b *Builder) Build() (*Image, error) {
	if b.err != nil {
		return nil, b.err
	}
	o := b.opts
	crypter, err := wfs.NewBlockCrypter(o.Key)
	if err != nil {
		return nil, err
	}
	if o.BlocksCount < 4 {
		return nil, fmt.Errorf("image of %d blocks is too small", o.BlocksCount)
	}
	size := uint64(o.BlocksCount) << o.Log2BlockSize
	e := &encoder{
		opts:    o,
		buf:     make([]byte, size),
		crypter: crypter,
		img: &Image{
			Key:            o.Key,
			Log2SectorSize: o.Log2SectorSize,
			Entries:        map[string]*Placement{},
		},
	}
	root := newArea(0, o.BlocksCount, o.Log2BlockSize, 0)
	header := &wfs.DeviceHeader{
		Version:        wfs.WfsVersion,
		DeviceType:     o.DeviceType,
		Log2SectorSize: uint8(o.Log2SectorSize),
		SectorsCount:   uint32(size >> o.Log2SectorSize),
	}
	if o.TransactionsBlocks > 0 {
		perBlock := uint32(1) << (o.Log2BlockSize - wfs.Log2BasicBlockSize)
		first, err := root.alloc((o.TransactionsBlocks + perBlock - 1) / perBlock)
		if err != nil {
			return nil, err
		}
		transactions := wfs.AreaHeader{
			DeviceBlock:   root.deviceBlockOf(first),
			BlocksCount:   o.TransactionsBlocks,
			Log2BlockSize: wfs.Log2BasicBlockSize,
			Type:          wfs.AreaTypeTransactions,
		}
		e.writeAreaHeader(&transactions, nil)
		header.TransactionsAreaBlock = transactions.DeviceBlock
		header.TransactionsAreaBlocks = o.TransactionsBlocks
		e.img.TransactionsBlock = transactions.DeviceBlock
	}
	if err := e.buildQuota(root, b.root, "/", header); err != nil {
		return nil, err
	}
	e.img.Disk = wfs.NewMemDisk(e.buf, o.Log2SectorSize)
	return e.img, nil
}

// MustBuild is Build for tests that cannot continue without an image.
func (b *Builder) MustBuild() *Image {
	img, err := b.Build()
	if err != nil {
		panic(err)
	}
	return img
}

func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

// writeMetadata seals, encrypts and stores one metadata block.
func (e *encoder) writeMetadata(deviceBlock uint32, log2BlockSize uint8, block, flags uint32, fill func([]byte)) {
	data := make([]byte, 1<<log2BlockSize)
	header := wfs.MetadataBlockHeader{Flags: flags, BlockNumber: block}
	header.ToBuf(data)
	fill(data)
	wfs.SealMetadataBlock(data)
	e.store(int64(deviceBlock)<<wfs.Log2BasicBlockSize+int64(block)<<log2BlockSize, data, true)
}

func (e *encoder) store(offset int64, data []byte, encrypt bool) {
	if encrypt {
		e.crypter.Encrypt(data, uint32(offset>>e.opts.Log2SectorSize))
	}
	copy(e.buf[offset:], data)
}

func (e *encoder) writeAreaHeader(header *wfs.AreaHeader, device *wfs.DeviceHeader) {
	flags := wfs.BlockFlagArea
	if device != nil {
		flags |= wfs.BlockFlagDeviceHeader
	}
	e.writeMetadata(header.DeviceBlock, header.Log2BlockSize, 0, flags, func(b []byte) {
		if device != nil {
			device.ToBuf(b[wfs.DeviceHeaderOffset:])
		}
		header.ToBuf(b[wfs.AreaHeaderOffset:])
	})
}

func (e *encoder) buildQuota(a *area, dir *node, path string, device *wfs.DeviceHeader) error {
	rootBlock, err := e.buildDirectory(a, dir, path)
	if err != nil {
		return err
	}
	a.header.RootDirectoryBlock = rootBlock
	e.writeAllocator(a)
	e.writeAreaHeader(&a.header, device)
	return nil
}

func (e *encoder) writeAllocator(a *area) {
	bits := wfs.AllocatorBitsPerBlock(a.header.Log2BlockSize)
	var header wfs.AllocatorHeader
	header.BitsCount = a.header.BlocksCount
	for _, used := range a.used {
		if !used {
			header.FreeBlocksCount++
		}
	}
	for i := uint32(0); i < a.header.AllocatorBlocks; i++ {
		e.writeMetadata(a.header.DeviceBlock, a.header.Log2BlockSize, a.header.AllocatorBlock+i, wfs.BlockFlagAllocator, func(b []byte) {
			if i == 0 {
				header.ToBuf(b[wfs.AllocatorHeaderOffset:])
			}
			bitmap := b[wfs.AllocatorBitmapOffset:]
			for bit := uint32(0); bit < bits; bit++ {
				block := i*bits + bit
				if block >= a.header.BlocksCount {
					break
				}
				if !a.used[block] {
					bitmap[bit/8] |= 0x80 >> (bit % 8)
				}
			}
		})
	}
}

type leafRecord struct {
	name    string
	encoded []byte
}

func (e *encoder) buildDirectory(a *area, dir *node, path string) (uint32, error) {
	names := make([]string, 0, len(dir.children))
	for name := range dir.children {
		names = append(names, name)
	}
	slices.Sort(names)
	records := make([]leafRecord, 0, len(names))
	for _, name := range names {
		metadata, err := e.buildEntry(a, dir.children[name], joinPath(path, name))
		if err != nil {
			return 0, err
		}
		records = append(records, leafRecord{name: name, encoded: wfs.AppendLeafRecord(nil, name, metadata)})
	}
	return e.writeTree(a, records, path)
}

func (e *encoder) buildEntry(a *area, n *node, path string) ([]byte, error) {
	m := wfs.EntryMetadata{
		Owner:            Owner,
		Group:            Group,
		CreationTime:     Time,
		ModificationTime: Time + 60,
	}
	switch n.kind {
	case wfs.KindLink:
		m.Flags = wfs.EntryFlagLink
		m.Mode = 0o777
		m.Payload = []byte(n.target)
		e.img.Entries[path] = &Placement{Kind: wfs.KindLink, AreaBlock: a.header.DeviceBlock, Log2BlockSize: a.header.Log2BlockSize}

	case wfs.KindDirectory:
		m.Flags = wfs.EntryFlagDirectory
		m.Mode = 0o755
		if n.quota == nil {
			rootBlock, err := e.buildDirectory(a, n, path)
			if err != nil {
				return nil, err
			}
			m.Target = rootBlock
			break
		}
		size := uint64(n.quota.blocks) << n.quota.log2BlockSize
		first, err := a.alloc(uint32((size + uint64(a.blockSize()) - 1) / uint64(a.blockSize())))
		if err != nil {
			return nil, err
		}
		sub := newArea(a.deviceBlockOf(first), n.quota.blocks, n.quota.log2BlockSize, a.header.Depth+1)
		if err := e.buildQuota(sub, n, path, nil); err != nil {
			return nil, err
		}
		e.img.Entries[path].QuotaBlock = sub.header.DeviceBlock
		m.Flags |= wfs.EntryFlagQuota
		m.Target = first

	default:
		if err := e.buildFile(a, n, path, &m); err != nil {
			return nil, err
		}
	}
	return m.Encode(), nil
}

func (e *encoder) buildFile(a *area, n *node, path string, m *wfs.EntryMetadata) error {
	layout := n.file
	data := n.data
	bs := a.blockSize()
	category := layout.category
	if !layout.forced {
		switch {
		case len(data) <= InlineLimit:
			category = wfs.SizeCategoryInline
		case uint32(len(data)) <= blocksLimit*bs:
			category = wfs.SizeCategoryBlocks
		default:
			category = wfs.SizeCategoryExtents
		}
	}
	encrypted := e.crypter != nil && !layout.plain
	m.Mode = 0o644
	m.FileSize = uint32(len(data))
	m.SizeCategory = category
	if encrypted && category != wfs.SizeCategoryInline {
		m.Flags |= wfs.EntryFlagEncrypted
	}
	place := &Placement{Kind: wfs.KindFile, AreaBlock: a.header.DeviceBlock, Log2BlockSize: a.header.Log2BlockSize, UnitBlocks: 1}
	e.img.Entries[path] = place

	switch category {
	case wfs.SizeCategoryInline:
		m.Payload = data
		m.SizeOnDisk = uint32(len(data))
		return nil

	case wfs.SizeCategoryBlocks, wfs.SizeCategoryLargeBlocks:
		if category == wfs.SizeCategoryLargeBlocks {
			place.UnitBlocks = wfs.LargeBlockBlocks
		}
		unitSize := int(place.UnitBlocks * bs)
		for off := 0; off < len(data); off += unitSize {
			if layout.fragmented && off > 0 {
				a.skip()
			}
			block, err := a.alloc(place.UnitBlocks)
			if err != nil {
				return err
			}
			hash := e.writeData(a, block, data[off:min(off+unitSize, len(data))], unitSize, encrypted)
			m.Payload = wfs.AppendDataUnitRecord(m.Payload, block, hash)
			place.Units = append(place.Units, block)
		}
		m.SizeOnDisk = uint32(len(place.Units) * unitSize)
		return nil

	case wfs.SizeCategoryExtents:
		return e.buildExtents(a, layout, data, encrypted, place, m)
	}
	return fmt.Errorf("%q: unknown size category %d", path, category)
}

type extent struct {
	first  uint32
	hashes [][wfs.HashSize]byte
}

func (e *encoder) buildExtents(a *area, layout fileLayout, data []byte, encrypted bool, place *Placement, m *wfs.EntryMetadata) error {
	bs := int(a.blockSize())
	maxHashes := (bs - wfs.ExtentsRecordsOffset - wfs.ExtentRecordHeaderSize) / wfs.HashSize
	var extents []extent
	for off := 0; off < len(data); off += bs {
		if layout.fragmented && off > 0 {
			a.skip()
		}
		block, err := a.alloc(1)
		if err != nil {
			return err
		}
		hash := e.writeData(a, block, data[off:min(off+bs, len(data))], bs, encrypted)
		place.Units = append(place.Units, block)
		if n := len(extents); n > 0 {
			last := &extents[n-1]
			if last.first+uint32(len(last.hashes)) == block && len(last.hashes) < maxHashes {
				last.hashes = append(last.hashes, hash)
				continue
			}
		}
		extents = append(extents, extent{first: block, hashes: [][wfs.HashSize]byte{hash}})
	}
	m.SizeOnDisk = uint32(len(place.Units) * bs)

	// group extent records into chained extents blocks
	var groups [][]extent
	used := bs
	for _, ext := range extents {
		size := wfs.ExtentRecordSize(len(ext.hashes))
		full := used+size > bs-wfs.ExtentsRecordsOffset
		if n := len(groups); n > 0 && layout.extentsPerBlock > 0 && len(groups[n-1]) >= layout.extentsPerBlock {
			full = true
		}
		if len(groups) == 0 || full {
			groups = append(groups, nil)
			used = 0
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], ext)
		used += size
	}
	if len(groups) == 0 {
		groups = append(groups, nil)
	}
	chain := make([]uint32, len(groups))
	for i := range groups {
		block, err := a.alloc(1)
		if err != nil {
			return err
		}
		chain[i] = block
	}
	for i, group := range groups {
		next := uint32(0)
		if i+1 < len(chain) {
			next = chain[i+1]
		}
		e.writeMetadata(a.header.DeviceBlock, a.header.Log2BlockSize, chain[i], wfs.BlockFlagExtents, func(b []byte) {
			header := wfs.ExtentsHeader{NextBlock: next, RecordsCount: uint16(len(group))}
			header.ToBuf(b[wfs.ExtentsHeaderOffset:])
			var records []byte
			for _, ext := range group {
				records = wfs.AppendExtentRecord(records, ext.first, ext.hashes)
			}
			copy(b[wfs.ExtentsRecordsOffset:], records)
		})
	}
	place.ChainBlocks = chain
	m.Payload = binary.BigEndian.AppendUint32(nil, chain[0])
	return nil
}

// writeData stores one data unit padded to unitSize and returns the
// hash of its plaintext.
func (e *encoder) writeData(a *area, block uint32, chunk []byte, unitSize int, encrypted bool) [wfs.HashSize]byte {
	unit := make([]byte, unitSize)
	copy(unit, chunk)
	hash := wfs.DataHash(unit)
	offset := int64(a.header.DeviceBlock)<<wfs.Log2BasicBlockSize + int64(block)<<a.header.Log2BlockSize
	e.store(offset, unit, encrypted)
	return hash
}

type treeNode struct {
	first string
	block uint32
}

// writeTree stores records as a tree of directory blocks and returns
// the root block.
func (e *encoder) writeTree(a *area, records []leafRecord, path string) (uint32, error) {
	place := &Placement{Kind: wfs.KindDirectory, AreaBlock: a.header.DeviceBlock, Log2BlockSize: a.header.Log2BlockSize}
	e.img.Entries[path] = place

	kind := wfs.DirectoryNodeLeaf
	for {
		groups, err := e.groupRecords(a, records)
		if err != nil {
			return 0, fmt.Errorf("%q: %w", path, err)
		}
		var nodes []treeNode
		for _, group := range groups {
			block, err := a.alloc(1)
			if err != nil {
				return 0, err
			}
			place.NodeBlocks = append(place.NodeBlocks, block)
			e.writeNode(a, block, kind, group)
			first := ""
			if len(group) > 0 {
				first = group[0].name
			}
			nodes = append(nodes, treeNode{first: first, block: block})
		}
		if len(nodes) == 1 {
			return nodes[0].block, nil
		}
		records = records[:0:0]
		for _, n := range nodes {
			records = append(records, leafRecord{name: n.first, encoded: wfs.AppendInternalRecord(nil, n.first, n.block)})
		}
		kind = wfs.DirectoryNodeInternal
	}
}

func (e *encoder) groupRecords(a *area, records []leafRecord) ([][]leafRecord, error) {
	capacity := int(a.blockSize()) - wfs.DirectoryRecordsOffset
	groups := [][]leafRecord{nil}
	used := 0
	for _, record := range records {
		if len(record.encoded) > capacity {
			return nil, fmt.Errorf("record %q does not fit a directory block", record.name)
		}
		current := groups[len(groups)-1]
		full := used+len(record.encoded) > capacity
		if e.opts.MaxLeafRecords > 0 && len(current) >= e.opts.MaxLeafRecords {
			full = true
		}
		if full {
			groups = append(groups, nil)
			used = 0
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], record)
		used += len(record.encoded)
	}
	return groups, nil
}

func (e *encoder) writeNode(a *area, block uint32, kind wfs.DirectoryNodeKind, records []leafRecord) {
	var body []byte
	for _, record := range records {
		body = append(body, record.encoded...)
	}
	e.writeMetadata(a.header.DeviceBlock, a.header.Log2BlockSize, block, wfs.BlockFlagDirectory, func(b []byte) {
		header := wfs.DirectoryNodeHeader{Kind: kind, RecordsCount: uint16(len(records)), UsedBytes: uint16(len(body))}
		header.ToBuf(b[wfs.DirectoryNodeOffset:])
		copy(b[wfs.DirectoryRecordsOffset:], body)
	})
}
