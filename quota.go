package wfs

import "sync"

// QuotaArea is an Area that owns a free blocks allocator and roots a
// directory tree. Quotas nest: a quota directory's entry points at the
// header block of a sub-area carved out of its parent.
type QuotaArea struct {
	Area
	parent *QuotaArea

	allocatorMu  sync.Mutex
	allocator    *FreeBlocksAllocator
	allocatorErr error
}

// Parent returns the enclosing quota, nil for the root area.
func (q *QuotaArea) Parent() *QuotaArea {
	return q.parent
}

func (q *QuotaArea) Depth() uint16 {
	return q.header.Depth
}

// GetFreeBlocksAllocator loads the allocator on first use. A corrupted
// allocator is remembered: writes to this quota keep failing while
// reads of its directories and files are unaffected.
func (q *QuotaArea) GetFreeBlocksAllocator() (*FreeBlocksAllocator, error) {
	if err := q.dev.checkOpen(); err != nil {
		return nil, err
	}
	q.allocatorMu.Lock()
	defer q.allocatorMu.Unlock()
	if q.allocator == nil && q.allocatorErr == nil {
		q.allocator, q.allocatorErr = loadFreeBlocksAllocator(q)
	}
	return q.allocator, q.allocatorErr
}

// FreeBlocksCount returns the number of unallocated blocks.
func (q *QuotaArea) FreeBlocksCount() (uint32, error) {
	allocator, err := q.GetFreeBlocksAllocator()
	if err != nil {
		return 0, err
	}
	return allocator.FreeBlocksCount(), nil
}

// AllocBlocks reserves count contiguous blocks and returns the first.
// On ErrNoSpace the allocator is left untouched.
func (q *QuotaArea) AllocBlocks(count uint32) (uint32, error) {
	if q.dev.device.IsReadOnly() {
		return 0, errReadOnlyDevice
	}
	allocator, err := q.GetFreeBlocksAllocator()
	if err != nil {
		return 0, err
	}
	return allocator.Alloc(count)
}

// FreeBlocks returns count blocks starting at first to the allocator.
func (q *QuotaArea) FreeBlocks(first, count uint32) error {
	if q.dev.device.IsReadOnly() {
		return errReadOnlyDevice
	}
	allocator, err := q.GetFreeBlocksAllocator()
	if err != nil {
		return err
	}
	return allocator.Free(first, count)
}

// RootDirectory returns the directory tree rooted in this quota.
func (q *QuotaArea) RootDirectory() (*Directory, error) {
	if err := q.dev.checkOpen(); err != nil {
		return nil, err
	}
	dir := &Directory{
		entryBase: entryBase{dev: q.dev, metadata: EntryMetadata{Flags: EntryFlagDirectory | EntryFlagQuota}},
		areaRef:   q.header.DeviceBlock,
		rootBlock: q.header.RootDirectoryBlock,
	}
	if _, err := dir.loadNode(q, dir.rootBlock); err != nil {
		return nil, err
	}
	return dir, nil
}

// subQuota loads the quota whose header sits at block of q.
func (q *QuotaArea) subQuota(block uint32) (*QuotaArea, error) {
	if !q.contains(block, 1) {
		return nil, ErrAreaHeaderCorrupted
	}
	deviceBlock := q.deviceBlockOf(block)
	if sub, ok := q.dev.lookupArea(deviceBlock); ok {
		return sub, nil
	}
	header, _, err := readAreaHeader(q.dev, deviceBlock, ErrAreaHeaderCorrupted)
	if err != nil {
		return nil, err
	}
	spanStart := uint64(q.header.DeviceBlock)
	spanEnd := spanStart + q.header.DeviceBlocks()
	if !validateAreaHeader(header, deviceBlock, AreaTypeQuota, spanStart, spanEnd) || header.Depth != q.header.Depth+1 {
		return nil, ErrAreaHeaderCorrupted
	}
	sub := &QuotaArea{Area: Area{dev: q.dev, header: *header}, parent: q}
	q.dev.storeArea(sub)
	return sub, nil
}
