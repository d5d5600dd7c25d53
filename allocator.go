package wfs

import (
	"fmt"
	"math/bits"
	"sync"
)

// FreeBlocksAllocator tracks free blocks of a quota with a bitmap
// spread over the quota's allocator blocks. A set bit marks a free
// block. The stored free count must agree with the bitmap. Methods are
// safe for concurrent use.
type FreeBlocksAllocator struct {
	mu           sync.Mutex
	quota        *QuotaArea
	header       AllocatorHeader
	blocks       [][]byte
	bitsPerBlock uint32
}

func loadFreeBlocksAllocator(q *QuotaArea) (*FreeBlocksAllocator, error) {
	a := &FreeBlocksAllocator{
		quota:        q,
		bitsPerBlock: AllocatorBitsPerBlock(q.header.Log2BlockSize),
	}
	for i := uint32(0); i < q.header.AllocatorBlocks; i++ {
		data, err := q.readMetadata(q.header.AllocatorBlock+i, BlockFlagAllocator, ErrFreeBlocksAllocatorCorrupted)
		if err != nil {
			return nil, err
		}
		a.blocks = append(a.blocks, data)
	}
	a.header.FromBuf(a.blocks[0][AllocatorHeaderOffset:])
	if a.header.BitsCount != q.header.BlocksCount {
		return nil, ErrFreeBlocksAllocatorCorrupted
	}
	if a.countFree() != a.header.FreeBlocksCount {
		q.dev.logger.Debug("allocator free count mismatch",
			"area", q.header.DeviceBlock, "stored", a.header.FreeBlocksCount, "counted", a.countFree())
		return nil, ErrFreeBlocksAllocatorCorrupted
	}
	return a, nil
}

func (a *FreeBlocksAllocator) FreeBlocksCount() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.header.FreeBlocksCount
}

// BlocksCount is the number of blocks the bitmap covers.
func (a *FreeBlocksAllocator) BlocksCount() uint32 {
	return a.header.BitsCount
}

func (a *FreeBlocksAllocator) locate(block uint32) (data []byte, index uint32, mask byte) {
	data = a.blocks[block/a.bitsPerBlock]
	bit := block % a.bitsPerBlock
	return data, AllocatorBitmapOffset + bit/8, 0x80 >> (bit % 8)
}

// IsFree reports whether block is unallocated.
func (a *FreeBlocksAllocator) IsFree(block uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isFree(block)
}

func (a *FreeBlocksAllocator) isFree(block uint32) bool {
	if block >= a.header.BitsCount {
		return false
	}
	data, index, mask := a.locate(block)
	return data[index]&mask != 0
}

func (a *FreeBlocksAllocator) set(block uint32, free bool) {
	data, index, mask := a.locate(block)
	if free {
		data[index] |= mask
	} else {
		data[index] &^= mask
	}
}

func (a *FreeBlocksAllocator) countFree() uint32 {
	var total uint32
	remaining := a.header.BitsCount
	for _, data := range a.blocks {
		if remaining == 0 {
			break
		}
		n := min(remaining, a.bitsPerBlock)
		bitmap := data[AllocatorBitmapOffset:]
		full := n / 8
		for _, b := range bitmap[:full] {
			total += uint32(bits.OnesCount8(b))
		}
		if rest := n % 8; rest != 0 {
			total += uint32(bits.OnesCount8(bitmap[full] & (0xff << (8 - rest))))
		}
		remaining -= n
	}
	return total
}

// findRun returns the first run of count free blocks.
func (a *FreeBlocksAllocator) findRun(count uint32) (uint32, bool) {
	var start, length uint32
	for block := uint32(0); block < a.header.BitsCount; block++ {
		if !a.isFree(block) {
			length = 0
			continue
		}
		if length == 0 {
			start = block
		}
		length++
		if length == count {
			return start, true
		}
	}
	return 0, false
}

// Alloc reserves count contiguous blocks. It returns ErrNoSpace, with
// nothing changed, when no run is long enough.
func (a *FreeBlocksAllocator) Alloc(count uint32) (uint32, error) {
	if count == 0 {
		return 0, fmt.Errorf("allocating zero blocks")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if count > a.header.FreeBlocksCount {
		return 0, ErrNoSpace
	}
	first, ok := a.findRun(count)
	if !ok {
		return 0, ErrNoSpace
	}
	for block := first; block < first+count; block++ {
		a.set(block, false)
	}
	a.header.FreeBlocksCount -= count
	if err := a.store(first, count); err != nil {
		for block := first; block < first+count; block++ {
			a.set(block, true)
		}
		a.header.FreeBlocksCount += count
		return 0, err
	}
	return first, nil
}

// Free releases count blocks starting at first. Releasing a block that
// is already free means the bitmap disagrees with its users, which is
// reported as allocator corruption without changing anything.
func (a *FreeBlocksAllocator) Free(first, count uint32) error {
	if count == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(first)+uint64(count) > uint64(a.header.BitsCount) {
		return ErrFreeBlocksAllocatorCorrupted
	}
	for block := first; block < first+count; block++ {
		if a.isFree(block) {
			return ErrFreeBlocksAllocatorCorrupted
		}
	}
	for block := first; block < first+count; block++ {
		a.set(block, true)
	}
	a.header.FreeBlocksCount += count
	if err := a.store(first, count); err != nil {
		for block := first; block < first+count; block++ {
			a.set(block, false)
		}
		a.header.FreeBlocksCount -= count
		return err
	}
	return nil
}

// store writes back the header block and the bitmap blocks covering
// the changed range as dirty metadata.
func (a *FreeBlocksAllocator) store(first, count uint32) error {
	a.header.ToBuf(a.blocks[0][AllocatorHeaderOffset:])
	touched := map[uint32]bool{0: true}
	for i := first / a.bitsPerBlock; i <= (first+count-1)/a.bitsPerBlock; i++ {
		touched[i] = true
	}
	for i := range touched {
		if err := a.quota.writeMetadata(a.quota.header.AllocatorBlock+i, a.blocks[i]); err != nil {
			return err
		}
	}
	return nil
}
