package wfs

import "fmt"

// CheckProblem is one inconsistency found by Check.
type CheckProblem struct {
	Path   string
	Err    error
	Detail string
}

func (p CheckProblem) String() string {
	if p.Detail == "" {
		return fmt.Sprintf("%s: %v", p.Path, p.Err)
	}
	return fmt.Sprintf("%s: %v (%s)", p.Path, p.Err, p.Detail)
}

// CheckReport summarizes a Check run.
type CheckReport struct {
	Problems    []CheckProblem
	Quotas      int
	Directories int
	Files       int
	Links       int
	DataUnits   int
}

// OK reports whether no problem was found.
func (r *CheckReport) OK() bool {
	return len(r.Problems) == 0
}

type checker struct {
	d      *WfsDevice
	report *CheckReport
}

// blockUsage records which blocks of one quota are referenced.
type blockUsage struct {
	q    *QuotaArea
	path string
	used []bool
}

// Check walks every quota, directory and file, reading and verifying
// every metadata block and data unit, and reconciles each allocator
// with the blocks actually referenced. Problems are collected per path
// and the walk goes on past them.
func (d *WfsDevice) Check() (*CheckReport, error) {
	root, err := d.RootArea()
	if err != nil {
		return nil, err
	}
	c := &checker{d: d, report: &CheckReport{}}
	c.checkQuota(root, PathSeparator)
	return c.report, nil
}

func (c *checker) problem(path string, err error, format string, args ...any) {
	c.report.Problems = append(c.report.Problems, CheckProblem{Path: path, Err: err, Detail: fmt.Sprintf(format, args...)})
	c.d.logger.Debug("check problem", "path", path, "err", err)
}

func (u *blockUsage) mark(c *checker, path string, block, count uint32) {
	for b := block; b < block+count && b < uint32(len(u.used)); b++ {
		if u.used[b] {
			c.problem(path, ErrFreeBlocksAllocatorCorrupted, "block %d referenced twice", b)
			continue
		}
		u.used[b] = true
	}
}

func (c *checker) checkQuota(q *QuotaArea, path string) {
	c.report.Quotas++
	usage := &blockUsage{q: q, path: path, used: make([]bool, q.header.BlocksCount)}
	usage.mark(c, path, 0, 1)
	usage.mark(c, path, q.header.AllocatorBlock, q.header.AllocatorBlocks)
	if q == c.d.root && c.d.transactions != nil {
		c.markArea(usage, path, &c.d.transactions.Area)
	}

	dir, err := q.RootDirectory()
	if err != nil {
		c.problem(path, err, "root directory")
		return
	}
	c.checkDirectory(usage, dir, path)
	c.reconcile(usage)
}

// markArea marks the blocks of usage's quota that a nested area spans.
func (c *checker) markArea(usage *blockUsage, path string, area *Area) {
	shift := usage.q.header.Log2BlockSize - Log2BasicBlockSize
	first := (area.header.DeviceBlock - usage.q.header.DeviceBlock) >> shift
	span := area.header.DeviceBlocks()
	count := uint32((span + (1 << shift) - 1) >> shift)
	usage.mark(c, path, first, count)
}

func (c *checker) markNodes(usage *blockUsage, dir *Directory, block uint32, path string, depth int) {
	if depth >= maxDirectoryDepth {
		return
	}
	node, err := dir.loadNode(usage.q, block)
	if err != nil {
		return
	}
	usage.mark(c, path, block, 1)
	if node.kind == DirectoryNodeInternal {
		for _, record := range node.records {
			c.markNodes(usage, dir, record.child, path, depth+1)
		}
	}
}

func (c *checker) checkDirectory(usage *blockUsage, dir *Directory, path string) {
	c.report.Directories++
	c.markNodes(usage, dir, dir.rootBlock, path, 0)
	for item := range dir.All() {
		itemPath := JoinPath(path, item.Name)
		if item.Err != nil {
			c.problem(itemPath, item.Err, "")
			continue
		}
		switch entry := item.Entry.(type) {
		case *Directory:
			if !entry.IsQuota() {
				c.checkDirectory(usage, entry, itemPath)
				continue
			}
			sub, err := entry.Quota()
			if err != nil {
				c.problem(itemPath, err, "quota")
				continue
			}
			c.markArea(usage, itemPath, &sub.Area)
			c.checkQuota(sub, itemPath)
		case *File:
			c.checkFile(usage, entry, itemPath)
		case *Link:
			c.report.Links++
		}
	}
}

func (c *checker) checkFile(usage *blockUsage, file *File, path string) {
	c.report.Files++
	if file.SizeCategory() == SizeCategoryInline {
		return
	}
	units, q, err := file.dataUnits()
	if err != nil {
		c.problem(path, err, "extents")
		return
	}
	for _, block := range file.chain {
		usage.mark(c, path, block, 1)
	}
	for _, unit := range units {
		usage.mark(c, path, unit.block, unit.blocks)
		c.report.DataUnits++
		if _, err := q.readData(unit.block, unit.blocks, file.IsEncrypted(), unit.hash); err != nil {
			c.problem(path, err, "data unit at block %d", unit.block)
		}
	}
}

// reconcile compares the referenced blocks with the allocator bitmap,
// reporting each disagreeing run once.
func (c *checker) reconcile(usage *blockUsage) {
	allocator, err := usage.q.GetFreeBlocksAllocator()
	if err != nil {
		c.problem(usage.path, err, "allocator")
		return
	}
	report := func(first, count uint32, used bool) {
		if used {
			c.problem(usage.path, ErrFreeBlocksAllocatorCorrupted, "blocks %d-%d in use but marked free", first, first+count-1)
		} else {
			c.problem(usage.path, ErrFreeBlocksAllocatorCorrupted, "blocks %d-%d unreferenced but allocated", first, first+count-1)
		}
	}
	var runStart, runLength uint32
	var runUsed bool
	for block := uint32(0); block < usage.q.header.BlocksCount; block++ {
		used := usage.used[block]
		if used != allocator.IsFree(block) {
			if runLength > 0 {
				report(runStart, runLength, runUsed)
				runLength = 0
			}
			continue
		}
		if runLength > 0 && runUsed == used && runStart+runLength == block {
			runLength++
			continue
		}
		if runLength > 0 {
			report(runStart, runLength, runUsed)
		}
		runStart, runLength, runUsed = block, 1, used
	}
	if runLength > 0 {
		report(runStart, runLength, runUsed)
	}
}
