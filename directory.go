package wfs

import (
	"encoding/binary"
	"iter"
)

// maxDirectoryDepth bounds the height of a directory tree so that a
// corrupted child pointer cannot send a walk around in circles.
const maxDirectoryDepth = 16

// Directory is an Entry holding named entries in a tree of directory
// blocks inside its quota area. The tree is ordered by name: internal
// nodes hold the first name of each child, leaves hold entry metadata.
type Directory struct {
	entryBase
	areaRef   uint32
	rootBlock uint32
}

// ensure Directory implements Entry
var _ Entry = (*Directory)(nil)

// DirectoryItem is one result of iterating a directory. Err is set
// when the entry, or the subtree holding it, could not be decoded; the
// iteration carries on with the following names.
type DirectoryItem struct {
	Name  string
	Entry Entry
	Err   error
}

type directoryRecord struct {
	name     string
	metadata []byte
	child    uint32
}

type directoryNode struct {
	kind    DirectoryNodeKind
	records []directoryRecord
}

func (d *Directory) Kind() EntryKind { return KindDirectory }

// IsQuota reports whether the directory roots its own quota area.
func (d *Directory) IsQuota() bool {
	return d.metadata.Flags&EntryFlagQuota != 0
}

// Quota returns the quota area the directory's tree lives in.
func (d *Directory) Quota() (*QuotaArea, error) {
	return d.dev.quotaArea(d.areaRef)
}

// loadNode reads and decodes one directory block of q.
func (d *Directory) loadNode(q *QuotaArea, block uint32) (*directoryNode, error) {
	data, err := q.readMetadata(block, BlockFlagDirectory, ErrDirectoryCorrupted)
	if err != nil {
		return nil, err
	}
	var header DirectoryNodeHeader
	header.FromBuf(data[DirectoryNodeOffset:])
	if header.Kind != DirectoryNodeLeaf && header.Kind != DirectoryNodeInternal {
		return nil, ErrDirectoryCorrupted
	}
	if int(header.UsedBytes) > len(data)-DirectoryRecordsOffset {
		return nil, ErrDirectoryCorrupted
	}
	records, ok := decodeDirectoryRecords(header, data[DirectoryRecordsOffset:DirectoryRecordsOffset+int(header.UsedBytes)])
	if !ok {
		return nil, ErrDirectoryCorrupted
	}
	if header.Kind == DirectoryNodeInternal && len(records) == 0 {
		return nil, ErrDirectoryCorrupted
	}
	return &directoryNode{kind: header.Kind, records: records}, nil
}

func decodeDirectoryRecords(header DirectoryNodeHeader, b []byte) ([]directoryRecord, bool) {
	records := make([]directoryRecord, 0, header.RecordsCount)
	for i := 0; i < int(header.RecordsCount); i++ {
		if len(b) < 1 {
			return nil, false
		}
		n := int(b[0])
		if len(b) < 1+n {
			return nil, false
		}
		record := directoryRecord{name: string(b[1 : 1+n])}
		b = b[1+n:]
		if !validName(record.name) {
			return nil, false
		}
		if len(records) > 0 && records[len(records)-1].name >= record.name {
			return nil, false
		}
		if header.Kind == DirectoryNodeLeaf {
			if len(b) < 2 {
				return nil, false
			}
			size := int(binary.BigEndian.Uint16(b))
			if len(b) < 2+size {
				return nil, false
			}
			record.metadata = b[2 : 2+size]
			b = b[2+size:]
		} else {
			if len(b) < 4 {
				return nil, false
			}
			record.child = binary.BigEndian.Uint32(b)
			b = b[4:]
		}
		records = append(records, record)
	}
	return records, len(b) == 0
}

// Lookup returns the entry called name. Links are returned as they are,
// not followed.
func (d *Directory) Lookup(name string) (Entry, error) {
	q, err := d.Quota()
	if err != nil {
		return nil, err
	}
	if !validName(name) {
		return nil, ErrEntryNotFound
	}
	block := d.rootBlock
	for depth := 0; ; depth++ {
		if depth >= maxDirectoryDepth {
			return nil, ErrDirectoryCorrupted
		}
		node, err := d.loadNode(q, block)
		if err != nil {
			return nil, err
		}
		if node.kind == DirectoryNodeLeaf {
			for _, record := range node.records {
				if record.name == name {
					return newEntry(d.dev, q, name, record.metadata)
				}
			}
			return nil, ErrEntryNotFound
		}
		// the last child whose first name is not after name
		next := -1
		for i, record := range node.records {
			if record.name > name {
				break
			}
			next = i
		}
		if next < 0 {
			return nil, ErrEntryNotFound
		}
		block = node.records[next].child
	}
}

// GetEntry resolves a path relative to d one segment at a time. An
// empty path resolves to d itself.
func (d *Directory) GetEntry(path string) (Entry, error) {
	if err := d.dev.checkOpen(); err != nil {
		return nil, err
	}
	var entry Entry = d
	for _, segment := range splitPath(path) {
		dir, ok := entry.(*Directory)
		if !ok {
			return nil, ErrNotDirectory
		}
		next, err := dir.Lookup(segment)
		if err != nil {
			return nil, err
		}
		entry = next
	}
	return entry, nil
}

// All iterates the entries of d in name order. A node that fails to
// load is reported as one item named after the first name it should
// hold, and the iteration continues with its siblings.
func (d *Directory) All() iter.Seq[DirectoryItem] {
	return func(yield func(DirectoryItem) bool) {
		q, err := d.Quota()
		if err != nil {
			yield(DirectoryItem{Err: err})
			return
		}
		d.walk(q, d.rootBlock, "", 0, yield)
	}
}

func (d *Directory) walk(q *QuotaArea, block uint32, first string, depth int, yield func(DirectoryItem) bool) bool {
	if depth >= maxDirectoryDepth {
		return yield(DirectoryItem{Name: first, Err: ErrDirectoryCorrupted})
	}
	node, err := d.loadNode(q, block)
	if err != nil {
		return yield(DirectoryItem{Name: first, Err: err})
	}
	for _, record := range node.records {
		if node.kind == DirectoryNodeInternal {
			if !d.walk(q, record.child, record.name, depth+1, yield) {
				return false
			}
			continue
		}
		entry, err := newEntry(d.dev, q, record.name, record.metadata)
		if !yield(DirectoryItem{Name: record.name, Entry: entry, Err: err}) {
			return false
		}
	}
	return true
}

// Entries collects All.
func (d *Directory) Entries() []DirectoryItem {
	var items []DirectoryItem
	for item := range d.All() {
		items = append(items, item)
	}
	return items
}

// Names returns the names of the entries that decode cleanly.
func (d *Directory) Names() []string {
	var names []string
	for item := range d.All() {
		if item.Err == nil {
			names = append(names, item.Name)
		}
	}
	return names
}
