package wfs

import (
	"fmt"
	"io/fs"
	"strings"
	"time"
)

// EntryKind tags the variants of Entry.
type EntryKind uint8

const (
	KindFile EntryKind = iota
	KindDirectory
	KindLink
)

func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindLink:
		return "link"
	}
	return fmt.Sprintf("EntryKind(%d)", uint8(k))
}

// Entry is a named filesystem object: *File, *Directory or *Link.
// Entries are views over metadata read from the device; they do not
// hold areas themselves but resolve them through the device on each
// access, and stop working once the device is closed.
type Entry interface {
	Name() string
	Kind() EntryKind
	Owner() uint32
	Group() uint32
	Mode() uint32
	CreationTime() uint32
	ModificationTime() uint32
	Metadata() EntryMetadata

	base() *entryBase
}

type entryBase struct {
	dev      *WfsDevice
	name     string
	metadata EntryMetadata
}

func (e *entryBase) base() *entryBase        { return e }
func (e *entryBase) Name() string             { return e.name }
func (e *entryBase) Owner() uint32            { return e.metadata.Owner }
func (e *entryBase) Group() uint32            { return e.metadata.Group }
func (e *entryBase) Mode() uint32             { return e.metadata.Mode }
func (e *entryBase) CreationTime() uint32     { return e.metadata.CreationTime }
func (e *entryBase) ModificationTime() uint32 { return e.metadata.ModificationTime }

// Metadata returns a copy of the decoded metadata record.
func (e *entryBase) Metadata() EntryMetadata {
	m := e.metadata
	m.Payload = append([]byte(nil), e.metadata.Payload...)
	return m
}

// ModTime converts the modification timestamp.
func (e *entryBase) ModTime() time.Time {
	return time.Unix(int64(e.metadata.ModificationTime), 0).UTC()
}

// FileMode converts the POSIX-like mode bits, adding the type bits of
// the entry kind.
func FileMode(e Entry) fs.FileMode {
	mode := fs.FileMode(e.Mode() & 0o777)
	switch e.Kind() {
	case KindDirectory:
		mode |= fs.ModeDir
	case KindLink:
		mode |= fs.ModeSymlink
	}
	return mode
}

// AsFile returns e as a *File, or ErrNotFile.
func AsFile(e Entry) (*File, error) {
	if f, ok := e.(*File); ok {
		return f, nil
	}
	return nil, ErrNotFile
}

// AsDirectory returns e as a *Directory, or ErrNotDirectory.
func AsDirectory(e Entry) (*Directory, error) {
	if d, ok := e.(*Directory); ok {
		return d, nil
	}
	return nil, ErrNotDirectory
}

// Link is a symbolic link entry. Links are not followed by lookups.
type Link struct {
	entryBase
}

// ensure Link implements Entry
var _ Entry = (*Link)(nil)

func (l *Link) Kind() EntryKind { return KindLink }

// Target is the path the link points to.
func (l *Link) Target() string {
	return string(l.metadata.Payload)
}

// newEntry decodes a directory leaf record into its entry variant.
// Failures are scoped to this entry: the caller reports them for the
// one name and keeps going.
func newEntry(dev *WfsDevice, quota *QuotaArea, name string, record []byte) (Entry, error) {
	metadata, err := DecodeEntryMetadata(record)
	if err != nil {
		return nil, err
	}
	base := entryBase{dev: dev, name: name, metadata: *metadata}
	base.metadata.Payload = append([]byte(nil), metadata.Payload...)

	flags := metadata.Flags
	switch {
	case flags&EntryFlagLink != 0:
		if flags&(EntryFlagDirectory|EntryFlagQuota) != 0 || strings.IndexByte(string(metadata.Payload), 0) >= 0 {
			return nil, ErrFileMetadataCorrupted
		}
		return &Link{entryBase: base}, nil

	case flags&EntryFlagDirectory != 0:
		owner := quota
		rootBlock := metadata.Target
		if flags&EntryFlagQuota != 0 {
			sub, err := quota.subQuota(metadata.Target)
			if err != nil {
				return nil, err
			}
			owner = sub
			rootBlock = sub.header.RootDirectoryBlock
		}
		dir := &Directory{entryBase: base, areaRef: owner.header.DeviceBlock, rootBlock: rootBlock}
		if _, err := dir.loadNode(owner, rootBlock); err != nil {
			return nil, err
		}
		return dir, nil

	case flags&EntryFlagQuota != 0:
		return nil, ErrFileMetadataCorrupted
	}

	file := &File{entryBase: base, areaRef: quota.header.DeviceBlock}
	if err := file.validate(quota); err != nil {
		return nil, err
	}
	return file, nil
}
