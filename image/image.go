package image

import (
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/rstms/wfs"
	"github.com/rstms/wfs/keys"
)

// FileRecord describes one entry found by ScanFiles.
type FileRecord struct {
	Name       string
	Kind       wfs.EntryKind
	Size       uint32
	SizeOnDisk uint32
	Mode       uint32
	ModTime    uint32
	Owner      uint32
	Group      uint32
	Encrypted  bool
	Quota      bool
	Target     string
	Err        error
}

func (r *FileRecord) IsDir() bool {
	return r.Kind == wfs.KindDirectory
}

// Options control how an image is opened.
type Options struct {
	// Key is the device key. When it is nil and OTP is set, the key is
	// derived from OTP (and SEEPROM for USB images) and detected.
	Key     []byte
	OTP     []byte
	SEEPROM []byte

	// Writable opens the image file for writing.
	Writable bool
	// Recover falls back to scanning for area headers when the
	// superblock cannot be read.
	Recover bool

	Logger *slog.Logger
}

type Image struct {
	Filename string
	disk     *wfs.FileDisk
	dev      *wfs.WfsDevice
	logger   *slog.Logger
}

// OpenImage opens a plain image read-only.
func OpenImage(filename string) (*Image, error) {
	return OpenImageWithOptions(filename, Options{})
}

func OpenImageWithOptions(filename string, opts Options) (*Image, error) {
	if !IsFile(filename) {
		return nil, Fatalf("image not found: %s", filename)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	i := Image{Filename: filename, logger: logger}
	var err error
	i.disk, err = wfs.OpenFileDisk(filename, !opts.Writable)
	if err != nil {
		return nil, Fatal(err)
	}
	key, err := i.resolveKey(opts)
	if err != nil {
		i.closeDisk()
		return nil, fail(err)
	}
	openOptions := wfs.OpenOptions{Key: key, Logger: logger}
	if opts.Recover {
		i.dev, err = wfs.RecoverDevice(i.disk, openOptions)
	} else {
		i.dev, err = wfs.OpenWithOptions(i.disk, openOptions)
	}
	if err != nil {
		i.closeDisk()
		return nil, fail(err)
	}
	logger.Debug("opened image", "filename", filename, "encrypted", i.dev.IsEncrypted())
	return &i, nil
}

// resolveKey picks the device key from the key material in opts.
func (i *Image) resolveKey(opts Options) ([]byte, error) {
	if opts.Key != nil || opts.OTP == nil {
		return opts.Key, nil
	}
	candidates, err := keys.Candidates(opts.OTP, opts.SEEPROM)
	if err != nil {
		return nil, err
	}
	key, err := wfs.DetectEncryptionKey(i.disk, candidates)
	if errors.Is(err, wfs.ErrInvalidWfsVersion) {
		i.logger.Debug("no derived key matches, trying plain image")
		return nil, nil
	}
	return key, err
}

// fail returns format errors as they are so callers can match them,
// and wraps everything else.
func fail(err error) error {
	if _, ok := wfs.AsError(err); ok {
		return err
	}
	return Fatal(err)
}

func (i *Image) closeDevice() error {
	if i.dev != nil {
		err := i.dev.Close()
		i.dev = nil
		if err != nil {
			return fail(err)
		}
	}
	return nil
}

func (i *Image) closeDisk() error {
	if i.disk != nil {
		err := i.disk.Close()
		if err != nil {
			return Fatal(err)
		}
		i.disk = nil
	}
	return nil
}

func (i *Image) Close() error {
	err := i.closeDevice()
	if diskErr := i.closeDisk(); err == nil {
		err = diskErr
	}
	return err
}

// Device returns the open filesystem.
func (i *Image) Device() *wfs.WfsDevice {
	return i.dev
}

// Info summarizes the device and its root area.
func (i *Image) Info() (map[string]any, error) {
	header := i.dev.Header()
	root, err := i.dev.RootArea()
	if err != nil {
		return nil, fail(err)
	}
	info := map[string]any{
		"filename":         i.Filename,
		"size":             i.disk.Size(),
		"version":          header.Version,
		"device_type":      header.DeviceType.String(),
		"encrypted":        i.dev.IsEncrypted(),
		"sector_size":      uint32(1) << i.dev.Log2SectorSize(),
		"sectors":          header.SectorsCount,
		"root_area_block":  root.DeviceBlock(),
		"block_size":       root.BlockSize(),
		"blocks":           root.BlocksCount(),
		"transactions":     header.TransactionsAreaBlocks,
		"transactions_at":  header.TransactionsAreaBlock,
		"free_blocks_err":  "",
		"free_blocks":      uint32(0),
		"read_only_device": i.disk.IsReadOnly(),
	}
	if free, err := root.FreeBlocksCount(); err != nil {
		info["free_blocks_err"] = err.Error()
	} else {
		info["free_blocks"] = free
	}
	return info, nil
}

// ScanFiles lists every entry below the root, depth first in name
// order. Entries that fail to decode are listed with Err set.
func (i *Image) ScanFiles() ([]FileRecord, error) {
	root, err := i.dev.GetRootDirectory()
	if err != nil {
		return nil, fail(err)
	}
	return walk("/", root), nil
}

func newRecord(name string, entry wfs.Entry) FileRecord {
	record := FileRecord{
		Name:    name,
		Kind:    entry.Kind(),
		Mode:    entry.Mode(),
		ModTime: entry.ModificationTime(),
		Owner:   entry.Owner(),
		Group:   entry.Group(),
	}
	switch e := entry.(type) {
	case *wfs.File:
		record.Size = e.Size()
		record.SizeOnDisk = e.SizeOnDisk()
		record.Encrypted = e.IsEncrypted()
	case *wfs.Directory:
		record.Quota = e.IsQuota()
	case *wfs.Link:
		record.Target = e.Target()
	}
	return record
}

func walk(dirPath string, dir *wfs.Directory) []FileRecord {
	records := []FileRecord{}
	for item := range dir.All() {
		name := wfs.JoinPath(dirPath, item.Name)
		if item.Err != nil {
			records = append(records, FileRecord{Name: name, Err: item.Err})
			continue
		}
		records = append(records, newRecord(name, item.Entry))
		if subdir, ok := item.Entry.(*wfs.Directory); ok {
			records = append(records, walk(name, subdir)...)
		}
	}
	return records
}

// CleanPath drops empty segments the way lookups do. Dot segments are
// entry names and are kept.
func CleanPath(name string) string {
	segments := strings.FieldsFunc(name, func(r rune) bool { return r == '/' })
	return wfs.PathSeparator + strings.Join(segments, wfs.PathSeparator)
}

// Stat returns the record of one entry.
func (i *Image) Stat(name string) (*FileRecord, error) {
	entry, err := i.dev.GetEntry(name)
	if err != nil {
		return nil, fail(err)
	}
	record := newRecord(CleanPath(name), entry)
	return &record, nil
}

// List returns the records of the entries directly inside a directory.
func (i *Image) List(name string) ([]FileRecord, error) {
	dir, err := i.dev.GetDirectory(name)
	if err != nil {
		return nil, fail(err)
	}
	records := []FileRecord{}
	for item := range dir.All() {
		itemName := wfs.JoinPath(CleanPath(name), item.Name)
		if item.Err != nil {
			records = append(records, FileRecord{Name: itemName, Err: item.Err})
			continue
		}
		records = append(records, newRecord(itemName, item.Entry))
	}
	return records, nil
}

// IsDir reports whether name is a directory. Missing names, and names
// below a file, are not directories rather than errors.
func (i *Image) IsDir(name string) (bool, error) {
	if strings.Trim(name, "/") == "" {
		return true, nil
	}
	_, err := i.dev.GetDirectory(name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, wfs.ErrEntryNotFound), errors.Is(err, wfs.ErrNotDirectory):
		return false, nil
	}
	return false, fail(err)
}

// Open returns a stream over the data of a file.
func (i *Image) Open(filename string) (*wfs.FileStream, error) {
	file, err := i.dev.GetFile(filename)
	if err != nil {
		return nil, fail(err)
	}
	stream, err := file.NewStream()
	if err != nil {
		return nil, fail(err)
	}
	return stream, nil
}

// CopyFile writes the data of a file to w.
func (i *Image) CopyFile(w io.Writer, filename string) (int64, error) {
	stream, err := i.Open(filename)
	if err != nil {
		return 0, err
	}
	count, err := io.Copy(w, stream)
	if err != nil {
		return count, fail(err)
	}
	if count != stream.Size() {
		return count, Fatalf("read count mismatch; expected %d, read %d", stream.Size(), count)
	}
	return count, nil
}

// ReadFile returns the data of a file.
func (i *Image) ReadFile(filename string) ([]byte, error) {
	stream, err := i.Open(filename)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fail(err)
	}
	return data, nil
}

// Check runs a full consistency check.
func (i *Image) Check() (*wfs.CheckReport, error) {
	report, err := i.dev.Check()
	if err != nil {
		return nil, fail(err)
	}
	return report, nil
}
