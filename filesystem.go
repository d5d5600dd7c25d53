package wfs

import (
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
)

// WfsDevice is an open WFS filesystem on a BlockDevice. It owns the
// table of loaded areas; directories, files and streams obtained from
// it refer back to areas by address and fail with fs.ErrClosed once
// the device is closed. The BlockDevice stays owned by the caller.
//
// A WfsDevice and the areas, directories and files obtained from it
// may be used from several goroutines. A FileStream keeps a cursor and
// must not be shared.
type WfsDevice struct {
	mu             sync.Mutex
	device         BlockDevice
	crypter        *BlockCrypter
	log2SectorSize uint32
	dirty          map[uint32]*dirtyBlock

	header       DeviceHeader
	root         *QuotaArea
	transactions *TransactionsArea

	areasMu sync.Mutex
	areas   map[uint32]*QuotaArea

	logger *slog.Logger
	closed atomic.Bool
}

// OpenOptions tune OpenWithOptions.
type OpenOptions struct {
	// Key is the device key; nil opens a plain image.
	Key []byte
	// Logger receives debug output; nil discards it.
	Logger *slog.Logger
}

// Open detects the device parameters if needed, then loads the root
// quota area and its root directory. Failures are returned as is.
func Open(device BlockDevice, key []byte) (*WfsDevice, error) {
	return OpenWithOptions(device, OpenOptions{Key: key})
}

func OpenWithOptions(device BlockDevice, opts OpenOptions) (*WfsDevice, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	crypter, header, err := detectDeviceParams(device, opts.Key, logger, detectPlainAndEncrypted)
	if err != nil {
		return nil, err
	}
	d := newWfsDevice(device, crypter, logger)
	d.header = *header
	logger.Debug("wfs device detected",
		"log2_sector_size", d.log2SectorSize,
		"sectors", device.SectorsCount(),
		"type", header.DeviceType,
		"encrypted", crypter != nil)

	areaHeader, _, err := readAreaHeader(d, 0, ErrAreaHeaderCorrupted)
	if err != nil {
		return nil, err
	}
	if err := d.openRoot(areaHeader); err != nil {
		return nil, err
	}
	if header.TransactionsAreaBlocks != 0 {
		d.transactions, err = loadTransactionsArea(d, header.TransactionsAreaBlock, header.TransactionsAreaBlocks)
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

func newWfsDevice(device BlockDevice, crypter *BlockCrypter, logger *slog.Logger) *WfsDevice {
	return &WfsDevice{
		device:         device,
		crypter:        crypter,
		log2SectorSize: device.Log2SectorSize(),
		dirty:          make(map[uint32]*dirtyBlock),
		areas:          make(map[uint32]*QuotaArea),
		logger:         logger,
	}
}

// openRoot installs the quota described by header as the root area and
// checks that its root directory loads.
func (d *WfsDevice) openRoot(header *AreaHeader) error {
	if !validateAreaHeader(header, header.DeviceBlock, AreaTypeQuota, 0, d.deviceBlocks()) {
		return ErrAreaHeaderCorrupted
	}
	d.root = &QuotaArea{Area: Area{dev: d, header: *header}}
	d.storeArea(d.root)
	_, err := d.root.RootDirectory()
	return err
}

func (d *WfsDevice) checkOpen() error {
	if d.closed.Load() {
		return fs.ErrClosed
	}
	return nil
}

// deviceBlocks is the size of the device in basic blocks.
func (d *WfsDevice) deviceBlocks() uint64 {
	return uint64(d.device.SectorsCount()) >> (Log2BasicBlockSize - d.log2SectorSize)
}

func (d *WfsDevice) storeArea(q *QuotaArea) {
	d.areasMu.Lock()
	defer d.areasMu.Unlock()
	d.areas[q.header.DeviceBlock] = q
}

func (d *WfsDevice) lookupArea(deviceBlock uint32) (*QuotaArea, bool) {
	d.areasMu.Lock()
	defer d.areasMu.Unlock()
	q, ok := d.areas[deviceBlock]
	return q, ok
}

// quotaArea resolves an area reference held by an entry.
func (d *WfsDevice) quotaArea(deviceBlock uint32) (*QuotaArea, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	q, ok := d.lookupArea(deviceBlock)
	if !ok {
		return nil, ErrAreaHeaderCorrupted
	}
	return q, nil
}

// Header returns the decoded superblock.
func (d *WfsDevice) Header() DeviceHeader {
	return d.header
}

// Device returns the underlying block device.
func (d *WfsDevice) Device() BlockDevice {
	return d.device
}

func (d *WfsDevice) IsEncrypted() bool {
	return d.crypter != nil
}

func (d *WfsDevice) Log2SectorSize() uint32 {
	return d.log2SectorSize
}

// RootArea returns the root quota area.
func (d *WfsDevice) RootArea() (*QuotaArea, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	return d.root, nil
}

// TransactionsArea returns the journal area, nil when there is none.
func (d *WfsDevice) TransactionsArea() *TransactionsArea {
	return d.transactions
}

func (d *WfsDevice) GetRootDirectory() (*Directory, error) {
	root, err := d.RootArea()
	if err != nil {
		return nil, err
	}
	return root.RootDirectory()
}

// GetEntry resolves an absolute path from the root directory.
func (d *WfsDevice) GetEntry(path string) (Entry, error) {
	root, err := d.GetRootDirectory()
	if err != nil {
		return nil, err
	}
	return root.GetEntry(path)
}

// GetFile resolves path and fails with ErrNotFile unless it is a file.
func (d *WfsDevice) GetFile(path string) (*File, error) {
	entry, err := d.GetEntry(path)
	if err != nil {
		return nil, err
	}
	return AsFile(entry)
}

// GetDirectory resolves path and fails with ErrNotDirectory unless it
// is a directory.
func (d *WfsDevice) GetDirectory(path string) (*Directory, error) {
	entry, err := d.GetEntry(path)
	if err != nil {
		return nil, err
	}
	return AsDirectory(entry)
}

// syncer is implemented by devices that can make writes durable.
type syncer interface {
	Sync() error
}

// Flush writes pending metadata blocks. With nothing pending it does no
// I/O at all.
func (d *WfsDevice) Flush() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	written, err := d.flushDirty()
	if err != nil || written == 0 {
		return err
	}
	if s, ok := d.device.(syncer); ok {
		return s.Sync()
	}
	return nil
}

// Close flushes pending writes and invalidates the device and every
// entry obtained from it.
func (d *WfsDevice) Close() error {
	if d.closed.Load() {
		return fs.ErrClosed
	}
	err := d.Flush()
	d.closed.Store(true)
	return err
}
