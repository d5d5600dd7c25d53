package wfs

import (
	"log/slog"
	"slices"
)

// detectMode selects which encodings of the superblock are tried.
type detectMode uint8

const (
	detectPlainAndEncrypted detectMode = iota
	detectEncryptedOnly
)

// DetectDeviceParams searches device for a valid superblock and sets its
// sector size and count to the ones the superblock records. The
// current parameters are tried first, so running it on a device that
// is already set up changes nothing. With a key, encrypted superblocks
// are tried before plain ones. It only reads from the device.
func DetectDeviceParams(device BlockDevice, key []byte) error {
	_, _, err := detectDeviceParams(device, key, slog.New(slog.DiscardHandler), detectPlainAndEncrypted)
	return err
}

// DetectEncryptionKey returns the first of candidates that decrypts a
// valid superblock, setting the device parameters as
// DetectDeviceParams does.
func DetectEncryptionKey(device BlockDevice, candidates [][]byte) ([]byte, error) {
	logger := slog.New(slog.DiscardHandler)
	for _, key := range candidates {
		if len(key) == 0 {
			continue
		}
		_, _, err := detectDeviceParams(device, key, logger, detectEncryptedOnly)
		if err == nil {
			return key, nil
		}
		if _, ok := AsError(err); !ok {
			return nil, err
		}
	}
	return nil, ErrInvalidWfsVersion
}

// candidateLog2SectorSizes lists the sector sizes to try, current
// one first.
func candidateLog2SectorSizes(current uint32) []uint32 {
	candidates := []uint32{current}
	for log2 := uint32(MinLog2SectorSize); log2 <= MaxLog2SectorSize; log2++ {
		if log2 != current {
			candidates = append(candidates, log2)
		}
	}
	return candidates
}

func candidateCrypters(key []byte, mode detectMode) ([]*BlockCrypter, error) {
	crypter, err := NewBlockCrypter(key)
	if err != nil {
		return nil, err
	}
	switch {
	case crypter == nil && mode == detectEncryptedOnly:
		return nil, ErrInvalidWfsVersion
	case crypter == nil:
		return []*BlockCrypter{nil}, nil
	case mode == detectEncryptedOnly:
		return []*BlockCrypter{crypter}, nil
	}
	return []*BlockCrypter{crypter, nil}, nil
}

func detectDeviceParams(device BlockDevice, key []byte, logger *slog.Logger, mode detectMode) (*BlockCrypter, *DeviceHeader, error) {
	crypters, err := candidateCrypters(key, mode)
	if err != nil {
		return nil, nil, err
	}
	origLog2 := device.Log2SectorSize()
	origCount := device.SectorsCount()
	totalBytes := uint64(origCount) << origLog2
	restore := func() {
		device.SetLog2SectorSize(origLog2)
		device.SetSectorsCount(origCount)
	}

	for _, log2 := range candidateLog2SectorSizes(origLog2) {
		if log2 != origLog2 {
			device.SetLog2SectorSize(log2)
			device.SetSectorsCount(uint32(min(totalBytes>>log2, uint64(^uint32(0)))))
		}
		for _, crypter := range crypters {
			header, err := readSuperblock(newWfsDevice(device, crypter, logger))
			logger.Debug("probing superblock", "log2_sector_size", log2, "encrypted", crypter != nil, "err", err)
			if err == nil {
				if header.SectorsCount != device.SectorsCount() {
					device.SetSectorsCount(header.SectorsCount)
				}
				return crypter, header, nil
			}
			if _, ok := AsError(err); !ok {
				restore()
				return nil, nil, err
			}
		}
	}
	restore()
	return nil, nil, ErrInvalidWfsVersion
}

// readSuperblock reads the device header from the root area header
// block and checks it against the detected parameters.
func readSuperblock(d *WfsDevice) (*DeviceHeader, error) {
	_, data, err := readAreaHeader(d, 0, ErrInvalidWfsVersion)
	if err != nil {
		return nil, err
	}
	var meta MetadataBlockHeader
	meta.FromBuf(data)
	if meta.Flags&BlockFlagDeviceHeader == 0 {
		return nil, ErrInvalidWfsVersion
	}
	header := &DeviceHeader{}
	header.FromBuf(data[DeviceHeaderOffset:])
	if header.Version != WfsVersion || uint32(header.Log2SectorSize) != d.log2SectorSize {
		return nil, ErrInvalidWfsVersion
	}
	if header.SectorsCount == 0 || header.SectorsCount > d.device.SectorsCount() {
		return nil, ErrInvalidWfsVersion
	}
	return header, nil
}

// FoundArea is an area header located by ScanAreaHeaders.
type FoundArea struct {
	Log2SectorSize uint32
	Encrypted      bool
	Header         AreaHeader
}

// ScanAreaHeaders looks for area headers in every basic block of the
// device, for each candidate sector size and encoding, and returns the
// headers of the first combination that yields any. The device is left
// set to that sector size. It only reads from the device.
func ScanAreaHeaders(device BlockDevice, key []byte, logger *slog.Logger) ([]FoundArea, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	crypters, err := candidateCrypters(key, detectPlainAndEncrypted)
	if err != nil {
		return nil, err
	}
	origLog2 := device.Log2SectorSize()
	origCount := device.SectorsCount()
	totalBytes := uint64(origCount) << origLog2

	for _, log2 := range candidateLog2SectorSizes(origLog2) {
		device.SetLog2SectorSize(log2)
		device.SetSectorsCount(uint32(min(totalBytes>>log2, uint64(^uint32(0)))))
		for _, crypter := range crypters {
			found, err := scanAreaHeaders(newWfsDevice(device, crypter, logger))
			if err != nil {
				device.SetLog2SectorSize(origLog2)
				device.SetSectorsCount(origCount)
				return nil, err
			}
			logger.Debug("scanned area headers", "log2_sector_size", log2, "encrypted", crypter != nil, "found", len(found))
			if len(found) > 0 {
				return found, nil
			}
		}
	}
	device.SetLog2SectorSize(origLog2)
	device.SetSectorsCount(origCount)
	return nil, ErrAreaHeaderCorrupted
}

func scanAreaHeaders(d *WfsDevice) ([]FoundArea, error) {
	var found []FoundArea
	blocks := d.deviceBlocks()
	for block := uint64(0); block < blocks; block++ {
		header, _, err := readAreaHeader(d, uint32(block), ErrAreaHeaderCorrupted)
		if err != nil {
			if _, ok := AsError(err); ok {
				continue
			}
			return nil, err
		}
		if !validateAreaHeader(header, uint32(block), header.Type, 0, blocks) {
			continue
		}
		found = append(found, FoundArea{
			Log2SectorSize: d.log2SectorSize,
			Encrypted:      d.crypter != nil,
			Header:         *header,
		})
	}
	return found, nil
}

// RecoverDevice opens device, falling back to a scan for area headers
// when the superblock or root area cannot be read. The recovered root
// is the shallowest, then largest, quota area whose root directory
// loads; the transactions area is not used.
func RecoverDevice(device BlockDevice, opts OpenOptions) (*WfsDevice, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d, err := OpenWithOptions(device, opts)
	if err == nil {
		return d, nil
	}
	if _, ok := AsError(err); !ok {
		return nil, err
	}
	logger.Debug("open failed, scanning for area headers", "err", err)

	found, scanErr := ScanAreaHeaders(device, opts.Key, logger)
	if scanErr != nil {
		return nil, err
	}
	quotas := slices.DeleteFunc(found, func(f FoundArea) bool {
		return f.Header.Type != AreaTypeQuota
	})
	slices.SortStableFunc(quotas, func(a, b FoundArea) int {
		if a.Header.Depth != b.Header.Depth {
			return int(a.Header.Depth) - int(b.Header.Depth)
		}
		switch {
		case a.Header.DeviceBlocks() > b.Header.DeviceBlocks():
			return -1
		case a.Header.DeviceBlocks() < b.Header.DeviceBlocks():
			return 1
		}
		return 0
	})

	for _, candidate := range quotas {
		var crypter *BlockCrypter
		if candidate.Encrypted {
			var keyErr error
			crypter, keyErr = NewBlockCrypter(opts.Key)
			if keyErr != nil {
				logger.Debug("recovery candidate rejected", "device_block", candidate.Header.DeviceBlock, "err", keyErr)
				continue
			}
		}
		recovered := newWfsDevice(device, crypter, logger)
		recovered.header = DeviceHeader{
			Version:        WfsVersion,
			Log2SectorSize: uint8(candidate.Log2SectorSize),
			SectorsCount:   device.SectorsCount(),
		}
		header := candidate.Header
		if rootErr := recovered.openRoot(&header); rootErr != nil {
			logger.Debug("recovery candidate rejected", "device_block", header.DeviceBlock, "err", rootErr)
			continue
		}
		logger.Info("recovered device", "root_area", header.DeviceBlock, "depth", header.Depth)
		return recovered, nil
	}
	return nil, err
}
