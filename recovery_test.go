package wfs_test

import (
	"fmt"
	"testing"

	"github.com/rstms/wfs"
	"github.com/rstms/wfs/internal/wfstest"
	"github.com/stretchr/testify/require"
)

func TestDetectDeviceParams(t *testing.T) {
	for log2 := uint32(wfs.MinLog2SectorSize); log2 <= wfs.MaxLog2SectorSize; log2++ {
		t.Run(fmt.Sprintf("sector%d", 1<<log2), func(t *testing.T) {
			img := wfstest.New(wfstest.Options{Log2SectorSize: log2}).File("/a", []byte("a")).MustBuild()
			expected := img.Disk.SectorsCount()

			for wrong := uint32(wfs.MinLog2SectorSize); wrong <= wfs.MaxLog2SectorSize; wrong++ {
				disk := img.Clone(wrong)
				require.Nil(t, wfs.DetectDeviceParams(disk, nil))
				require.Equal(t, log2, disk.Log2SectorSize())
				require.Equal(t, expected, disk.SectorsCount())

				require.Nil(t, wfs.DetectDeviceParams(disk, nil))
				require.Equal(t, log2, disk.Log2SectorSize())
				require.Equal(t, expected, disk.SectorsCount())
			}
		})
	}
}

func TestDetectOnlyReads(t *testing.T) {
	img := wfstest.New(wfstest.Options{Log2SectorSize: 11}).File("/a", []byte("a")).MustBuild()
	disk := &countingDisk{MemDisk: img.Clone(9)}
	require.Nil(t, wfs.DetectDeviceParams(disk, nil))
	require.Greater(t, disk.reads, 0)
	require.Equal(t, 0, disk.writes)
}

func TestDetectFailureRestoresParams(t *testing.T) {
	disk := wfs.NewMemDisk(make([]byte, 64*4096), 10)
	err := wfs.DetectDeviceParams(disk, nil)
	require.ErrorIs(t, err, wfs.ErrInvalidWfsVersion)
	require.Equal(t, uint32(10), disk.Log2SectorSize())
	require.Equal(t, uint32(64*4), disk.SectorsCount())
}

func TestDetectEncrypted(t *testing.T) {
	key := wfstest.Pattern(wfs.KeySize, 9)
	img := wfstest.New(wfstest.Options{Log2SectorSize: 12, Key: key, Log2BlockSize: wfs.Log2RegularBlockSize}).
		File("/a", wfstest.Pattern(3*8192, 1)).
		MustBuild()

	disk := img.Clone(9)
	require.ErrorIs(t, wfs.DetectDeviceParams(disk, nil), wfs.ErrInvalidWfsVersion)
	require.Nil(t, wfs.DetectDeviceParams(disk, key))
	require.Equal(t, uint32(12), disk.Log2SectorSize())

	d, err := wfs.Open(img.Clone(9), key)
	require.Nil(t, err)
	require.True(t, d.IsEncrypted())
	data := readAll(t, d, "/a")
	require.Equal(t, wfstest.Pattern(3*8192, 1), data)
}

func TestDetectEncryptionKey(t *testing.T) {
	key := wfstest.Pattern(wfs.KeySize, 9)
	img := wfstest.New(wfstest.Options{Key: key}).File("/a", []byte("a")).MustBuild()
	wrong := wfstest.Pattern(wfs.KeySize, 10)

	found, err := wfs.DetectEncryptionKey(img.Clone(9), [][]byte{nil, wrong, key})
	require.Nil(t, err)
	require.Equal(t, key, found)

	_, err = wfs.DetectEncryptionKey(img.Clone(9), [][]byte{wrong})
	require.ErrorIs(t, err, wfs.ErrInvalidWfsVersion)

	plain := wfstest.New(wfstest.Options{}).File("/a", []byte("a")).MustBuild()
	_, err = wfs.DetectEncryptionKey(plain.Disk, [][]byte{key})
	require.ErrorIs(t, err, wfs.ErrInvalidWfsVersion)
}

func TestRecoverDevice(t *testing.T) {
	img := wfstest.New(wfstest.Options{}).
		File("/q/inner.txt", []byte("inner")).
		File("/q/nested/deeper.txt", []byte("deeper")).
		Quota("/q", 64, wfs.Log2SmallBlockSize).
		File("/lost.txt", []byte("lost")).
		MustBuild()
	img.Flip(0x50)

	_, err := wfs.Open(img.Disk, nil)
	require.ErrorIs(t, err, wfs.ErrInvalidWfsVersion)

	found, err := wfs.ScanAreaHeaders(img.Clone(9), nil, nil)
	require.Nil(t, err)
	require.Len(t, found, 1)
	require.Equal(t, img.Entries["/q"].QuotaBlock, found[0].Header.DeviceBlock)
	require.Equal(t, uint16(1), found[0].Header.Depth)

	d, err := wfs.RecoverDevice(img.Disk, wfs.OpenOptions{})
	require.Nil(t, err)
	root, err := d.RootArea()
	require.Nil(t, err)
	require.Equal(t, img.Entries["/q"].QuotaBlock, root.DeviceBlock())
	require.Equal(t, []byte("inner"), readAll(t, d, "/inner.txt"))
	require.Equal(t, []byte("deeper"), readAll(t, d, "/nested/deeper.txt"))
	_, err = d.GetEntry("/lost.txt")
	require.ErrorIs(t, err, wfs.ErrEntryNotFound)
}

func TestRecoverHealthyDevice(t *testing.T) {
	img := wfstest.New(wfstest.Options{}).File("/a", []byte("a")).MustBuild()
	d, err := wfs.RecoverDevice(img.Disk, wfs.OpenOptions{})
	require.Nil(t, err)
	root, err := d.RootArea()
	require.Nil(t, err)
	require.Equal(t, uint32(0), root.DeviceBlock())
}

func TestRecoverNothing(t *testing.T) {
	disk := wfs.NewMemDisk(make([]byte, 16*4096), 9)
	_, err := wfs.RecoverDevice(disk, wfs.OpenOptions{})
	require.ErrorIs(t, err, wfs.ErrInvalidWfsVersion)
}

func TestRecoverDeviceBadKey(t *testing.T) {
	key := wfstest.Pattern(wfs.KeySize, 9)
	img := wfstest.New(wfstest.Options{Key: key}).
		File("/q/inner.txt", []byte("inner")).
		Quota("/q", 64, wfs.Log2SmallBlockSize).
		MustBuild()
	img.Flip(0x50)

	_, err := wfs.RecoverDevice(img.Clone(9), wfs.OpenOptions{Key: key[:5]})
	require.ErrorIs(t, err, wfs.ErrInvalidWfsVersion)

	d, err := wfs.RecoverDevice(img.Clone(9), wfs.OpenOptions{Key: key})
	require.Nil(t, err)
	require.True(t, d.IsEncrypted())
	require.Equal(t, []byte("inner"), readAll(t, d, "/inner.txt"))
}
