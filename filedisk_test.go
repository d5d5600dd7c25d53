package wfs_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/rstms/wfs"
	"github.com/rstms/wfs/internal/wfstest"
	"github.com/stretchr/testify/require"
)

func writeImageFile(t *testing.T, img *wfstest.Image) string {
	path := filepath.Join(t.TempDir(), "wfs.img")
	require.Nil(t, os.WriteFile(path, img.Disk.Bytes(), 0o600))
	return path
}

func TestFileDiskReadOnly(t *testing.T) {
	data := wfstest.Pattern(4*4096+1, 6)
	img := wfstest.New(wfstest.Options{Log2SectorSize: 11}).File("/data.bin", data).MustBuild()
	path := writeImageFile(t, img)

	disk, err := wfs.OpenFileDisk(path, true)
	require.Nil(t, err)
	defer disk.Close()
	require.True(t, disk.IsReadOnly())
	require.Equal(t, int64(len(img.Disk.Bytes())), disk.Size())
	require.Equal(t, uint32(wfs.DefaultLog2SectorSize), disk.Log2SectorSize())

	d, err := wfs.Open(disk, nil)
	require.Nil(t, err)
	require.Equal(t, uint32(11), disk.Log2SectorSize())
	require.Equal(t, data, readAll(t, d, "/data.bin"))

	root, err := d.RootArea()
	require.Nil(t, err)
	_, err = root.AllocBlocks(1)
	require.ErrorIs(t, err, fs.ErrPermission)
	require.Nil(t, d.Close())
}

func TestFileDiskWriteBack(t *testing.T) {
	img := wfstest.New(wfstest.Options{}).File("/a", []byte("a")).MustBuild()
	path := writeImageFile(t, img)

	disk, err := wfs.OpenFileDisk(path, false)
	require.Nil(t, err)
	require.False(t, disk.IsReadOnly())
	d, err := wfs.Open(disk, nil)
	require.Nil(t, err)
	root, err := d.RootArea()
	require.Nil(t, err)
	free, err := root.FreeBlocksCount()
	require.Nil(t, err)
	_, err = root.AllocBlocks(4)
	require.Nil(t, err)
	require.Nil(t, d.Close())
	require.Nil(t, disk.Close())

	disk, err = wfs.OpenFileDisk(path, true)
	require.Nil(t, err)
	defer disk.Close()
	d, err = wfs.Open(disk, nil)
	require.Nil(t, err)
	root, err = d.RootArea()
	require.Nil(t, err)
	after, err := root.FreeBlocksCount()
	require.Nil(t, err)
	require.Equal(t, free-4, after)
}

func TestOpenFileDiskMissing(t *testing.T) {
	_, err := wfs.OpenFileDisk(filepath.Join(t.TempDir(), "nope.img"), true)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestFileDiskSectorIO(t *testing.T) {
	data := wfstest.Pattern(3*512+100, 8)
	path := filepath.Join(t.TempDir(), "raw.img")
	require.Nil(t, os.WriteFile(path, data, 0o600))

	disk, err := wfs.OpenFileDisk(path, false)
	require.Nil(t, err)
	defer disk.Close()
	require.Equal(t, uint32(3), disk.SectorsCount())

	buf := make([]byte, 512)
	require.Nil(t, disk.ReadSectors(buf, 2, 1))
	require.Equal(t, data[1024:1536], buf)

	var rangeErr *wfs.SectorRangeError
	err = disk.ReadSectors(buf, 3, 1)
	require.True(t, errors.As(err, &rangeErr))

	copy(buf, wfstest.Pattern(512, 9))
	require.Nil(t, disk.WriteSectors(buf, 1, 1))
	require.Nil(t, disk.Sync())
	back := make([]byte, 2*512)
	require.Nil(t, disk.ReadSectors(back, 0, 2))
	require.Equal(t, data[:512], back[:512])
	require.Equal(t, wfstest.Pattern(512, 9), back[512:])
}
