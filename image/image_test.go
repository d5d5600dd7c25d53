package image

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rstms/wfs"
	"github.com/rstms/wfs/internal/wfstest"
	"github.com/rstms/wfs/keys"
	"github.com/stretchr/testify/require"
)

func writeImage(t *testing.T, img *wfstest.Image) string {
	filename := filepath.Join(t.TempDir(), "src.img")
	err := os.WriteFile(filename, img.Disk.Bytes(), 0600)
	require.Nil(t, err)
	return filename
}

func testImage() *wfstest.Builder {
	return wfstest.New(wfstest.Options{Log2SectorSize: 11, BlocksCount: 256}).
		File("/foo", []byte("foo")).
		File("/bar", wfstest.Pattern(3*4096, 1)).
		File("/files/baz", wfstest.Pattern(600, 2)).
		File("/files/howdy", []byte("howdy howdy howdy")).
		Link("/files/link", "/foo").
		File("/save/data.bin", wfstest.Pattern(2*8192, 3)).
		Quota("/save", 32, wfs.Log2RegularBlockSize)
}

func TestImageListFiles(t *testing.T) {
	i, err := OpenImage(writeImage(t, testImage().MustBuild()))
	require.Nil(t, err)
	defer i.Close()
	records, err := i.ScanFiles()
	require.Nil(t, err)
	names := []string{}
	for _, record := range records {
		require.Nil(t, record.Err)
		var attrs string
		if record.IsDir() {
			attrs += "d"
		}
		if record.Quota {
			attrs += "q"
		}
		if record.Target != "" {
			attrs += "l"
		}
		log.Printf("%s size=%d attrs=%s\n", record.Name, record.Size, attrs)
		names = append(names, record.Name)
	}
	require.Equal(t, []string{
		"/bar",
		"/files",
		"/files/baz",
		"/files/howdy",
		"/files/link",
		"/foo",
		"/save",
		"/save/data.bin",
	}, names)
}

func TestImageReadFile(t *testing.T) {
	i, err := OpenImage(writeImage(t, testImage().MustBuild()))
	require.Nil(t, err)
	defer i.Close()

	data, err := i.ReadFile("/files/howdy")
	require.Nil(t, err)
	require.Equal(t, []byte("howdy howdy howdy"), data)

	data, err = i.ReadFile("save/data.bin")
	require.Nil(t, err)
	require.Equal(t, wfstest.Pattern(2*8192, 3), data)

	_, err = i.ReadFile("/missing")
	require.ErrorIs(t, err, wfs.ErrEntryNotFound)

	_, err = i.ReadFile("/files")
	require.ErrorIs(t, err, wfs.ErrNotFile)

	record, err := i.Stat("/files/link")
	require.Nil(t, err)
	require.Equal(t, wfs.KindLink, record.Kind)
	require.Equal(t, "/foo", record.Target)
}

func TestImageIsDir(t *testing.T) {
	i, err := OpenImage(writeImage(t, testImage().MustBuild()))
	require.Nil(t, err)
	defer i.Close()

	for name, expected := range map[string]bool{
		"/":          true,
		"":           true,
		"/files":     true,
		"/save":      true,
		"/foo":       false,
		"/missing":   false,
		"/foo/below": false,
	} {
		isDir, err := i.IsDir(name)
		require.Nil(t, err, name)
		require.Equal(t, expected, isDir, name)
	}

	records, err := i.List("/files")
	require.Nil(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "/files/baz", records[0].Name)
}

func TestImageInfo(t *testing.T) {
	i, err := OpenImage(writeImage(t, testImage().MustBuild()))
	require.Nil(t, err)
	defer i.Close()
	info, err := i.Info()
	require.Nil(t, err)
	require.Equal(t, uint32(2048), info["sector_size"])
	require.Equal(t, uint32(256), info["blocks"])
	require.Equal(t, false, info["encrypted"])
	require.Equal(t, true, info["read_only_device"])
	require.Equal(t, "", info["free_blocks_err"])
	require.Greater(t, info["free_blocks"], uint32(0))
}

func TestImageMissing(t *testing.T) {
	_, err := OpenImage(filepath.Join(t.TempDir(), "missing.img"))
	require.NotNil(t, err)
}

func TestImageKeyFromOTP(t *testing.T) {
	otp := wfstest.Pattern(keys.OTPSize, 5)
	key, err := keys.GetMLCKeyFromOTP(otp)
	require.Nil(t, err)
	img := wfstest.New(wfstest.Options{Key: key}).File("/secret", []byte("secret")).MustBuild()
	filename := writeImage(t, img)

	_, err = OpenImage(filename)
	require.ErrorIs(t, err, wfs.ErrInvalidWfsVersion)

	i, err := OpenImageWithOptions(filename, Options{OTP: otp})
	require.Nil(t, err)
	defer i.Close()
	require.True(t, i.Device().IsEncrypted())
	data, err := i.ReadFile("/secret")
	require.Nil(t, err)
	require.Equal(t, []byte("secret"), data)
}

func TestImagePlainWithOTP(t *testing.T) {
	otp := wfstest.Pattern(keys.OTPSize, 5)
	i, err := OpenImageWithOptions(writeImage(t, testImage().MustBuild()), Options{OTP: otp})
	require.Nil(t, err)
	defer i.Close()
	require.False(t, i.Device().IsEncrypted())
}

func TestImageRecover(t *testing.T) {
	img := testImage().MustBuild()
	img.Flip(0x50)
	filename := writeImage(t, img)

	_, err := OpenImage(filename)
	require.ErrorIs(t, err, wfs.ErrInvalidWfsVersion)

	i, err := OpenImageWithOptions(filename, Options{Recover: true})
	require.Nil(t, err)
	defer i.Close()
	data, err := i.ReadFile("/data.bin")
	require.Nil(t, err)
	require.Equal(t, wfstest.Pattern(2*8192, 3), data)
}

func TestImageExtract(t *testing.T) {
	img := testImage().MustBuild()
	placement := img.Entries["/bar"]
	img.Flip(img.Offset(placement, placement.Units[1]) + 10)
	i, err := OpenImage(writeImage(t, img))
	require.Nil(t, err)
	defer i.Close()

	dstDir := filepath.Join(t.TempDir(), "out")
	manifest, err := i.Extract(dstDir)
	require.Nil(t, err)
	require.Equal(t, 1, manifest.Errors)
	require.Len(t, manifest.Entries, 8)

	data, err := os.ReadFile(filepath.Join(dstDir, "files", "howdy"))
	require.Nil(t, err)
	require.Equal(t, []byte("howdy howdy howdy"), data)
	data, err = os.ReadFile(filepath.Join(dstDir, "save", "data.bin"))
	require.Nil(t, err)
	require.Equal(t, wfstest.Pattern(2*8192, 3), data)
	target, err := os.Readlink(filepath.Join(dstDir, "files", "link"))
	require.Nil(t, err)
	require.Equal(t, "/foo", target)
	require.False(t, IsFile(filepath.Join(dstDir, "bar")))

	entries := map[string]ManifestEntry{}
	for _, entry := range manifest.Entries {
		entries[entry.Path] = entry
	}
	require.Contains(t, entries["/bar"].Error, wfs.ErrBlockBadHash.Error())
	digest, err := i.Digest("/foo")
	require.Nil(t, err)
	require.Equal(t, digest, entries["/foo"].BLAKE3)
	require.Len(t, digest, 64)

	manifestFile := filepath.Join(t.TempDir(), "manifest.yaml")
	require.Nil(t, manifest.WriteFile(manifestFile))
	loaded, err := ReadManifest(manifestFile)
	require.Nil(t, err)
	require.Equal(t, manifest, loaded)
}

func TestImageExtractDotNames(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "outside")
	require.Nil(t, os.Mkdir(outside, 0700))
	img := wfstest.New(wfstest.Options{}).
		Link("/a", outside).
		Dir("/d/../a/escaped_dir").
		File("/d/./x", []byte("x")).
		File("/ok", []byte("ok")).
		MustBuild()
	i, err := OpenImage(writeImage(t, img))
	require.Nil(t, err)
	defer i.Close()

	records, err := i.ScanFiles()
	require.Nil(t, err)
	names := []string{}
	for _, record := range records {
		require.Nil(t, record.Err)
		names = append(names, record.Name)
		stat, err := i.Stat(record.Name)
		require.Nil(t, err, record.Name)
		require.Equal(t, record.Name, stat.Name)
		require.Equal(t, record.Kind, stat.Kind)
	}
	require.Equal(t, []string{
		"/a",
		"/d",
		"/d/.",
		"/d/./x",
		"/d/..",
		"/d/../a",
		"/d/../a/escaped_dir",
		"/ok",
	}, names)

	dstDir := filepath.Join(t.TempDir(), "out")
	manifest, err := i.Extract(dstDir)
	require.Nil(t, err)
	require.Equal(t, 5, manifest.Errors)
	for _, entry := range manifest.Entries {
		if strings.Contains(entry.Path, "/.") {
			require.Equal(t, "unsafe path", entry.Error, entry.Path)
		} else {
			require.Empty(t, entry.Error, entry.Path)
		}
	}

	_, err = os.Stat(filepath.Join(outside, "escaped_dir"))
	require.ErrorIs(t, err, fs.ErrNotExist)
	entries, err := os.ReadDir(outside)
	require.Nil(t, err)
	require.Empty(t, entries)

	target, err := os.Readlink(filepath.Join(dstDir, "a"))
	require.Nil(t, err)
	require.Equal(t, outside, target)
	data, err := os.ReadFile(filepath.Join(dstDir, "ok"))
	require.Nil(t, err)
	require.Equal(t, []byte("ok"), data)
	info, err := os.Stat(filepath.Join(dstDir, "d"))
	require.Nil(t, err)
	require.True(t, info.IsDir())
}
