package wfs_test

import (
	"errors"
	"log"
	"testing"

	"github.com/rstms/wfs"
	"github.com/rstms/wfs/internal/wfstest"
	"github.com/stretchr/testify/require"
)

func fullImage(t *testing.T, key []byte) *wfstest.Image {
	img, err := wfstest.New(wfstest.Options{BlocksCount: 1024, Key: key, TransactionsBlocks: 4, MaxLeafRecords: 3}).
		File("/inline.txt", []byte("inline")).
		File("/blocks.bin", wfstest.Pattern(5*4096, 1)).
		File("/large.bin", wfstest.Pattern(9*4096, 2), wfstest.Category(wfs.SizeCategoryLargeBlocks)).
		File("/extents.bin", wfstest.Pattern(7*4096, 3), wfstest.Category(wfs.SizeCategoryExtents), wfstest.Fragmented(), wfstest.ExtentsPerBlock(3)).
		File("/dir/a", []byte("a")).
		File("/dir/b", []byte("b")).
		File("/dir/c", []byte("c")).
		File("/dir/d", []byte("d")).
		Link("/dir/link", "/dir/a").
		File("/q/inside.bin", wfstest.Pattern(3*8192, 4)).
		Quota("/q", 64, wfs.Log2RegularBlockSize).
		File("/q/r/innermost.txt", []byte("innermost")).
		Quota("/q/r", 8, wfs.Log2SmallBlockSize).
		Build()
	require.Nil(t, err)
	return img
}

func TestCheckCleanImage(t *testing.T) {
	for _, key := range [][]byte{nil, wfstest.Pattern(wfs.KeySize, 3)} {
		img := fullImage(t, key)
		d := openImage(t, img)
		report, err := d.Check()
		require.Nil(t, err)
		for _, problem := range report.Problems {
			log.Println(problem)
		}
		require.True(t, report.OK())
		require.Equal(t, 3, report.Quotas)
		require.Equal(t, 10, report.Files)
		require.Equal(t, 1, report.Links)
		require.Equal(t, 4, report.Directories)
		require.Equal(t, 5+2+7+3, report.DataUnits)
	}
}

func TestCheckReportsBadData(t *testing.T) {
	img := fullImage(t, nil)
	placement := img.Entries["/q/inside.bin"]
	img.Flip(img.Offset(placement, placement.Units[2]) + 100)
	d := openImage(t, img)

	report, err := d.Check()
	require.Nil(t, err)
	require.Len(t, report.Problems, 1)
	require.Equal(t, "/q/inside.bin", report.Problems[0].Path)
	require.ErrorIs(t, report.Problems[0].Err, wfs.ErrBlockBadHash)
}

func TestCheckReportsLeakedBlocks(t *testing.T) {
	img := fullImage(t, nil)
	d := openImage(t, img)
	root, err := d.RootArea()
	require.Nil(t, err)
	first, err := root.AllocBlocks(2)
	require.Nil(t, err)

	report, err := d.Check()
	require.Nil(t, err)
	require.Len(t, report.Problems, 1)
	problem := report.Problems[0]
	require.Equal(t, "/", problem.Path)
	require.ErrorIs(t, problem.Err, wfs.ErrFreeBlocksAllocatorCorrupted)
	require.Contains(t, problem.Detail, "unreferenced")

	require.Nil(t, root.FreeBlocks(first, 2))
	report, err = d.Check()
	require.Nil(t, err)
	require.True(t, report.OK())
}

func TestCheckReportsCorruptEntries(t *testing.T) {
	img := fullImage(t, nil)
	placement := img.Entries["/dir"]
	for _, block := range placement.NodeBlocks {
		img.Flip(img.Offset(placement, block) + 0x30)
	}
	d := openImage(t, img)

	report, err := d.Check()
	require.Nil(t, err)
	require.False(t, report.OK())
	var corrupted bool
	for _, problem := range report.Problems {
		if problem.Path == "/dir" && errors.Is(problem.Err, wfs.ErrDirectoryCorrupted) {
			corrupted = true
		}
	}
	require.True(t, corrupted)
}
