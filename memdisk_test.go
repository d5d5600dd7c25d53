package wfs

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDisk(t *testing.T) {
	data := make([]byte, 8*512)
	disk := NewMemDisk(data, 9)
	require.Equal(t, uint32(8), disk.SectorsCount())

	buf := make([]byte, 1024)
	for i := range buf {
		buf[i] = byte(i)
	}
	require.Nil(t, disk.WriteSectors(buf, 3, 2))
	require.Equal(t, buf, data[3*512:5*512])

	out := make([]byte, 1024)
	require.Nil(t, disk.ReadSectors(out, 3, 2))
	require.Equal(t, buf, out)

	err := disk.ReadSectors(out, 7, 2)
	var rangeErr *SectorRangeError
	require.True(t, errors.As(err, &rangeErr))
	require.Equal(t, uint32(8), rangeErr.Limit)
	require.NotNil(t, disk.ReadSectors(out[:100], 0, 1))

	disk.SetLog2SectorSize(10)
	require.Equal(t, uint32(4), disk.SectorsCount())
	disk.SetSectorsCount(2)
	require.NotNil(t, disk.ReadSectors(out, 2, 1))

	disk.SetReadOnly(true)
	require.True(t, disk.IsReadOnly())
	require.True(t, errors.Is(disk.WriteSectors(buf, 0, 1), fs.ErrPermission))
}
