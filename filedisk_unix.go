//go:build darwin || linux

package wfs

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// statFile returns the medium size and whether the file was opened
// read-only. The size of block device nodes is taken from
// lseek(SEEK_END) since fstat reports zero for them.
func statFile(file *os.File) (int64, bool, error) {
	fd := int(file.Fd())

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return 0, false, fmt.Errorf("stating %s: %w", file.Name(), err)
	}
	size := stat.Size
	if stat.Mode&unix.S_IFMT == unix.S_IFBLK {
		end, err := unix.Seek(fd, 0, io.SeekEnd)
		if err != nil {
			return 0, false, fmt.Errorf("sizing block device %s: %w", file.Name(), err)
		}
		if _, err := unix.Seek(fd, 0, io.SeekStart); err != nil {
			return 0, false, fmt.Errorf("rewinding block device %s: %w", file.Name(), err)
		}
		size = end
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return 0, false, fmt.Errorf("reading open flags of %s: %w", file.Name(), err)
	}
	return size, flags&unix.O_ACCMODE == unix.O_RDONLY, nil
}

func (d *FileDisk) readAt(buf []byte, off int64) (int, error) {
	return unix.Pread(int(d.file.Fd()), buf, off)
}

func (d *FileDisk) writeAt(buf []byte, off int64) (int, error) {
	return unix.Pwrite(int(d.file.Fd()), buf, off)
}

func (d *FileDisk) sync() error {
	return unix.Fsync(int(d.file.Fd()))
}
