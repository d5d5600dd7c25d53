//go:build !(darwin || linux)

package wfs

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// statFile returns the size of a regular image file. The open mode of
// a file cannot be queried here, so only OpenFileDisk marks the device
// read-only.
func statFile(file *os.File) (int64, bool, error) {
	info, err := file.Stat()
	if err != nil {
		return 0, false, fmt.Errorf("stating %s: %w", file.Name(), err)
	}
	if !info.Mode().IsRegular() {
		end, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, false, fmt.Errorf("sizing %s: %w", file.Name(), err)
		}
		return end, false, nil
	}
	return info.Size(), false, nil
}

func (d *FileDisk) readAt(buf []byte, off int64) (int, error) {
	n, err := d.file.ReadAt(buf, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (d *FileDisk) writeAt(buf []byte, off int64) (int, error) {
	return d.file.WriteAt(buf, off)
}

func (d *FileDisk) sync() error {
	return d.file.Sync()
}
