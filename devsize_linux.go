//go:build linux

package main

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// getDeviceSize returns the size of a file or block device in bytes.
func getDeviceSize(f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if st.Mode().IsRegular() {
		size, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, err
		}
		_, _ = f.Seek(0, io.SeekStart)
		return size, nil
	}
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, err
	}
	return int64(size), nil
}
