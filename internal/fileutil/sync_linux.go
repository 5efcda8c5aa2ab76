//go:build linux

package fileutil

import (
	"os"

	"golang.org/x/sys/unix"
)

// Datasync flushes file data (and the metadata needed to read it back) to
// stable storage.
func Datasync(f *os.File) error {
	for {
		err := unix.Fdatasync(int(f.Fd()))
		if err != unix.EINTR {
			return err
		}
	}
}
