//go:build !linux

package fileutil

import "os"

// Datasync flushes file contents to stable storage.
func Datasync(f *os.File) error {
	return f.Sync()
}
