//go:build !windows

package fileutil

import "os"

// SyncDir persists directory entries so a rename or create survives a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
