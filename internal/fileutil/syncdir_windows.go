//go:build windows

package fileutil

// SyncDir is a no-op on Windows, where directories cannot be opened for sync.
func SyncDir(string) error { return nil }
