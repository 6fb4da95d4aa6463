//go:build !linux

package storage

import "os"

// Datasync flushes file data. Platforms without fdatasync fall back to a
// full fsync.
func Datasync(f *os.File) error {
	return f.Sync()
}
