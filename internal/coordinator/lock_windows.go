//go:build windows

package coordinator

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

const (
	lockShared    int16 = 0
	lockExclusive int16 = windows.LOCKFILE_EXCLUSIVE_LOCK
)

// LockFileEx locks belong to the handle, so two handles in one process
// exclude each other like two processes do.
func tryLock(f *os.File, typ int16, start int64) error {
	ol := windows.Overlapped{Offset: uint32(start)}
	flags := uint32(typ) | windows.LOCKFILE_FAIL_IMMEDIATELY
	err := windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, 1, 0, &ol)
	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) || errors.Is(err, windows.ERROR_IO_PENDING) {
		return errBusy
	}
	return err
}

func unlock(f *os.File, start int64) error {
	ol := windows.Overlapped{Offset: uint32(start)}
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, &ol)
}

// Closing the handle drops its locks.
func unlockAll(*os.File) {}
