//go:build unix && !linux

package coordinator

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const (
	lockShared    = unix.F_RDLCK
	lockExclusive = unix.F_WRLCK
)

// POSIX record locks are per process: they exclude other processes only.
// The in-process counters cover handles within one process.
func tryLock(f *os.File, typ int16, start int64) error {
	return setLock(f, typ, start)
}

func unlock(f *os.File, start int64) error {
	return setLock(f, unix.F_UNLCK, start)
}

func setLock(f *os.File, typ int16, start int64) error {
	lk := unix.Flock_t{Type: typ, Whence: io.SeekStart, Start: start, Len: 1}
	for {
		err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk)
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN, unix.EACCES:
			return errBusy
		}
		return err
	}
}

// Closing the descriptor drops its locks.
func unlockAll(*os.File) {}
