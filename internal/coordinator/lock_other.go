//go:build !unix && !windows

package coordinator

import (
	"os"
	"path/filepath"
	"sync"
)

const (
	lockShared    int16 = 0
	lockExclusive int16 = 1
)

// Without advisory file locks the byte ranges live in a table shared by the
// handles of this process: they exclude each other, other processes are not
// excluded.
var ranges = struct {
	sync.Mutex
	m map[rangeKey]*rangeLock
}{m: make(map[rangeKey]*rangeLock)}

type rangeKey struct {
	path  string
	start int64
}

type rangeLock struct {
	shared map[*os.File]struct{}
	owner  *os.File // Exclusive holder
}

func keyOf(f *os.File, start int64) rangeKey {
	path, err := filepath.Abs(f.Name())
	if err != nil {
		path = f.Name()
	}
	return rangeKey{path: path, start: start}
}

// tryLock takes or converts the lock of f on one byte, like an open file
// description lock.
func tryLock(f *os.File, typ int16, start int64) error {
	k := keyOf(f, start)
	ranges.Lock()
	defer ranges.Unlock()

	l := ranges.m[k]
	if l == nil {
		l = &rangeLock{shared: make(map[*os.File]struct{})}
		ranges.m[k] = l
	}
	if l.owner != nil && l.owner != f {
		return errBusy
	}
	if typ == lockShared {
		l.owner = nil
		l.shared[f] = struct{}{}
		return nil
	}
	for holder := range l.shared {
		if holder != f {
			return errBusy
		}
	}
	delete(l.shared, f)
	l.owner = f
	return nil
}

func unlock(f *os.File, start int64) error {
	k := keyOf(f, start)
	ranges.Lock()
	defer ranges.Unlock()
	if l := ranges.m[k]; l != nil {
		release(k, l, f)
	}
	return nil
}

// unlockAll drops every range f holds, as closing a descriptor would.
func unlockAll(f *os.File) {
	ranges.Lock()
	defer ranges.Unlock()
	for k, l := range ranges.m {
		release(k, l, f)
	}
}

func release(k rangeKey, l *rangeLock, f *os.File) {
	delete(l.shared, f)
	if l.owner == f {
		l.owner = nil
	}
	if l.owner == nil && len(l.shared) == 0 {
		delete(ranges.m, k)
	}
}
