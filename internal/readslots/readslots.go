package readslots

import (
	"errors"
	"math"
	"sync/atomic"
	"time"
)

var ErrTooManyReaders = errors.New("too many concurrent readers (increase max readers)")

// ReaderSlots tracks the snapshots pinned by active read transactions in a
// fixed slot array. Register and Unregister are allocation free.
//
// A slot stores snapshot+1 so that zero marks an empty slot while snapshot 0
// (an empty database) stays representable.
type ReaderSlots struct {
	slots   []atomic.Uint64 // snapshot+1, 0 = empty
	started []atomic.Int64  // Registration time, unix nanos
	maxSize int
	active  atomic.Int32
}

func NewReaderSlots(maxReaders int) *ReaderSlots {
	return &ReaderSlots{
		slots:   make([]atomic.Uint64, maxReaders),
		started: make([]atomic.Int64, maxReaders),
		maxSize: maxReaders,
	}
}

// Register claims a slot for a reader pinned at snapshot.
func (rs *ReaderSlots) Register(snapshot uint64) (int, error) {
	v := snapshot + 1
	for i := 0; i < rs.maxSize; i++ {
		if !rs.slots[i].CompareAndSwap(0, v) {
			continue
		}
		rs.started[i].Store(time.Now().UnixNano())
		rs.active.Add(1)
		return i, nil
	}
	return -1, ErrTooManyReaders
}

// Unregister releases slot.
func (rs *ReaderSlots) Unregister(slot int) {
	rs.slots[slot].Store(0)
	rs.active.Add(-1)
}

// Min returns the oldest pinned snapshot, or ok=false when no reader is
// active. It scans every slot so a concurrent Register is never missed once
// it has returned.
func (rs *ReaderSlots) Min() (snapshot uint64, ok bool) {
	m := uint64(math.MaxUint64)
	for i := 0; i < rs.maxSize; i++ {
		if v := rs.slots[i].Load(); v != 0 && v < m {
			m = v
		}
	}
	if m == math.MaxUint64 {
		return 0, false
	}
	return m - 1, true
}

// Active returns the number of registered readers.
func (rs *ReaderSlots) Active() int {
	return int(rs.active.Load())
}

// OldestAge returns how long the longest-running reader has been active.
func (rs *ReaderSlots) OldestAge(now time.Time) time.Duration {
	if rs.active.Load() == 0 {
		return 0
	}
	var oldest int64
	for i := 0; i < rs.maxSize; i++ {
		if rs.slots[i].Load() == 0 {
			continue
		}
		if t := rs.started[i].Load(); t != 0 && (oldest == 0 || t < oldest) {
			oldest = t
		}
	}
	if oldest == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, oldest))
}
