package mvcc

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/readslots"
)

var ErrCommitPending = errors.New("commit id already reserved")

type commitRecord struct {
	id base.LSN
	at time.Time
}

// CommitTable tracks the commit ids of this process, when they committed,
// and the snapshots pinned by its readers. It computes the vacuum horizon
// from both.
type CommitTable struct {
	mu        sync.Mutex
	readers   *readslots.ReaderSlots
	retention time.Duration
	start     base.LSN       // Last commit when the table was created
	last      base.LSN       // Newest commit observed
	pending   []base.LSN     // Reserved, not yet committed, ascending
	commits   []commitRecord // Ascending by id
}

// NewCommitTable starts a table after last. Commits up to last are treated
// as older than any retention window.
func NewCommitTable(last base.LSN, maxReaders int, retention time.Duration) *CommitTable {
	return &CommitTable{
		readers:   readslots.NewReaderSlots(maxReaders),
		retention: retention,
		start:     last,
		last:      last,
	}
}

// Pin registers a reader at snapshot and returns its slot.
func (c *CommitTable) Pin(snapshot base.LSN, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observeLocked(snapshot, now)
	return c.readers.Register(snapshot)
}

// Unpin releases a slot returned by Pin.
func (c *CommitTable) Unpin(slot int) {
	c.readers.Unregister(slot)
}

// Observe records commits made by other processes up to last.
func (c *CommitTable) Observe(last base.LSN, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observeLocked(last, now)
}

func (c *CommitTable) observeLocked(last base.LSN, now time.Time) {
	if last > c.last {
		c.commits = append(c.commits, commitRecord{id: last, at: now})
		c.last = last
	}
}

// Reserve marks id as a commit in progress. Ids must increase. A commit
// may still be waiting for its fsync when the next one is reserved.
func (c *CommitTable) Reserve(id base.LSN) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == 0 || id <= c.last {
		return base.Invalid("commit id %d not after %d", id, c.last)
	}
	if n := len(c.pending); n > 0 && id <= c.pending[n-1] {
		return ErrCommitPending
	}
	c.pending = append(c.pending, id)
	return nil
}

// Commit records that the reserved id committed at now.
func (c *CommitTable) Commit(id base.LSN, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.Index(c.pending, id)
	if i < 0 {
		return base.Invalid("commit id %d was not reserved", id)
	}
	c.pending = slices.Delete(c.pending, i, i+1)
	c.observeLocked(id, now)
	c.trimLocked(now)
	return nil
}

// Abort drops the reservation of id.
func (c *CommitTable) Abort(id base.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.pending, id); i >= 0 {
		c.pending = slices.Delete(c.pending, i, i+1)
	}
}

// cutoffLocked returns the snapshot a reader would have pinned one
// retention window ago.
func (c *CommitTable) cutoffLocked(now time.Time) base.LSN {
	if c.retention <= 0 {
		return c.last + 1
	}
	limit := now.Add(-c.retention)
	cutoff := c.start
	for _, r := range c.commits {
		if r.at.After(limit) {
			break
		}
		cutoff = r.id
	}
	return cutoff
}

// trimLocked forgets commits older than the one defining the cutoff.
func (c *CommitTable) trimLocked(now time.Time) {
	if c.retention <= 0 {
		c.start = c.last
		c.commits = c.commits[:0]
		return
	}
	limit := now.Add(-c.retention)
	i := 0
	for i < len(c.commits) && !c.commits[i].at.After(limit) {
		i++
	}
	if i > 0 {
		c.start = c.commits[i-1].id
		c.commits = append(c.commits[:0], c.commits[i:]...)
	}
}

// Horizon returns the commit id below which an ended version is invisible
// to every reader and outside the retention window: the older of the
// oldest pinned snapshot and the retention cutoff.
func (c *CommitTable) Horizon(now time.Time) base.LSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.cutoffLocked(now)
	if s, ok := c.readers.Min(); ok && s < h {
		h = s
	}
	return h
}

// Last returns the newest commit observed.
func (c *CommitTable) Last() base.LSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Readers returns the number of pinned readers.
func (c *CommitTable) Readers() int { return c.readers.Active() }

// OldestReader returns how long the oldest pinned reader has been open.
func (c *CommitTable) OldestReader(now time.Time) time.Duration {
	return c.readers.OldestAge(now)
}
