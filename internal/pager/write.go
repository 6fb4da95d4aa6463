package pager

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/btree"

	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/cache"
	"github.com/alexhholmes/graphstore/internal/freelist"
	"github.com/alexhholmes/graphstore/internal/wal"
)

var ErrTxDone = errors.New("transaction already committed or rolled back")

// dirtyPage is a private writable page image.
type dirtyPage struct {
	id   base.PageID
	data []byte
}

// WriteTx buffers page mutations privately until Commit. Only one WriteTx
// exists across all processes at a time.
type WriteTx struct {
	p     *Pager
	lsn   base.LSN // Commit id reserved at begin
	base  base.LSN // Last commit this transaction builds on
	main  base.LSN
	meta  base.Meta
	orig  base.Meta
	free  *freelist.Freelist
	dirty *btree.BTreeG[*dirtyPage] // By page id
	done  bool
}

// BeginWrite blocks until the writer lock is held, then reserves the next
// commit id.
func (p *Pager) BeginWrite(ctx context.Context) (*WriteTx, error) {
	if err := p.locks.AcquireWriter(ctx); err != nil {
		return nil, err
	}
	return p.beginWriteLocked()
}

// TryBeginWrite is BeginWrite without waiting; it returns nil when the
// writer lock is taken.
func (p *Pager) TryBeginWrite() (*WriteTx, error) {
	ok, err := p.locks.TryWriter()
	if err != nil || !ok {
		return nil, err
	}
	return p.beginWriteLocked()
}

func (p *Pager) beginWriteLocked() (*WriteTx, error) {
	tx, err := p.newWriteTx()
	if err != nil {
		p.locks.ReleaseWriter()
		return nil, err
	}
	return tx, nil
}

func (p *Pager) newWriteTx() (*WriteTx, error) {
	if err := p.refresh(); err != nil {
		return nil, err
	}
	last := p.wal.Last()
	main := p.ckpt.Load()
	meta, err := p.metaAt(last, main)
	if err != nil {
		return nil, err
	}
	if p.freelistAt != last {
		// Another process committed since our last commit.
		p.freelist = freelist.New(meta.FreeHead)
		p.freelistAt = last
	}
	return &WriteTx{
		p:     p,
		lsn:   last + 1,
		base:  last,
		main:  main,
		meta:  meta,
		orig:  meta,
		free:  p.freelist.Clone(),
		dirty: btree.NewG(16, func(a, b *dirtyPage) bool { return a.id < b.id }),
	}, nil
}

// CommitID returns the LSN this transaction commits at.
func (t *WriteTx) CommitID() base.LSN { return t.lsn }

// Base returns the LSN of the commit this transaction builds on.
func (t *WriteTx) Base() base.LSN { return t.base }

func (t *WriteTx) PageSize() int { return t.p.pageSize }

func (t *WriteTx) lookup(id base.PageID) *dirtyPage {
	d, _ := t.dirty.Get(&dirtyPage{id: id})
	return d
}

// Page returns the current image of id, including this transaction's own
// changes.
func (t *WriteTx) Page(id base.PageID) (Ref, error) {
	if t.done {
		return Ref{}, ErrTxDone
	}
	if d := t.lookup(id); d != nil {
		return Ref{Data: d.data}, nil
	}
	if id >= t.meta.NextPage {
		return Ref{}, base.Corrupt(id, "page beyond next page %d", t.meta.NextPage)
	}
	return t.p.load(id, t.base, t.main)
}

// PageMut returns a writable copy of id that stays private to the
// transaction until Commit.
func (t *WriteTx) PageMut(id base.PageID) ([]byte, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if id == base.MetaPageID {
		return nil, base.Invalid("meta page is not writable")
	}
	if d := t.lookup(id); d != nil {
		return d.data, nil
	}
	ref, err := t.Page(id)
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(ref.Data))
	copy(data, ref.Data)
	ref.Release()
	t.dirty.ReplaceOrInsert(&dirtyPage{id: id, data: data})
	return data, nil
}

func (t *WriteTx) loadFreelist() error {
	if t.free.Loaded() {
		return nil
	}
	return t.free.Load(t.meta.FreeHead, t.meta.NextPage, func(id base.PageID) ([]byte, error) {
		ref, err := t.Page(id)
		if err != nil {
			return nil, err
		}
		defer ref.Release()
		return ref.Data, nil
	})
}

// Allocate returns a fresh zeroed page of kind. Free extents are used
// before the file grows.
func (t *WriteTx) Allocate(kind base.PageKind) (base.PageID, []byte, error) {
	if t.done {
		return 0, nil, ErrTxDone
	}
	if err := t.loadFreelist(); err != nil {
		return 0, nil, err
	}
	id, ok := t.free.Allocate()
	if !ok {
		id = t.meta.NextPage
		t.meta.NextPage++
	}
	data := make([]byte, t.p.pageSize)
	base.InitPage(data, kind, id, t.p.salt)
	t.dirty.ReplaceOrInsert(&dirtyPage{id: id, data: data})
	return id, data, nil
}

// Free returns id to the free-list. It is reusable by this same
// transaction; readers of older snapshots still resolve their own images.
func (t *WriteTx) Free(id base.PageID) error {
	if t.done {
		return ErrTxDone
	}
	if id == base.MetaPageID {
		return base.Invalid("cannot free the meta page")
	}
	if id >= t.meta.NextPage {
		return base.Invalid("free of unallocated page %d", id)
	}
	if err := t.loadFreelist(); err != nil {
		return err
	}
	if slices.Contains(t.free.Chain(), id) {
		return base.Invalid("page %d holds the free-list", id)
	}
	if err := t.free.Release(id); err != nil {
		return err
	}
	t.dirty.Delete(&dirtyPage{id: id})
	return nil
}

// Root returns root slot i.
func (t *WriteTx) Root(i int) base.Root { return t.meta.Roots[i] }

// SetRoot records the root page of slot i.
func (t *WriteTx) SetRoot(i int, r base.Root) error {
	if i < 0 || i >= base.MaxRoots {
		return base.Invalid("root slot %d out of range", i)
	}
	t.meta.Roots[i] = r
	return nil
}

// Meta returns the meta page as it will be committed.
func (t *WriteTx) Meta() base.Meta { return t.meta }

// Dirty returns the number of private page images.
func (t *WriteTx) Dirty() int { return t.dirty.Len() }

// Commit logs the transaction and waits until it is durable under the sync
// mode. Frames go out data pages first by id, then free-list pages, then
// the meta page. The writer lock is released once the frames are appended,
// so the next writer overlaps with this commit's fsync.
//
// A transaction that changed nothing commits without logging and returns
// the LSN it was based on.
func (t *WriteTx) Commit() (base.LSN, error) {
	if t.done {
		return 0, ErrTxDone
	}
	t.done = true
	p := t.p

	if t.dirty.Len() == 0 && !t.free.Dirty() && t.meta == t.orig {
		p.locks.ReleaseWriter()
		return t.base, nil
	}

	pages, err := t.frames()
	if err != nil {
		p.locks.ReleaseWriter()
		return 0, err
	}
	if err := p.wal.Append(t.lsn, pages); err != nil {
		p.locks.ReleaseWriter()
		return 0, fmt.Errorf("commit %d: %w", t.lsn, err)
	}
	p.freelist = t.free
	p.freelistAt = t.lsn
	p.freePages.Store(t.free.Free())
	for _, pg := range pages {
		p.cache.Put(cache.Key{ID: pg.ID, Version: t.lsn}, pg.Data, false)
	}
	if err := p.locks.ReleaseWriter(); err != nil {
		return 0, err
	}

	if err := p.wal.WaitDurable(t.lsn, len(pages)); err != nil {
		return 0, fmt.Errorf("commit %d: %w", t.lsn, err)
	}
	return t.lsn, nil
}

func (t *WriteTx) frames() ([]wal.Page, error) {
	p := t.p
	pages := make([]wal.Page, 0, t.dirty.Len()+2)
	t.dirty.Ascend(func(d *dirtyPage) bool {
		base.Seal(d.data, d.id, p.salt)
		pages = append(pages, wal.Page{ID: d.id, Data: d.data})
		return true
	})

	if t.free.Loaded() && t.free.Dirty() {
		head, images, err := t.free.Persist(p.pageSize, p.salt, func() base.PageID {
			id := t.meta.NextPage
			t.meta.NextPage++
			return id
		})
		if err != nil {
			return nil, err
		}
		t.meta.FreeHead = head
		for _, id := range t.free.Chain() {
			pages = append(pages, wal.Page{ID: id, Data: images[id]})
		}
	}

	t.meta.CheckpointLSN = p.ckpt.Load()
	buf := make([]byte, p.pageSize)
	t.meta.Encode(buf)
	pages = append(pages, wal.Page{ID: base.MetaPageID, Data: buf})
	return pages, nil
}

// Rollback discards the transaction. It is a no-op after Commit.
func (t *WriteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.p.locks.ReleaseWriter()
}
