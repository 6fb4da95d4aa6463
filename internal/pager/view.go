package pager

import (
	"context"

	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/cache"
)

// Ref is a read-only page image. Cached images stay pinned until Release.
type Ref struct {
	Data []byte
	key  cache.Key
	c    *cache.Cache
}

// Release unpins the image. The Ref must not be used afterwards.
func (r Ref) Release() {
	if r.c != nil {
		r.c.Unpin(r.key)
	}
}

// load resolves page id for a reader at snapshot: the newest logged image at
// or below the snapshot, else the main-file image written by the checkpoint
// at main.
func (p *Pager) load(id base.PageID, snapshot, main base.LSN) (Ref, error) {
	f, inWAL := p.wal.Index().Lookup(id, snapshot)
	key := cache.Key{ID: id, Version: main}
	if inWAL {
		key.Version = f.LSN
	}
	if data, ok := p.cache.Acquire(key); ok {
		return Ref{Data: data, key: key, c: p.cache}, nil
	}

	buf := make([]byte, p.pageSize)
	if inWAL {
		if err := p.wal.ReadPage(f.Offset, buf); err != nil {
			return Ref{}, err
		}
	} else if err := p.store.ReadPage(id, buf); err != nil {
		return Ref{}, err
	}
	if err := p.verify(id, buf); err != nil {
		return Ref{}, err
	}
	data := p.cache.Put(key, buf, true)
	return Ref{Data: data, key: key, c: p.cache}, nil
}

func (p *Pager) verify(id base.PageID, buf []byte) error {
	if err := base.Verify(buf, id, p.salt); err != nil {
		return err
	}
	if v := p.opts.Validators[base.Kind(buf)]; v != nil {
		return v(id, buf)
	}
	return nil
}

// ReadView is a consistent snapshot of the database. It holds the shared
// reader lock until Close.
type ReadView struct {
	p        *Pager
	snapshot base.LSN
	main     base.LSN
	meta     base.Meta
	closed   bool
}

// BeginRead pins the newest durable commit. It waits while a checkpoint
// runs.
func (p *Pager) BeginRead(ctx context.Context) (*ReadView, error) {
	if err := p.locks.AcquireReader(ctx); err != nil {
		return nil, err
	}
	v, err := p.newView()
	if err != nil {
		p.locks.ReleaseReader()
		return nil, err
	}
	return v, nil
}

func (p *Pager) newView() (*ReadView, error) {
	if err := p.refresh(); err != nil {
		return nil, err
	}
	v := &ReadView{
		p:        p,
		snapshot: p.wal.Durable(),
		main:     p.ckpt.Load(),
	}
	meta, err := p.metaAt(v.snapshot, v.main)
	if err != nil {
		return nil, err
	}
	v.meta = meta
	return v, nil
}

// Page returns the image of id as of the view's snapshot.
func (v *ReadView) Page(id base.PageID) (Ref, error) {
	if id >= v.meta.NextPage {
		return Ref{}, base.Corrupt(id, "page beyond next page %d", v.meta.NextPage)
	}
	return v.p.load(id, v.snapshot, v.main)
}

// Snapshot returns the commit LSN the view is pinned to.
func (v *ReadView) Snapshot() base.LSN { return v.snapshot }

// Root returns root slot i as of the snapshot.
func (v *ReadView) Root(i int) base.Root { return v.meta.Roots[i] }

// Meta returns the meta page as of the snapshot.
func (v *ReadView) Meta() base.Meta { return v.meta }

func (v *ReadView) PageSize() int { return v.p.pageSize }

// Close releases the reader lock. It is safe to call more than once.
func (v *ReadView) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	return v.p.locks.ReleaseReader()
}
