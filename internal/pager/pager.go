package pager

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/cache"
	"github.com/alexhholmes/graphstore/internal/coordinator"
	"github.com/alexhholmes/graphstore/internal/freelist"
	"github.com/alexhholmes/graphstore/internal/storage"
	"github.com/alexhholmes/graphstore/internal/wal"
)

// Validator checks the structure of a page image of one kind after its
// header and checksum verified. It runs once per image, when the image is
// loaded into the cache.
type Validator func(id base.PageID, page []byte) error

// Options configures a Pager.
type Options struct {
	PageSize  int // Used when the database is created
	CacheSize int // Pages
	SyncMode  wal.SyncMode

	MaxBatchCommits int
	MaxBatchFrames  int
	MaxBatchWait    time.Duration
	OnSync          func(commits, frames int, elapsed time.Duration)

	// Parallel page-run writers during checkpoint
	CheckpointConcurrency int

	Validators map[base.PageKind]Validator
}

// Pager owns the main file, the WAL, the lock file and the page cache. It
// hands out snapshot views to readers and a private dirty-page set to the
// single writer.
type Pager struct {
	path     string
	store    *storage.Storage
	wal      *wal.WAL
	locks    *coordinator.Coordinator
	cache    *cache.Cache
	pageSize int
	salt     uint64
	opts     Options

	// Checkpoint LSN of the images in the main file; cache version of
	// main-file pages.
	ckpt atomic.Uint64

	// Writer state, guarded by the writer lock
	freelist   *freelist.Freelist // Committed free-list
	freelistAt base.LSN           // LSN the free-list is current for

	metaMu    sync.Mutex
	metaCache map[base.LSN]base.Meta // Decoded meta by LSN of its image

	// Stats
	freePages   atomic.Uint64
	checkpoints atomic.Uint64
	skipped     atomic.Uint64

	closed atomic.Bool
}

// Recovery describes what Open found in the WAL.
type Recovery struct {
	Exclusive bool     // No other process had the database open
	Commits   int      // Complete commits in the WAL
	Frames    int      // Frames in those commits
	Applied   int      // Pages written to the main file
	TailBytes int64    // Discarded bytes after the last complete commit
	LSN       base.LSN // Checkpoint LSN after recovery
}

// Open opens or creates the database at path with its "-wal" and "-lock"
// side files. When no other process holds the database the WAL is folded
// into the main file and reset.
func Open(path string, opts Options) (*Pager, Recovery, error) {
	if opts.PageSize == 0 {
		opts.PageSize = base.DefaultPageSize
	}
	if !base.ValidPageSize(opts.PageSize) {
		return nil, Recovery{}, fmt.Errorf("%w: %d", base.ErrInvalidPageSize, opts.PageSize)
	}
	if opts.CheckpointConcurrency <= 0 {
		opts.CheckpointConcurrency = 4
	}

	store, err := storage.Open(path)
	if err != nil {
		return nil, Recovery{}, err
	}
	locks, err := coordinator.Open(path + "-lock")
	if err != nil {
		store.Close()
		return nil, Recovery{}, err
	}
	c, err := cache.NewCache(opts.CacheSize)
	if err != nil {
		store.Close()
		locks.Close()
		return nil, Recovery{}, err
	}
	p := &Pager{
		path:      path,
		store:     store,
		locks:     locks,
		cache:     c,
		opts:      opts,
		metaCache: make(map[base.LSN]base.Meta),
	}

	rec, err := p.open()
	if err != nil {
		errs := []error{err, store.Close(), locks.Close()}
		if p.wal != nil {
			errs = append(errs, p.wal.Close())
		}
		return nil, Recovery{}, errors.Join(errs...)
	}
	return p, rec, nil
}

func (p *Pager) open() (Recovery, error) {
	ctx := context.Background()

	// Exclusive when we are alone: writer and checkpoint locks plus the
	// reader range.
	exclusive, err := p.locks.TryWriter()
	if err != nil {
		return Recovery{}, err
	}
	if exclusive {
		defer p.locks.ReleaseWriter()
		ok, err := p.locks.TryCheckpoint()
		if err != nil {
			return Recovery{}, err
		}
		if ok {
			defer p.locks.ReleaseCheckpoint()
		} else {
			exclusive = false
		}
	}
	if !exclusive {
		if err := p.locks.AcquireReader(ctx); err != nil {
			return Recovery{}, err
		}
		defer p.locks.ReleaseReader()
	}

	empty, err := p.store.Empty()
	if err != nil {
		return Recovery{}, err
	}
	if empty {
		if !exclusive {
			return Recovery{}, fmt.Errorf("open %s: database is being created by another process", p.path)
		}
		if err := p.create(); err != nil {
			return Recovery{}, err
		}
	}

	meta, err := p.readMainMeta()
	if err != nil {
		return Recovery{}, err
	}
	p.pageSize = int(meta.PageSize)
	p.salt = meta.Salt
	p.ckpt.Store(meta.CheckpointLSN)

	w, found, err := wal.Open(p.path+"-wal", wal.Options{
		PageSize:        p.pageSize,
		Salt:            p.salt,
		StartLSN:        meta.CheckpointLSN + 1,
		SyncMode:        p.opts.SyncMode,
		MaxBatchCommits: p.opts.MaxBatchCommits,
		MaxBatchFrames:  p.opts.MaxBatchFrames,
		MaxBatchWait:    p.opts.MaxBatchWait,
		OnSync:          p.opts.OnSync,
	})
	if err != nil {
		return Recovery{}, err
	}
	p.wal = w

	rec := Recovery{
		Exclusive: exclusive,
		Commits:   found.Commits,
		Frames:    found.Frames,
		TailBytes: found.TailBytes,
	}
	if exclusive {
		applied, err := p.checkpointLocked()
		if err != nil {
			return rec, fmt.Errorf("recover wal: %w", err)
		}
		rec.Applied = applied
	}
	rec.LSN = p.ckpt.Load()
	p.freelistAt = ^base.LSN(0)
	return rec, nil
}

// create writes the meta page of an empty database.
func (p *Pager) create() error {
	salt := rand.Uint64()
	for salt == 0 {
		salt = rand.Uint64()
	}
	meta := base.NewMeta(p.opts.PageSize, salt)
	buf := make([]byte, p.opts.PageSize)
	meta.Encode(buf)

	p.store.SetPageSize(p.opts.PageSize)
	if err := p.store.WritePage(base.MetaPageID, buf); err != nil {
		return err
	}
	return p.store.Sync()
}

// readMainMeta reads page 0 from the main file. The page size comes from
// the meta header, so any page size given to Open is ignored for an
// existing database.
func (p *Pager) readMainMeta() (base.Meta, error) {
	hdr := make([]byte, base.PageHeaderSize)
	if err := p.store.ReadAt(hdr, 0); err != nil {
		return base.Meta{}, err
	}
	size, err := base.PeekPageSize(hdr)
	if err != nil {
		return base.Meta{}, err
	}
	p.store.SetPageSize(size)
	buf := make([]byte, size)
	if err := p.store.ReadPage(base.MetaPageID, buf); err != nil {
		return base.Meta{}, err
	}
	return base.DecodeMeta(buf)
}

// refresh folds commits made by other processes into this handle. A WAL
// reset underneath us means the main file moved to a new checkpoint: drop
// every cached image and reread the meta page.
func (p *Pager) refresh() error {
	reset, err := p.wal.Refresh()
	if err != nil || !reset {
		return err
	}
	meta, err := p.readMainMeta()
	if err != nil {
		return err
	}
	p.ckpt.Store(meta.CheckpointLSN)
	p.wal.Rebase(meta.CheckpointLSN + 1)
	p.cache.Purge()
	p.metaMu.Lock()
	clear(p.metaCache)
	p.metaMu.Unlock()
	return nil
}

// metaAt returns the meta page as of snapshot.
func (p *Pager) metaAt(snapshot, main base.LSN) (base.Meta, error) {
	version := main
	if f, ok := p.wal.Index().Lookup(base.MetaPageID, snapshot); ok {
		version = f.LSN
	}
	p.metaMu.Lock()
	m, ok := p.metaCache[version]
	p.metaMu.Unlock()
	if ok {
		return m, nil
	}

	ref, err := p.load(base.MetaPageID, snapshot, main)
	if err != nil {
		return base.Meta{}, err
	}
	defer ref.Release()
	m, err = base.DecodeMeta(ref.Data)
	if err != nil {
		return base.Meta{}, err
	}
	if m.Salt != p.salt || int(m.PageSize) != p.pageSize {
		return base.Meta{}, base.Mismatch(base.MetaPageID, "meta identity", p.salt, m.Salt)
	}

	p.metaMu.Lock()
	if len(p.metaCache) > 64 {
		clear(p.metaCache)
	}
	p.metaCache[version] = m
	p.metaMu.Unlock()
	return m, nil
}

// Sync makes every appended commit durable.
func (p *Pager) Sync() error {
	return p.wal.Sync()
}

func (p *Pager) PageSize() int { return p.pageSize }
func (p *Pager) Salt() uint64  { return p.salt }

// CheckpointLSN returns the LSN the main file is current to.
func (p *Pager) CheckpointLSN() base.LSN { return p.ckpt.Load() }

// WALSize returns the length of the valid WAL in bytes.
func (p *Pager) WALSize() int64 { return p.wal.Size() }

// LastLSN returns the newest commit in the WAL.
func (p *Pager) LastLSN() base.LSN { return p.wal.Last() }

// Close syncs the WAL, folds it into the main file when no other process
// uses the database, and closes every file.
func (p *Pager) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := p.wal.Sync(); err != nil {
		errs = append(errs, err)
	} else if _, err := p.Checkpoint(context.Background(), CheckpointBestEffort); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, p.wal.Close(), p.store.Close(), p.locks.Close())
	return errors.Join(errs...)
}

// Stats holds pager counters.
type Stats struct {
	Cache         cache.Stats
	Store         storage.Stats
	WAL           wal.Stats
	FreePages     uint64
	Checkpoints   uint64
	Skipped       uint64 // Best-effort checkpoints skipped while busy
	CheckpointLSN base.LSN
	Readers       int
}

func (p *Pager) Stats() Stats {
	return Stats{
		Cache:         p.cache.Stats(),
		Store:         p.store.Stats(),
		WAL:           p.wal.Stats(),
		FreePages:     p.freePages.Load(),
		Checkpoints:   p.checkpoints.Load(),
		Skipped:       p.skipped.Load(),
		CheckpointLSN: p.ckpt.Load(),
		Readers:       p.locks.Readers(),
	}
}
