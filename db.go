package graphstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/btree"
	"github.com/alexhholmes/graphstore/internal/cache"
	"github.com/alexhholmes/graphstore/internal/mvcc"
	"github.com/alexhholmes/graphstore/internal/pager"
	"github.com/alexhholmes/graphstore/internal/storage"
	"github.com/alexhholmes/graphstore/internal/wal"
)

// pollInterval is how often the background checkpointer checks the WAL
// against its thresholds.
const pollInterval = 100 * time.Millisecond

// VacuumResult summarizes one vacuum pass.
type VacuumResult = mvcc.Result

type (
	CacheStats = cache.Stats
	IOStats    = storage.Stats
	WALStats   = wal.Stats
)

// Stats is a snapshot of the database's counters.
type Stats struct {
	Cache CacheStats
	IO    IOStats
	WAL   WALStats

	WALBytes           int64
	FreePages          uint64
	Checkpoints        uint64
	CheckpointsSkipped uint64
	CheckpointLSN      LSN

	Last         LSN // Newest commit
	Horizon      LSN // Versions ended before this are reclaimable
	Readers      int // Open read transactions in this process
	OldestReader time.Duration

	VacuumPasses  uint64
	VacuumRemoved uint64
}

// DB is an open database file with its WAL and lock file.
type DB struct {
	path    string
	opts    Options
	log     Logger
	pager   *pager.Pager
	commits *mvcc.CommitTable
	metrics *metrics

	// Vacuum resumes where the previous pass stopped
	vacuumMu      sync.Mutex
	vacuumPos     mvcc.Position
	vacuumPasses  atomic.Uint64
	vacuumRemoved atomic.Uint64

	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open opens or creates the database at path. Several processes may open
// the same file; they coordinate through the lock file.
func Open(path string, options ...Option) (*DB, error) {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = DiscardLogger{}
	}
	if opts.MaxReaders <= 0 {
		return nil, fmt.Errorf("%w: max readers %d", ErrInvalidArgument, opts.MaxReaders)
	}

	m := newMetrics(opts.Registerer, filepath.Base(path))
	p, rec, err := pager.Open(path, pager.Options{
		PageSize:        opts.PageSize,
		CacheSize:       opts.CacheSize,
		SyncMode:        opts.SyncMode,
		MaxBatchCommits: opts.MaxBatchCommits,
		MaxBatchFrames:  opts.MaxBatchFrames,
		MaxBatchWait:    opts.MaxBatchWait,
		OnSync:          m.observeSync,
		Validators: map[base.PageKind]pager.Validator{
			base.KindBTreeLeaf:     btree.Validate,
			base.KindBTreeInternal: btree.Validate,
			base.KindOverflow:      btree.ValidateOverflow,
		},
	})
	if err != nil {
		m.unregister()
		return nil, err
	}
	if rec.Commits > 0 || rec.TailBytes > 0 {
		opts.Logger.Info("recovered wal",
			"path", path,
			"exclusive", rec.Exclusive,
			"commits", rec.Commits,
			"frames", rec.Frames,
			"applied", rec.Applied,
			"discarded_bytes", rec.TailBytes,
			"checkpoint_lsn", rec.LSN)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &DB{
		path:    path,
		opts:    opts,
		log:     opts.Logger,
		pager:   p,
		commits: mvcc.NewCommitTable(p.LastLSN(), opts.MaxReaders, opts.Retention),
		metrics: m,
		cancel:  cancel,
	}

	if opts.CheckpointInterval > 0 {
		d.wg.Add(1)
		go d.backgroundCheckpointer(ctx)
	}
	if opts.VacuumInterval > 0 {
		d.wg.Add(1)
		go d.backgroundVacuum(ctx)
	}
	d.wg.Add(1)
	go d.backgroundMonitor(ctx)

	return d, nil
}

// Path returns the path of the main database file.
func (d *DB) Path() string { return d.path }

// BeginRead starts a read transaction at the newest durable commit. It
// waits while a checkpoint runs. The caller must Close it.
func (d *DB) BeginRead() (*ReadTx, error) {
	if d.closed.Load() {
		return nil, ErrDatabaseClosed
	}
	view, err := d.pager.BeginRead(context.Background())
	if err != nil {
		return nil, err
	}
	slot, err := d.commits.Pin(view.Snapshot(), time.Now())
	if err != nil {
		view.Close()
		return nil, err
	}
	return &ReadTx{db: d, view: view, slot: slot}, nil
}

// BeginWrite starts the write transaction, waiting for the writer lock
// until ctx is done. The caller must Commit or Rollback it.
func (d *DB) BeginWrite(ctx context.Context) (*WriteTx, error) {
	if d.closed.Load() {
		return nil, ErrDatabaseClosed
	}
	tx, err := d.pager.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}
	d.commits.Observe(tx.Base(), time.Now())
	if err := d.commits.Reserve(tx.CommitID()); err != nil {
		tx.Rollback()
		return nil, err
	}
	return &WriteTx{db: d, tx: tx}, nil
}

// View executes a function within a read-only transaction.
// The transaction is closed when fn returns.
func (d *DB) View(fn func(tx *ReadTx) error) error {
	tx, err := d.BeginRead()
	if err != nil {
		return err
	}
	defer tx.Close()

	return fn(tx)
}

// Update executes a function within a read-write transaction.
// If the function returns an error, the transaction is rolled back.
// If the function returns nil, the transaction is committed.
func (d *DB) Update(ctx context.Context, fn func(tx *WriteTx) error) error {
	tx, err := d.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	_, err = tx.Commit()
	return err
}

// Checkpoint folds the WAL into the main file. A best-effort checkpoint
// that finds the database busy does nothing and returns nil.
func (d *DB) Checkpoint(ctx context.Context, mode CheckpointMode) error {
	if d.closed.Load() {
		return ErrDatabaseClosed
	}
	_, err := d.checkpoint(ctx, mode)
	return err
}

func (d *DB) checkpoint(ctx context.Context, mode CheckpointMode) (pager.CheckpointResult, error) {
	start := time.Now()
	res, err := d.pager.Checkpoint(ctx, mode)
	if err != nil {
		d.log.Error("checkpoint failed", "mode", mode, "error", err)
		return res, err
	}
	if res.Skipped {
		d.metrics.checkpointsSkipped.Inc()
		d.log.Info("checkpoint skipped", "mode", mode)
		return res, nil
	}
	d.metrics.checkpoints.Inc()
	d.metrics.checkpointLSN.Set(float64(res.LSN))
	d.log.Info("checkpoint",
		"mode", mode,
		"pages", res.Pages,
		"lsn", res.LSN,
		"elapsed", time.Since(start))
	return res, nil
}

// Vacuum runs one pass over the versioned trees, deleting versions that
// ended before the horizon, within budget. Each pass resumes where the
// previous one stopped.
func (d *DB) Vacuum(ctx context.Context, budget VacuumBudget) (VacuumResult, error) {
	if d.closed.Load() {
		return VacuumResult{}, ErrDatabaseClosed
	}
	d.vacuumMu.Lock()
	defer d.vacuumMu.Unlock()

	tx, err := d.BeginWrite(ctx)
	if err != nil {
		return VacuumResult{}, err
	}
	defer tx.Rollback()

	horizon := d.commits.Horizon(time.Now())
	res, err := mvcc.Vacuum(ctx, tx.tx, horizon, budget, d.vacuumPos)
	if err != nil {
		return res, err
	}
	if _, err := tx.Commit(); err != nil {
		return res, err
	}

	if res.Complete {
		d.vacuumPos = mvcc.Position{}
	} else {
		d.vacuumPos = res.Next
	}
	d.vacuumPasses.Add(1)
	d.vacuumRemoved.Add(uint64(res.Removed))
	d.metrics.vacuumRemoved.Add(float64(res.Removed))
	if res.Removed > 0 {
		d.log.Info("vacuum",
			"horizon", res.Horizon,
			"pages", res.Pages,
			"examined", res.Examined,
			"removed", res.Removed,
			"complete", res.Complete)
	}
	return res, nil
}

// Stats returns a snapshot of the database's counters.
func (d *DB) Stats() Stats {
	now := time.Now()
	ps := d.pager.Stats()
	return Stats{
		Cache:              ps.Cache,
		IO:                 ps.Store,
		WAL:                ps.WAL,
		WALBytes:           d.pager.WALSize(),
		FreePages:          ps.FreePages,
		Checkpoints:        ps.Checkpoints,
		CheckpointsSkipped: ps.Skipped,
		CheckpointLSN:      ps.CheckpointLSN,
		Last:               d.commits.Last(),
		Horizon:            d.commits.Horizon(now),
		Readers:            d.commits.Readers(),
		OldestReader:       d.commits.OldestReader(now),
		VacuumPasses:       d.vacuumPasses.Load(),
		VacuumRemoved:      d.vacuumRemoved.Load(),
	}
}

// Close stops the background goroutines, checkpoints when no other
// process has the database open and releases the files. Open transactions
// must be finished first.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.cancel()
	d.wg.Wait()

	err := d.pager.Close()
	d.metrics.unregister()
	return err
}

// backgroundCheckpointer folds the WAL once it grows past the byte
// threshold or the interval passed since the last checkpoint.
func (d *DB) backgroundCheckpointer(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(min(pollInterval, d.opts.CheckpointInterval))
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ticker.C:
			if d.pager.LastLSN() <= d.pager.CheckpointLSN() {
				last = time.Now()
				continue
			}
			full := d.opts.CheckpointBytes > 0 && d.pager.WALSize() >= d.opts.CheckpointBytes
			if !full && time.Since(last) < d.opts.CheckpointInterval {
				continue
			}
			res, err := d.checkpoint(ctx, CheckpointBestEffort)
			if err == nil && !res.Skipped {
				last = time.Now()
			}

		case <-ctx.Done():
			return
		}
	}
}

// backgroundVacuum runs one budgeted pass per interval.
func (d *DB) backgroundVacuum(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := d.Vacuum(ctx, d.opts.VacuumBudget); err != nil && ctx.Err() == nil && !errors.Is(err, ErrDatabaseClosed) {
				d.log.Error("vacuum failed", "error", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// backgroundMonitor publishes gauges and reports readers open longer than
// the stall threshold, at most once per threshold.
func (d *DB) backgroundMonitor(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var warned time.Time
	for {
		select {
		case <-ticker.C:
			s := d.Stats()
			d.metrics.publish(s)

			limit := d.opts.ReaderStallThreshold
			if limit > 0 && s.OldestReader >= limit && time.Since(warned) >= limit {
				warned = time.Now()
				d.log.Warn("long-running reader holds back vacuum and checkpoints",
					"age", s.OldestReader,
					"readers", s.Readers,
					"horizon", s.Horizon,
					"last", s.Last)
			}

		case <-ctx.Done():
			return
		}
	}
}
