package graphstore

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/mvcc"
	"github.com/alexhholmes/graphstore/internal/pager"
	"github.com/alexhholmes/graphstore/internal/wal"
)

// SyncMode controls when commits are fsynced to disk.
type SyncMode = wal.SyncMode

const (
	// SyncFull fsyncs the WAL inside every commit.
	// - Guarantees zero data loss on power failure
	// - Limited by fsync latency (typically 1-10ms per commit)
	SyncFull = wal.SyncFull

	// SyncNormal groups back-to-back commits under one fsync. Commit returns
	// once the fsync covering it completes.
	// - Same durability as SyncFull
	// - Higher throughput with concurrent committers
	SyncNormal = wal.SyncNormal

	// SyncOff disables fsync entirely (testing/bulk loads only).
	// - All unflushed data lost on crash
	SyncOff = wal.SyncOff
)

// ParseSyncMode parses "full", "normal" or "off".
func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "full", "":
		return SyncFull, nil
	case "normal":
		return SyncNormal, nil
	case "off":
		return SyncOff, nil
	}
	return 0, fmt.Errorf("%w: sync mode %q", ErrInvalidArgument, s)
}

// CheckpointMode selects how Checkpoint deals with concurrent activity.
type CheckpointMode = pager.CheckpointMode

const (
	// CheckpointBestEffort returns immediately when a writer or reader is
	// active.
	CheckpointBestEffort = pager.CheckpointBestEffort

	// CheckpointForce waits for the writer and readers, bounded by the
	// context.
	CheckpointForce = pager.CheckpointForce
)

// VacuumBudget bounds one vacuum pass. Zero fields are unlimited.
type VacuumBudget = mvcc.Budget

// Options configures a database.
type Options struct {
	PageSize  int // Applied when the database is created
	CacheSize int // Pages
	SyncMode  SyncMode

	// Group commit limits, SyncNormal only
	MaxBatchCommits int
	MaxBatchFrames  int
	MaxBatchWait    time.Duration

	// The background checkpointer folds the WAL into the main file every
	// CheckpointInterval once it holds at least CheckpointBytes.
	// A zero interval disables it.
	CheckpointBytes    int64
	CheckpointInterval time.Duration

	// The background vacuum runs one budgeted pass every VacuumInterval.
	// A zero interval disables it.
	VacuumInterval time.Duration
	VacuumBudget   VacuumBudget

	// Retention keeps ended versions at least this long after they ended.
	Retention time.Duration

	// Readers open longer than this are logged and reported.
	ReaderStallThreshold time.Duration
	MaxReaders           int

	Logger Logger

	// Registerer receives the database's collectors. Nil disables
	// registration.
	Registerer prometheus.Registerer
}

// DefaultOptions returns safe default configuration.
func DefaultOptions() Options {
	return Options{
		PageSize:             base.DefaultPageSize,
		CacheSize:            4096, // 32MB of 8KB pages
		SyncMode:             SyncFull,
		MaxBatchCommits:      64,
		MaxBatchFrames:       4096,
		MaxBatchWait:         time.Millisecond,
		CheckpointBytes:      4 << 20,
		CheckpointInterval:   time.Second,
		VacuumInterval:       time.Second,
		VacuumBudget:         VacuumBudget{MaxPages: 256, MaxDuration: 10 * time.Millisecond},
		ReaderStallThreshold: 30 * time.Second,
		MaxReaders:           128,
		Logger:               DiscardLogger{},
	}
}

// Option configures database options using the functional options pattern.
type Option func(*Options)

// WithPageSize sets the page size of a new database. It is ignored when
// the file already exists.
func WithPageSize(size int) Option {
	return func(opts *Options) {
		opts.PageSize = size
	}
}

// WithCacheSize sets the number of pages kept in memory.
func WithCacheSize(pages int) Option {
	return func(opts *Options) {
		opts.CacheSize = pages
	}
}

// WithSyncMode sets when commits are fsynced.
func WithSyncMode(mode SyncMode) Option {
	return func(opts *Options) {
		opts.SyncMode = mode
	}
}

// WithGroupCommit bounds the batches SyncNormal covers with one fsync.
func WithGroupCommit(commits, frames int, wait time.Duration) Option {
	return func(opts *Options) {
		opts.MaxBatchCommits = commits
		opts.MaxBatchFrames = frames
		opts.MaxBatchWait = wait
	}
}

// WithAutoCheckpoint configures the background checkpointer. A zero
// interval disables it.
func WithAutoCheckpoint(bytes int64, interval time.Duration) Option {
	return func(opts *Options) {
		opts.CheckpointBytes = bytes
		opts.CheckpointInterval = interval
	}
}

// WithVacuum configures the background vacuum. A zero interval disables
// it.
func WithVacuum(interval time.Duration, budget VacuumBudget) Option {
	return func(opts *Options) {
		opts.VacuumInterval = interval
		opts.VacuumBudget = budget
	}
}

// WithRetention keeps ended versions for at least d.
func WithRetention(d time.Duration) Option {
	return func(opts *Options) {
		opts.Retention = d
	}
}

// WithReaderStallThreshold sets the age at which an open reader is
// reported.
func WithReaderStallThreshold(d time.Duration) Option {
	return func(opts *Options) {
		opts.ReaderStallThreshold = d
	}
}

// WithMaxReaders sets the number of concurrent readers in this process.
func WithMaxReaders(n int) Option {
	return func(opts *Options) {
		opts.MaxReaders = n
	}
}

func WithLogger(l Logger) Option {
	return func(opts *Options) {
		opts.Logger = l
	}
}

// WithMetrics registers the database's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(opts *Options) {
		opts.Registerer = reg
	}
}
