package pager

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/coordinator"
	"github.com/alexhholmes/graphstore/internal/wal"
)

type CheckpointMode int

const (
	// CheckpointBestEffort skips the checkpoint when a writer, a reader or
	// another checkpoint is active.
	CheckpointBestEffort CheckpointMode = iota

	// CheckpointForce waits for the writer lock and for readers to drain,
	// bounded by the caller's context.
	CheckpointForce
)

func (m CheckpointMode) String() string {
	switch m {
	case CheckpointBestEffort:
		return "best-effort"
	case CheckpointForce:
		return "force"
	default:
		return fmt.Sprintf("CheckpointMode(%d)", int(m))
	}
}

// CheckpointResult describes one checkpoint attempt.
type CheckpointResult struct {
	Skipped bool     // Busy, nothing done
	Pages   int      // Pages written to the main file
	LSN     base.LSN // Checkpoint LSN afterwards
}

// Checkpoint folds the WAL into the main file, persists the new checkpoint
// LSN in the meta page and resets the WAL. It never runs while a reader is
// active, so main-file images always match every live snapshot.
func (p *Pager) Checkpoint(ctx context.Context, mode CheckpointMode) (CheckpointResult, error) {
	skipped := func() (CheckpointResult, error) {
		p.skipped.Add(1)
		return CheckpointResult{Skipped: true, LSN: p.ckpt.Load()}, nil
	}

	switch mode {
	case CheckpointForce:
		if err := p.locks.AcquireWriter(ctx); err != nil {
			return CheckpointResult{}, err
		}
	default:
		ok, err := p.locks.TryWriter()
		if err != nil {
			return CheckpointResult{}, err
		}
		if !ok {
			return skipped()
		}
	}
	defer p.locks.ReleaseWriter()

	ok, err := p.locks.TryCheckpoint()
	if err != nil {
		return CheckpointResult{}, err
	}
	if !ok && mode == CheckpointForce {
		ok, err = p.waitCheckpoint(ctx)
		if err != nil {
			return CheckpointResult{}, err
		}
	}
	if !ok {
		return skipped()
	}
	defer p.locks.ReleaseCheckpoint()

	if err := p.refresh(); err != nil {
		return CheckpointResult{}, err
	}
	if err := p.wal.Sync(); err != nil {
		return CheckpointResult{}, err
	}
	n, err := p.checkpointLocked()
	if err != nil {
		return CheckpointResult{}, err
	}
	return CheckpointResult{Pages: n, LSN: p.ckpt.Load()}, nil
}

func (p *Pager) waitCheckpoint(ctx context.Context) (bool, error) {
	ticker := time.NewTicker(coordinator.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			if ok, err := p.locks.TryCheckpoint(); ok || err != nil {
				return ok, err
			}
		}
	}
}

// checkpointLocked applies the newest image of every page logged after the
// checkpoint LSN. Applying the newest image per page is equivalent to
// replaying every frame in LSN order, and doing it twice writes the same
// bytes. The caller holds the writer, checkpoint and exclusive reader locks.
func (p *Pager) checkpointLocked() (int, error) {
	ckpt := p.ckpt.Load()
	last := ckpt
	var apply []wal.Frame
	for _, f := range p.wal.Index().Newest() {
		last = max(last, f.LSN)
		if f.LSN > ckpt {
			apply = append(apply, f)
		}
	}

	if len(apply) > 0 {
		if err := p.applyFrames(apply); err != nil {
			return 0, err
		}
		if err := p.store.Sync(); err != nil {
			return 0, err
		}
	}
	if last > ckpt {
		meta, err := p.readMainMeta()
		if err != nil {
			return 0, err
		}
		meta.CheckpointLSN = last
		buf := make([]byte, p.pageSize)
		meta.Encode(buf)
		if err := p.store.WritePage(base.MetaPageID, buf); err != nil {
			return 0, err
		}
		if err := p.store.Sync(); err != nil {
			return 0, err
		}
		p.ckpt.Store(last)
	}
	if err := p.wal.Reset(last + 1); err != nil {
		return 0, err
	}
	p.checkpoints.Add(1)
	return len(apply), nil
}

// applyFrames writes frames, sorted by page id, to the main file. Runs of
// contiguous pages go out in one write each, several runs at a time.
func (p *Pager) applyFrames(frames []wal.Frame) error {
	g := new(errgroup.Group)
	g.SetLimit(p.opts.CheckpointConcurrency)

	for start := 0; start < len(frames); {
		end := start + 1
		for end < len(frames) && frames[end].PageID == frames[end-1].PageID+1 {
			end++
		}
		run := frames[start:end]
		g.Go(func() error {
			buf := make([]byte, len(run)*p.pageSize)
			for i, f := range run {
				page := buf[i*p.pageSize : (i+1)*p.pageSize]
				if err := p.wal.ReadPage(f.Offset, page); err != nil {
					return err
				}
				if err := base.Verify(page, f.PageID, p.salt); err != nil {
					return err
				}
			}
			return p.store.WriteRun(run[0].PageID, buf)
		})
		start = end
	}
	return g.Wait()
}
