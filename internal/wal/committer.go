package wal

import (
	"time"

	"github.com/alexhholmes/graphstore/internal/base"
)

// request is one commit waiting for the group fsync.
type request struct {
	lsn    base.LSN
	frames int
	done   chan error
}

// runCommitter collects back-to-back commits into one batch and covers the
// batch with a single fsync. A batch closes when it holds MaxBatchCommits
// commits or MaxBatchFrames frames, or MaxBatchWait after its first commit.
func (w *WAL) runCommitter() {
	defer w.wg.Done()

	for {
		var first *request
		select {
		case first = <-w.reqC:
		case <-w.stopC:
			return
		}

		batch := []*request{first}
		frames := first.frames
		timer := time.NewTimer(w.opts.MaxBatchWait)
	collect:
		for len(batch) < w.opts.MaxBatchCommits && frames < w.opts.MaxBatchFrames {
			select {
			case r := <-w.reqC:
				batch = append(batch, r)
				frames += r.frames
			case <-timer.C:
				break collect
			case <-w.stopC:
				break collect
			}
		}
		timer.Stop()

		start := time.Now()
		err := w.Sync()
		w.batches.Add(1)
		if w.opts.OnSync != nil && err == nil {
			w.opts.OnSync(len(batch), frames, time.Since(start))
		}
		for _, r := range batch {
			r.done <- err
		}
	}
}
