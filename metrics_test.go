package graphstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	dir := t.TempDir()
	ctx := context.Background()

	open := func(name string) *DB {
		db, err := Open(filepath.Join(dir, name),
			WithSyncMode(SyncOff),
			WithAutoCheckpoint(0, 0),
			WithVacuum(0, VacuumBudget{}),
			WithMetrics(reg),
		)
		require.NoError(t, err)
		return db
	}

	// Two databases share one set of collectors.
	a, b := open("a.db"), open("b.db")
	defer b.Close()
	assert.Same(t, a.metrics.vecs.commits, b.metrics.vecs.commits)

	for i := uint64(0); i < 3; i++ {
		require.NoError(t, a.Update(ctx, func(tx *WriteTx) error {
			return openNames(t, tx).Put(i, "x")
		}))
	}
	require.NoError(t, a.Checkpoint(ctx, CheckpointForce))

	assert.Equal(t, 3.0, testutil.ToFloat64(a.metrics.commits))
	assert.Zero(t, testutil.ToFloat64(b.metrics.commits))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.checkpoints))
	assert.Equal(t, float64(a.Stats().CheckpointLSN), testutil.ToFloat64(a.metrics.checkpointLSN))

	a.metrics.publish(a.Stats())
	assert.Equal(t, float64(a.Stats().WAL.Frames), testutil.ToFloat64(a.metrics.frames))
	assert.Positive(t, testutil.ToFloat64(a.metrics.frames))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["graphstore_commit_count"])
	assert.True(t, names["graphstore_checkpoint_lsn"])

	// Closing drops the database's series.
	require.NoError(t, a.Close())
	assert.Equal(t, 1, testutil.CollectAndCount(b.metrics.vecs.commits))
}
