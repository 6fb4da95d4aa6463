package graphstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alexhholmes/graphstore/codec"
)

// setup opens a database in a temp dir with the background goroutines
// disabled.
func setup(t *testing.T, options ...Option) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts := append([]Option{
		WithSyncMode(SyncOff),
		WithAutoCheckpoint(0, 0),
		WithVacuum(0, VacuumBudget{}),
	}, options...)
	db, err := Open(path, opts...)
	require.NoError(t, err, "Failed to create DB")
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func ptr[T any](v T) *T { return &v }

func openNames(t *testing.T, tx Tx) *Tree[uint64, string] {
	t.Helper()
	tr, err := OpenTree[uint64, string](tx, 1, codec.Uint64Key{}, codec.StringValue{})
	require.NoError(t, err)
	return tr
}

func openHistory(t *testing.T, tx Tx) *Versioned[string, string] {
	t.Helper()
	vt, err := OpenVersioned[string, string](tx, 2, codec.StringKey{}, codec.StringValue{})
	require.NoError(t, err)
	return vt
}

func TestTreeCRUD(t *testing.T) {
	t.Parallel()
	db, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, db.Update(ctx, func(tx *WriteTx) error {
		tr := openNames(t, tx)
		for i := uint64(0); i < 100; i++ {
			if err := tr.Put(i, fmt.Sprintf("node-%d", i)); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *ReadTx) error {
		tr := openNames(t, tx)
		v, err := tr.Get(42)
		require.NoError(t, err)
		assert.Equal(t, "node-42", v)

		n, err := tr.Len()
		require.NoError(t, err)
		assert.Equal(t, 100, n)

		var keys []uint64
		require.NoError(t, tr.Range(ptr[uint64](10), ptr[uint64](20), func(k uint64, _ string) bool {
			keys = append(keys, k)
			return true
		}))
		assert.Equal(t, []uint64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}, keys)

		keys = keys[:0]
		require.NoError(t, tr.Range(ptr[uint64](97), nil, func(k uint64, _ string) bool {
			keys = append(keys, k)
			return true
		}))
		assert.Equal(t, []uint64{97, 98, 99}, keys)
		return tr.Check()
	}))

	require.NoError(t, db.Update(ctx, func(tx *WriteTx) error {
		tr := openNames(t, tx)
		found, err := tr.Delete(42)
		require.NoError(t, err)
		assert.True(t, found)
		found, err = tr.Delete(42)
		require.NoError(t, err)
		assert.False(t, found)
		return tr.Put(7, "seven")
	}))

	require.NoError(t, db.View(func(tx *ReadTx) error {
		tr := openNames(t, tx)
		_, err := tr.Get(42)
		assert.ErrorIs(t, err, ErrNotFound)
		v, err := tr.Get(7)
		require.NoError(t, err)
		assert.Equal(t, "seven", v)
		return nil
	}))
}

func TestReadTxOnUnusedSlot(t *testing.T) {
	t.Parallel()
	db, _ := setup(t)

	require.NoError(t, db.View(func(tx *ReadTx) error {
		tr := openNames(t, tx)
		_, err := tr.Get(1)
		assert.ErrorIs(t, err, ErrNotFound)
		n, err := tr.Len()
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.ErrorIs(t, tr.Put(1, "x"), ErrTxReadOnly)
		return nil
	}))
}

func TestOpenTreeValidatesSlot(t *testing.T) {
	t.Parallel()
	db, _ := setup(t)

	err := db.Update(context.Background(), func(tx *WriteTx) error {
		_, err := OpenTree[uint64, string](tx, 16, codec.Uint64Key{}, codec.StringValue{})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = OpenTree[uint64, string](tx, -1, codec.Uint64Key{}, codec.StringValue{})
		assert.ErrorIs(t, err, ErrInvalidArgument)

		openNames(t, tx)
		_, err = OpenVersioned[uint64, string](tx, 1, codec.Uint64Key{}, codec.StringValue{})
		assert.ErrorIs(t, err, ErrTreeKind)
		return nil
	})
	require.NoError(t, err)
}

func TestWriteTxLifecycle(t *testing.T) {
	t.Parallel()
	db, _ := setup(t)
	ctx := context.Background()

	tx, err := db.BeginWrite(ctx)
	require.NoError(t, err)
	id := tx.CommitID()
	assert.Equal(t, id, tx.Snapshot())
	require.NoError(t, openNames(t, tx).Put(1, "one"))
	lsn, err := tx.Commit()
	require.NoError(t, err)
	assert.Equal(t, id, lsn)

	_, err = tx.Commit()
	assert.ErrorIs(t, err, ErrTxDone)
	require.NoError(t, tx.Rollback())
	_, err = OpenTree[uint64, string](tx, 1, codec.Uint64Key{}, codec.StringValue{})
	assert.ErrorIs(t, err, ErrTxDone)

	// A transaction that changes nothing returns the commit it read.
	tx, err = db.BeginWrite(ctx)
	require.NoError(t, err)
	empty, err := tx.Commit()
	require.NoError(t, err)
	assert.Equal(t, lsn, empty)

	// The next commit id is not burned by the empty commit.
	tx, err = db.BeginWrite(ctx)
	require.NoError(t, err)
	assert.Equal(t, lsn+1, tx.CommitID())
	require.NoError(t, tx.Rollback())
}

func TestUpdateRollsBackOnError(t *testing.T) {
	t.Parallel()
	db, _ := setup(t)
	boom := errors.New("boom")

	err := db.Update(context.Background(), func(tx *WriteTx) error {
		require.NoError(t, openNames(t, tx).Put(1, "one"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, db.View(func(tx *ReadTx) error {
		_, err := openNames(t, tx).Get(1)
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestReopenPersists(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	db, err := Open(path, WithPageSize(4096))
	require.NoError(t, err)
	for i := uint64(0); i < 50; i++ {
		require.NoError(t, db.Update(ctx, func(tx *WriteTx) error {
			if err := openNames(t, tx).Put(i, fmt.Sprint(i)); err != nil {
				return err
			}
			return openHistory(t, tx).Put("counter", fmt.Sprint(i))
		}))
	}
	last := db.Stats().Last
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = db.BeginRead()
	assert.ErrorIs(t, err, ErrDatabaseClosed)

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, last, db.Stats().Last)

	require.NoError(t, db.View(func(tx *ReadTx) error {
		n, err := openNames(t, tx).Len()
		require.NoError(t, err)
		assert.Equal(t, 50, n)
		v, err := openHistory(t, tx).Get("counter")
		require.NoError(t, err)
		assert.Equal(t, "49", v)
		return nil
	}))
}

func TestLargeValues(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "large.db")
	ctx := context.Background()
	big := func(c byte, n int) string { return strings.Repeat(string(c), n) }

	db, err := Open(path, WithPageSize(512), WithSyncMode(SyncOff), WithAutoCheckpoint(0, 0), WithVacuum(0, VacuumBudget{}))
	require.NoError(t, err)
	require.NoError(t, db.Update(ctx, func(tx *WriteTx) error {
		for i := uint64(0); i < 20; i++ {
			if err := openNames(t, tx).Put(i, big(byte('a'+i), 61+int(i)*500)); err != nil {
				return err
			}
		}
		return openHistory(t, tx).Put("doc", big('x', 70000))
	}))
	require.NoError(t, db.Update(ctx, func(tx *WriteTx) error {
		return openHistory(t, tx).Put("doc", big('y', 3000))
	}))
	require.NoError(t, db.Checkpoint(ctx, CheckpointForce))
	require.NoError(t, db.Update(ctx, func(tx *WriteTx) error {
		return openNames(t, tx).Put(3, big('z', 9000))
	}))
	require.NoError(t, db.Close())

	db, err = Open(path, WithSyncMode(SyncOff), WithAutoCheckpoint(0, 0), WithVacuum(0, VacuumBudget{}))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.View(func(tx *ReadTx) error {
		tr := openNames(t, tx)
		require.NoError(t, tr.Check())
		for i := uint64(0); i < 20; i++ {
			want := big(byte('a'+i), 61+int(i)*500)
			if i == 3 {
				want = big('z', 9000)
			}
			v, err := tr.Get(i)
			require.NoError(t, err)
			assert.Equal(t, want, v, "key %d", i)
		}

		versions, err := openHistory(t, tx).Versions("doc")
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, big('y', 3000), versions[0].Value)
		assert.Equal(t, big('x', 70000), versions[1].Value)
		return nil
	}))

	// Vacuum drops the ended version and its overflow pages.
	free := db.Stats().FreePages
	res, err := db.Vacuum(ctx, VacuumBudget{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Greater(t, db.Stats().FreePages, free+100)
}

func TestVersionedSnapshots(t *testing.T) {
	t.Parallel()
	db, _ := setup(t)
	ctx := context.Background()

	put := func(v string) LSN {
		tx, err := db.BeginWrite(ctx)
		require.NoError(t, err)
		require.NoError(t, openHistory(t, tx).Put("alice", v))
		lsn, err := tx.Commit()
		require.NoError(t, err)
		return lsn
	}

	c1 := put("v1")
	old, err := db.BeginRead()
	require.NoError(t, err)
	defer old.Close()
	assert.Equal(t, c1, old.Snapshot())

	c2 := put("v2")

	v, err := openHistory(t, old).Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "v1", v, "old snapshot")

	require.NoError(t, db.Update(ctx, func(tx *WriteTx) error {
		vt := openHistory(t, tx)
		v, err := vt.Get("alice")
		require.NoError(t, err)
		assert.Equal(t, "v2", v)

		found, err := vt.Delete("alice")
		require.NoError(t, err)
		assert.True(t, found)
		_, err = vt.GetWithWrite("alice")
		assert.ErrorIs(t, err, ErrNotFound, "writer sees its own delete")

		require.NoError(t, vt.Put("bob", "b1"))
		v, err = vt.GetWithWrite("bob")
		require.NoError(t, err)
		assert.Equal(t, "b1", v)
		return nil
	}))

	v, err = openHistory(t, old).Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	n, err := openHistory(t, old).Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, db.View(func(tx *ReadTx) error {
		vt := openHistory(t, tx)
		_, err := vt.Get("alice")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = vt.GetWithWrite("alice")
		assert.ErrorIs(t, err, ErrTxReadOnly)

		versions, err := vt.Versions("alice")
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, Version[string]{Begin: c2, End: c2 + 1, Value: "v2"}, versions[0])
		assert.Equal(t, Version[string]{Begin: c1, End: c2, Value: "v1"}, versions[1])

		var keys []string
		require.NoError(t, vt.Range(nil, nil, func(k, _ string) bool {
			keys = append(keys, k)
			return true
		}))
		assert.Equal(t, []string{"bob"}, keys)
		return nil
	}))
}

func TestVacuumWaitsForReaders(t *testing.T) {
	t.Parallel()
	db, _ := setup(t)
	ctx := context.Background()

	put := func(v string) {
		require.NoError(t, db.Update(ctx, func(tx *WriteTx) error {
			return openHistory(t, tx).Put("k", v)
		}))
	}

	put("v1")
	reader, err := db.BeginRead()
	require.NoError(t, err)
	put("v2")
	put("v3")

	res, err := db.Vacuum(ctx, VacuumBudget{})
	require.NoError(t, err)
	assert.Equal(t, reader.Snapshot(), res.Horizon)
	assert.Zero(t, res.Removed)
	assert.True(t, res.Complete)

	v, err := openHistory(t, reader).Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	require.NoError(t, reader.Close())
	require.NoError(t, reader.Close())

	res, err = db.Vacuum(ctx, VacuumBudget{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Removed)

	s := db.Stats()
	assert.Equal(t, uint64(2), s.VacuumPasses)
	assert.Equal(t, uint64(2), s.VacuumRemoved)

	require.NoError(t, db.View(func(tx *ReadTx) error {
		versions, err := openHistory(t, tx).Versions("k")
		require.NoError(t, err)
		require.Len(t, versions, 1)
		assert.Equal(t, "v3", versions[0].Value)
		return nil
	}))
}

func TestVacuumResumesAcrossPasses(t *testing.T) {
	t.Parallel()
	db, _ := setup(t, WithPageSize(1024))
	ctx := context.Background()

	for round := 0; round < 3; round++ {
		require.NoError(t, db.Update(ctx, func(tx *WriteTx) error {
			vt := openHistory(t, tx)
			for i := 0; i < 200; i++ {
				if err := vt.Put(fmt.Sprintf("key-%04d", i), fmt.Sprint(round)); err != nil {
					return err
				}
			}
			return nil
		}))
	}

	removed, passes := 0, 0
	for {
		res, err := db.Vacuum(ctx, VacuumBudget{MaxPages: 2})
		require.NoError(t, err)
		removed += res.Removed
		passes++
		if res.Complete {
			break
		}
		require.Less(t, passes, 1000)
	}
	assert.Equal(t, 400, removed)
	assert.Greater(t, passes, 1)
}

func TestVacuumUnderConcurrentReaders(t *testing.T) {
	t.Parallel()
	db, _ := setup(t,
		WithPageSize(1024),
		WithAutoCheckpoint(8<<10, 5*time.Millisecond),
		WithVacuum(time.Millisecond, VacuumBudget{MaxPages: 2}),
	)
	ctx := context.Background()
	const keys, rounds, readers, scans = 100, 60, 4, 3

	stamp := func(round int) error {
		return db.Update(ctx, func(tx *WriteTx) error {
			vt, err := OpenVersioned[string, string](tx, 2, codec.StringKey{}, codec.StringValue{})
			if err != nil {
				return err
			}
			v := fmt.Sprintf("round-%04d", round)
			for i := 0; i < keys; i++ {
				if err := vt.Put(fmt.Sprintf("key-%04d", i), v); err != nil {
					return err
				}
			}
			return vt.Put("~blob", strings.Repeat(v, 300))
		})
	}
	require.NoError(t, stamp(0))

	// scan reads every key of one snapshot and returns the single value
	// they all carry.
	scan := func(tx *ReadTx) (string, error) {
		vt, err := OpenVersioned[string, string](tx, 2, codec.StringKey{}, codec.StringValue{})
		if err != nil {
			return "", err
		}
		var (
			seen  string
			count int
			blob  string
			mixed error
		)
		err = vt.Range(nil, nil, func(k, v string) bool {
			if k == "~blob" {
				blob = v
				return true
			}
			if count == 0 {
				seen = v
			}
			if v != seen {
				mixed = fmt.Errorf("snapshot %d: %s is %s, earlier keys %s", tx.Snapshot(), k, v, seen)
				return false
			}
			count++
			return true
		})
		if err = errors.Join(err, mixed); err != nil {
			return "", err
		}
		if count != keys {
			return "", fmt.Errorf("snapshot %d: %d keys, want %d", tx.Snapshot(), count, keys)
		}
		if blob != strings.Repeat(seen, 300) {
			return "", fmt.Errorf("snapshot %d: blob does not match %s", tx.Snapshot(), seen)
		}
		return seen, nil
	}

	var done atomic.Bool
	var g errgroup.Group
	g.Go(func() error {
		defer done.Store(true)
		for r := 1; r <= rounds; r++ {
			if err := stamp(r); err != nil {
				return err
			}
		}
		return nil
	})
	for i := 0; i < readers; i++ {
		g.Go(func() error {
			for !done.Load() {
				tx, err := db.BeginRead()
				if err != nil {
					return err
				}
				first, err := scan(tx)
				for j := 1; j < scans && err == nil; j++ {
					var again string
					if again, err = scan(tx); err == nil && again != first {
						err = fmt.Errorf("snapshot %d: scan %d saw %s, first scan %s", tx.Snapshot(), j, again, first)
					}
				}
				tx.Close()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Eventually(t, func() bool {
		return db.Stats().VacuumRemoved > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, db.View(func(tx *ReadTx) error {
		v, err := scan(tx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("round-%04d", rounds), v)
		return nil
	}))
}

func TestCheckpoint(t *testing.T) {
	t.Parallel()
	db, _ := setup(t)
	ctx := context.Background()

	var lsn LSN
	for i := uint64(0); i < 10; i++ {
		tx, err := db.BeginWrite(ctx)
		require.NoError(t, err)
		require.NoError(t, openNames(t, tx).Put(i, "x"))
		lsn, err = tx.Commit()
		require.NoError(t, err)
	}

	// A reader blocks checkpoints; best effort skips instead of waiting.
	reader, err := db.BeginRead()
	require.NoError(t, err)
	require.NoError(t, db.Checkpoint(ctx, CheckpointBestEffort))
	assert.Equal(t, uint64(1), db.Stats().CheckpointsSkipped)
	assert.Less(t, db.Stats().CheckpointLSN, lsn)
	require.NoError(t, reader.Close())

	require.NoError(t, db.Checkpoint(ctx, CheckpointForce))
	s := db.Stats()
	assert.Equal(t, lsn, s.CheckpointLSN)
	assert.Equal(t, uint64(1), s.Checkpoints)

	require.NoError(t, db.View(func(tx *ReadTx) error {
		n, err := openNames(t, tx).Len()
		require.NoError(t, err)
		assert.Equal(t, 10, n)
		return nil
	}))
}

func TestBackgroundWorkers(t *testing.T) {
	t.Parallel()
	db, _ := setup(t,
		WithAutoCheckpoint(1, 10*time.Millisecond),
		WithVacuum(10*time.Millisecond, VacuumBudget{MaxPages: 16}),
	)
	ctx := context.Background()

	var lsn LSN
	for _, v := range []string{"a", "b", "c"} {
		tx, err := db.BeginWrite(ctx)
		require.NoError(t, err)
		require.NoError(t, openHistory(t, tx).Put("k", v))
		lsn, err = tx.Commit()
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return db.Stats().VacuumRemoved == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return db.Stats().CheckpointLSN >= lsn
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConcurrentWriters(t *testing.T) {
	t.Parallel()
	db, _ := setup(t, WithSyncMode(SyncNormal))
	ctx := context.Background()

	const writers, commits = 8, 20
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < commits; i++ {
				err := db.Update(ctx, func(tx *WriteTx) error {
					tr, err := OpenTree[uint64, string](tx, 1, codec.Uint64Key{}, codec.StringValue{})
					if err != nil {
						return err
					}
					return tr.Put(uint64(w*commits+i), "x")
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, db.View(func(tx *ReadTx) error {
		n, err := openNames(t, tx).Len()
		require.NoError(t, err)
		assert.Equal(t, writers*commits, n)
		return nil
	}))
	s := db.Stats()
	assert.Equal(t, uint64(writers*commits), s.WAL.Commits)
}

func TestTooManyReaders(t *testing.T) {
	t.Parallel()
	db, _ := setup(t, WithMaxReaders(1))

	r, err := db.BeginRead()
	require.NoError(t, err)
	assert.Equal(t, 1, db.Stats().Readers)
	_, err = db.BeginRead()
	assert.ErrorIs(t, err, ErrTooManyReaders)
	require.NoError(t, r.Close())

	r, err = db.BeginRead()
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestOpenRejectsBadOptions(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "a.db"), WithPageSize(1000))
	assert.ErrorIs(t, err, ErrInvalidPageSize)
	_, err = Open(filepath.Join(dir, "b.db"), WithMaxReaders(0))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
