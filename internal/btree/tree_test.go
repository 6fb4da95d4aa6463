package btree

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/pager"
	"github.com/alexhholmes/graphstore/internal/wal"
)

func openPager(t *testing.T, pageSize int) *pager.Pager {
	t.Helper()
	p, _, err := pager.Open(filepath.Join(t.TempDir(), "tree.db"), pager.Options{
		PageSize: pageSize,
		SyncMode: wal.SyncOff,
		Validators: map[base.PageKind]pager.Validator{
			base.KindBTreeLeaf:     Validate,
			base.KindBTreeInternal: Validate,
			base.KindOverflow:      ValidateOverflow,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// update runs fn against the tree in root slot 0 and commits.
func update(t *testing.T, p *pager.Pager, fn func(tr *Tree)) {
	t.Helper()
	tx, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	root := tx.Root(0).Page
	if root == 0 {
		root, err = Create(tx)
		require.NoError(t, err)
	}
	tr := Open(tx, root)
	fn(tr)
	require.NoError(t, tx.SetRoot(0, base.Root{Page: tr.Root(), Kind: base.RootPlain}))
	_, err = tx.Commit()
	require.NoError(t, err)
}

func view(t *testing.T, p *pager.Pager, fn func(tr *Tree)) {
	t.Helper()
	v, err := p.BeginRead(context.Background())
	require.NoError(t, err)
	defer v.Close()
	fn(Open(v, v.Root(0).Page))
}

func u64(i int) []byte { return binary.BigEndian.AppendUint64(nil, uint64(i)) }

func depth(t *testing.T, tr *Tree) int {
	t.Helper()
	d := 1
	id := tr.Root()
	for {
		n, ref, err := tr.load(id)
		require.NoError(t, err)
		leaf := n.isLeaf()
		if !leaf {
			id = n.child(0)
		}
		ref.Release()
		if leaf {
			return d
		}
		d++
	}
}

func scan(t *testing.T, tr *Tree) [][2]string {
	t.Helper()
	var out [][2]string
	c := tr.Cursor()
	defer c.Close()
	for k, v := c.First(); c.Valid(); k, v = c.Next() {
		out = append(out, [2]string{string(k), string(v)})
	}
	require.NoError(t, c.Err())
	return out
}

func TestPutGetDelete(t *testing.T) {
	t.Parallel()
	p := openPager(t, 4096)

	update(t, p, func(tr *Tree) {
		inserted, err := tr.Put([]byte("b"), []byte("2"))
		require.NoError(t, err)
		assert.True(t, inserted)
		_, err = tr.Put([]byte("a"), []byte("1"))
		require.NoError(t, err)
		inserted, err = tr.Put([]byte("b"), []byte("two"))
		require.NoError(t, err)
		assert.False(t, inserted)
	})

	view(t, p, func(tr *Tree) {
		v, ok, err := tr.Get([]byte("b"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("two"), v)
		_, ok, err = tr.Get([]byte("c"))
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = tr.Put([]byte("c"), nil)
		assert.ErrorIs(t, err, ErrReadOnly)
	})

	update(t, p, func(tr *Tree) {
		found, err := tr.Delete([]byte("a"))
		require.NoError(t, err)
		assert.True(t, found)
		found, err = tr.Delete([]byte("a"))
		require.NoError(t, err)
		assert.False(t, found)
	})

	view(t, p, func(tr *Tree) {
		assert.Equal(t, [][2]string{{"b", "two"}}, scan(t, tr))
		n, err := tr.Len()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestSizeLimits(t *testing.T) {
	t.Parallel()
	p := openPager(t, 512)

	update(t, p, func(tr *Tree) {
		_, err := tr.Put(make([]byte, MaxKeySize(512)+1), nil)
		assert.ErrorIs(t, err, ErrKeyTooLarge)
		assert.ErrorIs(t, err, base.ErrInvalidArgument)

		// Values past the inline limit move to overflow pages.
		k := []byte("k")
		_, err = tr.Put(k, make([]byte, MaxValueSize(512, len(k))))
		assert.NoError(t, err)
		_, err = tr.Put(k, make([]byte, MaxValueSize(512, len(k))+1))
		assert.NoError(t, err)
		require.NoError(t, tr.Check())
	})
}

func TestDifferential(t *testing.T) {
	t.Parallel()
	p := openPager(t, 512)
	rng := rand.New(rand.NewPCG(1, 2))
	ref := make(map[string]string)

	for round := 0; round < 20; round++ {
		update(t, p, func(tr *Tree) {
			for i := 0; i < 300; i++ {
				k := u64(rng.IntN(2000))
				switch op := rng.IntN(10); {
				case op < 6:
					v := bytes.Repeat([]byte{byte(rng.IntN(256))}, rng.IntN(40))
					inserted, err := tr.Put(k, v)
					require.NoError(t, err)
					_, existed := ref[string(k)]
					assert.Equal(t, !existed, inserted)
					ref[string(k)] = string(v)
				default:
					found, err := tr.Delete(k)
					require.NoError(t, err)
					_, existed := ref[string(k)]
					assert.Equal(t, existed, found)
					delete(ref, string(k))
				}
			}
			require.NoError(t, tr.Check())
		})

		view(t, p, func(tr *Tree) {
			require.NoError(t, tr.Check())
			want := make([][2]string, 0, len(ref))
			for k, v := range ref {
				want = append(want, [2]string{k, v})
			}
			slices.SortFunc(want, func(a, b [2]string) int { return bytes.Compare([]byte(a[0]), []byte(b[0])) })
			if len(want) == 0 {
				want = nil
			}
			assert.Equal(t, want, scan(t, tr))

			n, err := tr.Len()
			require.NoError(t, err)
			assert.Equal(t, len(ref), n)

			for i := 0; i < 50; i++ {
				k := u64(rng.IntN(2000))
				v, ok, err := tr.Get(k)
				require.NoError(t, err)
				rv, rok := ref[string(k)]
				assert.Equal(t, rok, ok)
				if ok {
					assert.Equal(t, rv, string(v))
				}
			}
		})
	}
}

func TestTenThousandKeysCollapse(t *testing.T) {
	t.Parallel()
	p := openPager(t, 512)
	const n = 10000

	update(t, p, func(tr *Tree) {
		for i := 0; i < n; i++ {
			_, err := tr.Put(u64(i), u64(i*7))
			require.NoError(t, err)
		}
		require.NoError(t, tr.Check())
	})

	view(t, p, func(tr *Tree) {
		assert.Greater(t, depth(t, tr), 2)
		count, err := tr.Len()
		require.NoError(t, err)
		assert.Equal(t, n, count)
		v, ok, err := tr.Get(u64(4321))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, u64(4321*7), v)
	})

	order := rand.New(rand.NewPCG(3, 4)).Perm(n)
	for start := 0; start < n; start += 2500 {
		update(t, p, func(tr *Tree) {
			for _, i := range order[start : start+2500] {
				found, err := tr.Delete(u64(i))
				require.NoError(t, err)
				require.True(t, found, "key %d", i)
			}
			require.NoError(t, tr.Check())
		})
	}

	view(t, p, func(tr *Tree) {
		n, ref, err := tr.load(tr.Root())
		require.NoError(t, err)
		defer ref.Release()
		assert.True(t, n.isLeaf())
		assert.Zero(t, n.numSlots())
		assert.Empty(t, n.lowFence())
		assert.Empty(t, n.highFence())
		assert.Zero(t, n.left())
		assert.Zero(t, n.right())
	})
	assert.Greater(t, p.Stats().FreePages, uint64(100))
}

func TestDescendingInsertAndLongKeys(t *testing.T) {
	t.Parallel()
	p := openPager(t, 512)
	long := func(i int) []byte {
		return append(bytes.Repeat([]byte{'x'}, MaxKeySize(512)-8), u64(i)...)
	}

	update(t, p, func(tr *Tree) {
		for i := 2000; i > 0; i-- {
			_, err := tr.Put(long(i), u64(i))
			require.NoError(t, err)
		}
		require.NoError(t, tr.Check())
		for i := 1; i <= 2000; i += 2 {
			_, err := tr.Delete(long(i))
			require.NoError(t, err)
		}
		require.NoError(t, tr.Check())
	})

	view(t, p, func(tr *Tree) {
		count, err := tr.Len()
		require.NoError(t, err)
		assert.Equal(t, 1000, count)
	})
}

func TestCursor(t *testing.T) {
	t.Parallel()
	p := openPager(t, 512)
	update(t, p, func(tr *Tree) {
		for i := 0; i < 500; i += 2 {
			_, err := tr.Put(u64(i), []byte("v"))
			require.NoError(t, err)
		}
	})

	view(t, p, func(tr *Tree) {
		c := tr.Cursor()
		defer c.Close()

		k, _ := c.Seek(u64(101))
		assert.Equal(t, u64(102), k)
		k, _ = c.Prev()
		assert.Equal(t, u64(100), k)

		k, _ = c.Last()
		assert.Equal(t, u64(498), k)
		k, _ = c.Next()
		assert.Nil(t, k)
		assert.False(t, c.Valid())
		assert.NoError(t, c.Err())

		k, _ = c.Seek(u64(1000))
		assert.Nil(t, k)
		assert.False(t, c.Valid())

		// Walk backwards across every leaf.
		count := 0
		for k, _ = c.Last(); c.Valid(); k, _ = c.Prev() {
			assert.Equal(t, u64(498-2*count), k)
			count++
		}
		assert.Equal(t, 250, count)
	})
}

func TestReaderKeepsSnapshot(t *testing.T) {
	t.Parallel()
	p := openPager(t, 512)
	update(t, p, func(tr *Tree) {
		for i := 0; i < 1000; i++ {
			_, err := tr.Put(u64(i), []byte("old"))
			require.NoError(t, err)
		}
	})

	v, err := p.BeginRead(context.Background())
	require.NoError(t, err)
	defer v.Close()
	old := Open(v, v.Root(0).Page)

	update(t, p, func(tr *Tree) {
		for i := 0; i < 1000; i++ {
			if i%3 == 0 {
				_, err := tr.Delete(u64(i))
				require.NoError(t, err)
			} else {
				_, err := tr.Put(u64(i), []byte("new"))
				require.NoError(t, err)
			}
		}
	})

	count, err := old.Len()
	require.NoError(t, err)
	assert.Equal(t, 1000, count)
	require.NoError(t, old.Check())
	got, ok, err := old.Get(u64(3))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("old"), got)
}

func TestCheckDetectsBrokenSibling(t *testing.T) {
	t.Parallel()
	p := openPager(t, 512)
	update(t, p, func(tr *Tree) {
		for i := 0; i < 200; i++ {
			_, err := tr.Put(u64(i), []byte("v"))
			require.NoError(t, err)
		}
	})

	tx, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	tr := Open(tx, tx.Root(0).Page)
	c := tr.Cursor()
	c.First()
	first := c.n.id
	c.Close()

	n, err := tr.mutable(first)
	require.NoError(t, err)
	n.setRight(0)
	assert.ErrorIs(t, tr.Check(), base.ErrCorruption)
}
