package btree

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/graphstore/internal/base"
)

func fill(n int, seed byte) []byte {
	v := make([]byte, n)
	for i := range v {
		v[i] = seed + byte(i%251)
	}
	return v
}

func TestOverflowValues(t *testing.T) {
	t.Parallel()
	p := openPager(t, 512)
	inline := MaxValueSize(512, 8)
	sizes := []int{0, 1, inline, inline + 1, chunkSize(512), chunkSize(512) + 1, 3 * chunkSize(512), 20000}
	rng := rand.New(rand.NewPCG(5, 6))
	for i := 0; i < 40; i++ {
		sizes = append(sizes, rng.IntN(5000))
	}

	want := make(map[string][]byte)
	update(t, p, func(tr *Tree) {
		for i, n := range sizes {
			v := fill(n, byte(i))
			_, err := tr.Put(u64(i), v)
			require.NoError(t, err)
			want[string(u64(i))] = v
		}
		require.NoError(t, tr.Check())

		// The writer reads its own chains.
		v, ok, err := tr.Get(u64(7))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want[string(u64(7))], v)
	})

	view(t, p, func(tr *Tree) {
		require.NoError(t, tr.Check())
		for k, v := range want {
			got, ok, err := tr.Get([]byte(k))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, v, got, "key %x", k)
		}

		c := tr.Cursor()
		defer c.Close()
		count := 0
		for k, v := c.First(); c.Valid(); k, v = c.Next() {
			assert.Equal(t, want[string(k)], v, "key %x", k)
			assert.Equal(t, want[string(k)], c.Value())
			count++
		}
		require.NoError(t, c.Err())
		assert.Equal(t, len(sizes), count)
	})
}

func TestOverflowPagesFreed(t *testing.T) {
	t.Parallel()
	p := openPager(t, 512)
	pages := func(n int) uint64 { return uint64((n + chunkSize(512) - 1) / chunkSize(512)) }

	update(t, p, func(tr *Tree) {
		_, err := tr.Put([]byte("big"), fill(10000, 1))
		require.NoError(t, err)
	})
	free := p.Stats().FreePages

	// A shorter value gives back the tail of the chain.
	update(t, p, func(tr *Tree) {
		_, err := tr.Put([]byte("big"), fill(4000, 2))
		require.NoError(t, err)
		require.NoError(t, tr.Check())
	})
	assert.GreaterOrEqual(t, p.Stats().FreePages, free+pages(10000)-pages(4000))
	free = p.Stats().FreePages

	// An inline value gives back the whole chain.
	update(t, p, func(tr *Tree) {
		_, err := tr.Put([]byte("big"), []byte("small"))
		require.NoError(t, err)
	})
	assert.GreaterOrEqual(t, p.Stats().FreePages, free+pages(4000))

	update(t, p, func(tr *Tree) {
		_, err := tr.Put([]byte("big"), fill(6000, 3))
		require.NoError(t, err)
	})
	free = p.Stats().FreePages
	update(t, p, func(tr *Tree) {
		found, err := tr.Delete([]byte("big"))
		require.NoError(t, err)
		require.True(t, found)
	})
	assert.GreaterOrEqual(t, p.Stats().FreePages, free+pages(6000))

	view(t, p, func(tr *Tree) {
		_, ok, err := tr.Get([]byte("big"))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestOverflowRewriteDirtiesChangedPages(t *testing.T) {
	t.Parallel()
	p := openPager(t, 512)
	v := fill(5000, 0)
	update(t, p, func(tr *Tree) {
		_, err := tr.Put([]byte("k"), v)
		require.NoError(t, err)
	})

	old, err := p.BeginRead(context.Background())
	require.NoError(t, err)
	defer old.Close()

	tx, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	tr := Open(tx, tx.Root(0).Page)
	changed := bytes.Clone(v)
	changed[0]++
	_, err = tr.Put([]byte("k"), changed)
	require.NoError(t, err)
	assert.Equal(t, 2, tx.Dirty(), "the leaf and the first chain page")
	_, err = tx.Commit()
	require.NoError(t, err)

	// The older snapshot still resolves the old chain image.
	got, ok, err := Open(old, old.Root(0).Page).Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v, got)

	view(t, p, func(tr *Tree) {
		got, ok, err := tr.Get([]byte("k"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, changed, got)
	})
}

func TestOverflowSplitsCarryReferences(t *testing.T) {
	t.Parallel()
	p := openPager(t, 512)
	const n = 300
	update(t, p, func(tr *Tree) {
		for i := 0; i < n; i++ {
			_, err := tr.Put(u64(i), fill(600, byte(i)))
			require.NoError(t, err)
		}
		require.NoError(t, tr.Check())
	})
	view(t, p, func(tr *Tree) {
		assert.Greater(t, depth(t, tr), 1)
		count, err := tr.Len()
		require.NoError(t, err)
		assert.Equal(t, n, count)
	})

	update(t, p, func(tr *Tree) {
		for i := 0; i < n; i += 2 {
			found, err := tr.Delete(u64(i))
			require.NoError(t, err)
			require.True(t, found)
		}
		require.NoError(t, tr.Check())
	})
	view(t, p, func(tr *Tree) {
		got, ok, err := tr.Get(u64(151))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fill(600, 151), got)
	})
}

func TestCheckDetectsDamagedChain(t *testing.T) {
	t.Parallel()

	firstChainPage := func(t *testing.T, tr *Tree) base.PageID {
		n, ref, err := tr.load(tr.Root())
		require.NoError(t, err)
		defer ref.Release()
		require.True(t, n.overflow(0))
		vr, err := decodeRef(n.id, n.value(0))
		require.NoError(t, err)
		return vr.first
	}

	tests := []struct {
		name   string
		damage func(p []byte)
	}{
		{"dangling link", func(p []byte) {
			binary.BigEndian.PutUint64(p[offNext:], 1<<20)
		}},
		{"empty page", func(p []byte) {
			binary.BigEndian.PutUint32(p[offUsed:], 0)
		}},
		{"short chain", func(p []byte) {
			binary.BigEndian.PutUint64(p[offNext:], 0)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := openPager(t, 512)
			update(t, p, func(tr *Tree) {
				_, err := tr.Put([]byte("k"), fill(2000, 0))
				require.NoError(t, err)
			})

			tx, err := p.BeginWrite(context.Background())
			require.NoError(t, err)
			defer tx.Rollback()
			tr := Open(tx, tx.Root(0).Page)
			page, err := tx.PageMut(firstChainPage(t, tr))
			require.NoError(t, err)
			tt.damage(base.Payload(page))

			assert.ErrorIs(t, tr.Check(), base.ErrCorruption)
			_, _, err = tr.Get([]byte("k"))
			assert.ErrorIs(t, err, base.ErrCorruption)
		})
	}
}

func TestValidateOverflow(t *testing.T) {
	t.Parallel()
	page := make([]byte, 512)
	base.InitPage(page, base.KindOverflow, 9, 1)
	p := base.Payload(page)
	binary.BigEndian.PutUint32(p[offUsed:], 10)
	require.NoError(t, ValidateOverflow(9, page))

	binary.BigEndian.PutUint32(p[offUsed:], uint32(chunkSize(512)+1))
	assert.ErrorIs(t, ValidateOverflow(9, page), base.ErrCorruption)

	binary.BigEndian.PutUint32(p[offUsed:], 10)
	binary.BigEndian.PutUint64(p[offNext:], 9)
	assert.ErrorIs(t, ValidateOverflow(9, page), base.ErrCorruption)

	base.InitPage(page, base.KindBTreeLeaf, 9, 1)
	assert.ErrorIs(t, ValidateOverflow(9, page), base.ErrCorruption)
}
