package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/graphstore/internal/base"
)

func newLeaf(t *testing.T, size int) (node, *allocator) {
	t.Helper()
	page := make([]byte, size)
	base.InitPage(page, base.KindBTreeLeaf, 7, 1)
	n := node{id: 7, page: page}
	initNode(n, true)
	a, err := newAllocator(n)
	require.NoError(t, err)
	return n, a
}

func key(i int) []byte { return []byte(fmt.Sprintf("key-%04d", i)) }

func keys(n node) []string {
	out := make([]string, n.numSlots())
	for i := range out {
		out[i] = string(n.key(i))
	}
	return out
}

func TestAllocatorInsertInOrder(t *testing.T) {
	t.Parallel()
	n, a := newLeaf(t, 1024)

	for _, i := range []int{5, 1, 3, 2, 4} {
		idx, found := n.search(key(i))
		require.False(t, found)
		require.NoError(t, a.insert(idx, appendLeafRecord(nil, key(i), []byte("v"))))
	}
	assert.Equal(t, []string{"key-0001", "key-0002", "key-0003", "key-0004", "key-0005"}, keys(n))
	assert.NoError(t, Validate(n.id, n.page))

	idx, found := n.search(key(3))
	assert.True(t, found)
	assert.Equal(t, 2, idx)
	assert.Equal(t, []byte("v"), n.value(idx))
}

func TestAllocatorReusesHoles(t *testing.T) {
	t.Parallel()
	n, a := newLeaf(t, 1024)
	for i := 0; i < 6; i++ {
		require.NoError(t, a.insert(i, appendLeafRecord(nil, key(i), []byte("0123456789"))))
	}
	freeStart := n.freeStart()
	hole := n.slot(2)

	a.remove(2)
	assert.Equal(t, freeStart, n.freeStart(), "a hole below free start keeps free start")

	// A record no longer than the hole lands in it.
	idx, _ := n.search(key(2))
	require.NoError(t, a.insert(idx, appendLeafRecord(nil, key(2), []byte("short"))))
	assert.Equal(t, hole, n.slot(idx))
	assert.Equal(t, freeStart, n.freeStart())
	assert.NoError(t, Validate(n.id, n.page))

	// Removing the last placed record gives its space back to free start.
	last := n.numSlots() - 1
	lastOff := n.slot(last)
	a.remove(last)
	assert.Equal(t, lastOff, n.freeStart())
	assert.NoError(t, Validate(n.id, n.page))
}

func TestAllocatorCompacts(t *testing.T) {
	t.Parallel()
	n, a := newLeaf(t, 512)

	value := make([]byte, 20)
	count := 0
	for ; ; count++ {
		if err := a.insert(count, appendLeafRecord(nil, key(count), value)); err != nil {
			require.ErrorIs(t, err, errPageFull)
			break
		}
	}
	require.Greater(t, count, 6)

	// Every other record leaves a hole too small for a larger record.
	for i := count - 1; i >= 0; i -= 2 {
		a.remove(i)
	}
	big := appendLeafRecord(nil, key(9999), make([]byte, 50))
	require.NoError(t, a.insert(n.numSlots(), big))
	assert.NoError(t, Validate(n.id, n.page))

	got := keys(n)
	assert.Equal(t, "key-9999", got[len(got)-1])
	assert.Equal(t, n.arenaStart()+a.used()-n.numSlots()*slotSize, n.freeStart(), "records are packed after compaction")
}

func TestAllocatorFullLeavesPageUntouched(t *testing.T) {
	t.Parallel()
	n, a := newLeaf(t, 512)
	for i := 0; ; i++ {
		if err := a.insert(i, appendLeafRecord(nil, key(i), make([]byte, 30))); err != nil {
			break
		}
	}
	before := append([]byte(nil), n.page...)

	err := a.insert(0, appendLeafRecord(nil, key(0), make([]byte, 60)))
	assert.ErrorIs(t, err, errPageFull)
	assert.Equal(t, before, n.page)

	err = a.replace(0, appendLeafRecord(nil, key(0), make([]byte, 60)))
	assert.ErrorIs(t, err, errPageFull)
	assert.Equal(t, before, n.page)
}

func TestAllocatorReplace(t *testing.T) {
	t.Parallel()
	n, a := newLeaf(t, 1024)
	for i := 0; i < 4; i++ {
		require.NoError(t, a.insert(i, appendLeafRecord(nil, key(i), []byte("medium-value"))))
	}

	require.NoError(t, a.replace(1, appendLeafRecord(nil, key(1), []byte("s"))))
	assert.Equal(t, []byte("s"), n.value(1))
	require.NoError(t, a.replace(2, appendLeafRecord(nil, key(2), []byte("a much longer value than before"))))
	assert.Equal(t, []byte("a much longer value than before"), n.value(2))
	assert.Equal(t, []string{"key-0000", "key-0001", "key-0002", "key-0003"}, keys(n))
	assert.NoError(t, Validate(n.id, n.page))

	// The allocator rebuilt from the page sees the same holes.
	b, err := newAllocator(n)
	require.NoError(t, err)
	assert.Equal(t, a.free, b.free)
	assert.Equal(t, a.used(), b.used())
}

func TestValidateRejectsDamage(t *testing.T) {
	t.Parallel()

	build := func(t *testing.T) node {
		n, a := newLeaf(t, 512)
		require.NoError(t, a.rebuild([]byte("key-0000"), []byte("key-0100"), []entry{
			{key: key(1), value: []byte("a")},
			{key: key(2), value: []byte("b")},
			{key: key(3), value: []byte("c")},
		}))
		require.NoError(t, Validate(n.id, n.page))
		return n
	}

	tests := []struct {
		name   string
		damage func(n node)
	}{
		{"swapped slots", func(n node) {
			s0, s1 := n.slot(0), n.slot(1)
			n.putU16(n.freeEnd(), s1)
			n.putU16(n.freeEnd()+slotSize, s0)
		}},
		{"overlapping records", func(n node) {
			n.putU16(n.freeEnd()+slotSize, n.slot(0)+1)
		}},
		{"slot in fences", func(n node) {
			n.putU16(n.freeEnd(), headerSize)
		}},
		{"free end", func(n node) {
			n.putU16(offFreeEnd, n.freeEnd()-2)
		}},
		{"free start past free end", func(n node) {
			n.putU16(offFreeStart, n.freeEnd()+1)
		}},
		{"key below low fence", func(n node) {
			n.payload()[headerSize+7] = '9'
		}},
		{"fence length", func(n node) {
			n.putU64(offLowLen, 1<<40)
		}},
		{"node kind", func(n node) {
			n.payload()[offKind] = kindInternal
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n := build(t)
			tt.damage(n)
			assert.ErrorIs(t, Validate(n.id, n.page), base.ErrCorruption)
		})
	}
}
