package btree

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/pager"
)

var (
	ErrKeyTooLarge   = errors.New("key too large")
	ErrValueTooLarge = errors.New("value too large")
	ErrReadOnly      = errors.New("tree is read-only")
)

// maxDepth bounds descents so a corrupt child cycle fails instead of
// looping.
const maxDepth = 32

// Reader resolves page images. Read views and write transactions both
// implement it.
type Reader interface {
	Page(id base.PageID) (pager.Ref, error)
	PageSize() int
}

// Writer is a Reader that can change pages.
type Writer interface {
	Reader
	PageMut(id base.PageID) ([]byte, error)
	Allocate(kind base.PageKind) (base.PageID, []byte, error)
	Free(id base.PageID) error
}

// Tree is a B+Tree over encoded keys compared bytewise. Pages are edited in
// place; only a root split or collapse moves the root, so callers persist
// Root after every change.
type Tree struct {
	r        Reader
	w        Writer // Nil when read-only
	root     base.PageID
	pageSize int
}

// step is one level of a root-to-leaf descent: the page and, for internal
// pages, the slot followed.
type step struct {
	id  base.PageID
	idx int
}

// Create allocates the empty root leaf of a new tree.
func Create(w Writer) (base.PageID, error) {
	id, page, err := w.Allocate(base.KindBTreeLeaf)
	if err != nil {
		return 0, err
	}
	initNode(node{id: id, page: page}, true)
	return id, nil
}

// Open returns the tree rooted at root. It is writable when r is a Writer.
func Open(r Reader, root base.PageID) *Tree {
	t := &Tree{r: r, root: root, pageSize: r.PageSize()}
	if w, ok := r.(Writer); ok {
		t.w = w
	}
	return t
}

// Root returns the current root page.
func (t *Tree) Root() base.PageID { return t.root }

// threshold is the fill level below which a non-root page is rebalanced.
func (t *Tree) threshold() int { return capacity(t.pageSize) / 4 }

func (t *Tree) load(id base.PageID) (node, pager.Ref, error) {
	ref, err := t.r.Page(id)
	if err != nil {
		return node{}, pager.Ref{}, err
	}
	if k := base.Kind(ref.Data); k != base.KindBTreeLeaf && k != base.KindBTreeInternal {
		ref.Release()
		return node{}, pager.Ref{}, base.Mismatch(id, "page kind", "btree", k)
	}
	return node{id: id, page: ref.Data}, ref, nil
}

func (t *Tree) mutable(id base.PageID) (node, error) {
	page, err := t.w.PageMut(id)
	if err != nil {
		return node{}, err
	}
	return node{id: id, page: page}, nil
}

func (t *Tree) edit(id base.PageID) (*allocator, error) {
	n, err := t.mutable(id)
	if err != nil {
		return nil, err
	}
	return newAllocator(n)
}

// descend records the path from the root to the leaf covering key.
func (t *Tree) descend(key []byte) ([]step, error) {
	var path []step
	id := t.root
	for {
		if len(path) >= maxDepth {
			return nil, base.Corrupt(id, "tree deeper than %d levels", maxDepth)
		}
		n, ref, err := t.load(id)
		if err != nil {
			return nil, err
		}
		if n.isLeaf() {
			ref.Release()
			return append(path, step{id: id}), nil
		}
		i := n.childIndex(key)
		child := n.child(i)
		ref.Release()
		path = append(path, step{id: id, idx: i})
		id = child
	}
}

// leaf returns the pinned leaf covering key.
func (t *Tree) leaf(key []byte) (node, pager.Ref, error) {
	path, err := t.descend(key)
	if err != nil {
		return node{}, pager.Ref{}, err
	}
	return t.load(path[len(path)-1].id)
}

// Get returns a copy of the value stored under key.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	n, ref, err := t.leaf(key)
	if err != nil {
		return nil, false, err
	}
	defer ref.Release()
	i, ok := n.search(key)
	if !ok {
		return nil, false, nil
	}
	if n.overflow(i) {
		v, err := t.resolve(n, i)
		return v, err == nil, err
	}
	return slices.Clone(n.value(i)), true, nil
}

func (t *Tree) checkEntry(key, value []byte) error {
	if t.w == nil {
		return ErrReadOnly
	}
	if limit := MaxKeySize(t.pageSize); len(key) > limit {
		return fmt.Errorf("%w: %w: %d bytes, max %d", base.ErrInvalidArgument, ErrKeyTooLarge, len(key), limit)
	}
	if len(value) > MaxValueLen {
		return fmt.Errorf("%w: %w: %d bytes, max %d", base.ErrInvalidArgument, ErrValueTooLarge, len(value), MaxValueLen)
	}
	return nil
}

// Put stores value under key and reports whether the key is new.
func (t *Tree) Put(key, value []byte) (bool, error) {
	if err := t.checkEntry(key, value); err != nil {
		return false, err
	}
	path, err := t.descend(key)
	if err != nil {
		return false, err
	}
	lvl := len(path) - 1
	a, err := t.edit(path[lvl].id)
	if err != nil {
		return false, err
	}

	i, found := a.n.search(key)
	e, err := t.leafEntry(a.n, i, found, key, value)
	if err != nil {
		return false, err
	}
	rec := e.record(true)
	if found {
		err = a.replace(i, rec)
	} else {
		err = a.insert(i, rec)
	}
	if !errors.Is(err, errPageFull) {
		return !found, err
	}

	entries := a.n.entries()
	if found {
		entries[i] = e
	} else {
		entries = slices.Insert(entries, i, e)
	}
	return !found, t.split(path, lvl, a, entries)
}

// leafEntry builds the record for key and value, moving a value too long
// to stay inline into an overflow chain. The chain of the record it
// replaces, slot i of n when found, is reused or freed.
func (t *Tree) leafEntry(n node, i int, found bool, key, value []byte) (entry, error) {
	var old []base.PageID
	if found && n.overflow(i) {
		ref, err := decodeRef(n.id, n.value(i))
		if err != nil {
			return entry{}, err
		}
		if old, err = t.chain(ref); err != nil {
			return entry{}, err
		}
	}
	if len(value) <= MaxValueSize(t.pageSize, len(key)) {
		for _, id := range old {
			if err := t.w.Free(id); err != nil {
				return entry{}, err
			}
		}
		return entry{key: key, value: value}, nil
	}
	ref, err := t.writeChain(old, value)
	if err != nil {
		return entry{}, err
	}
	return entry{key: key, value: ref.append(nil), overflow: true}, nil
}

// splitPoint returns the index of the first entry of the right half when
// entries are divided evenly by bytes.
func splitPoint(entries []entry, leaf bool) int {
	total := footprint(entries, leaf)
	acc := 0
	m := len(entries) / 2
	for i, e := range entries {
		acc += e.footprint(leaf)
		if 2*acc >= total {
			m = i + 1
			break
		}
	}
	return max(1, min(m, len(entries)-1))
}

func footprint(entries []entry, leaf bool) int {
	n := 0
	for _, e := range entries {
		n += e.footprint(leaf)
	}
	return n
}

// split divides the page behind a into itself and a new right sibling,
// holding entries between them, and promotes the first key of the right
// page into the parent.
func (t *Tree) split(path []step, lvl int, a *allocator, entries []entry) error {
	n := a.n
	leaf := n.isLeaf()
	m := splitPoint(entries, leaf)

	kind := base.KindBTreeInternal
	if leaf {
		kind = base.KindBTreeLeaf
	}
	rid, rpage, err := t.w.Allocate(kind)
	if err != nil {
		return err
	}
	r := node{id: rid, page: rpage}
	initNode(r, leaf)
	ra, err := newAllocator(r)
	if err != nil {
		return err
	}

	sep := slices.Clone(entries[m].key)
	low, high := slices.Clone(n.lowFence()), slices.Clone(n.highFence())
	right := slices.Clone(entries[m:])
	if !leaf {
		right[0].key = nil
	}
	if err := a.rebuild(low, sep, entries[:m]); err != nil {
		return base.Corrupt(n.id, "split left half does not fit")
	}
	if err := ra.rebuild(sep, high, right); err != nil {
		return base.Corrupt(rid, "split right half does not fit")
	}

	next := n.right()
	r.setLeft(n.id)
	r.setRight(next)
	n.setRight(rid)
	if next != 0 {
		nn, err := t.mutable(next)
		if err != nil {
			return err
		}
		nn.setLeft(rid)
	}
	return t.insertChild(path, lvl, n.id, sep, rid)
}

// insertChild adds the separator for a page split off the page at path[lvl].
func (t *Tree) insertChild(path []step, lvl int, left base.PageID, sep []byte, right base.PageID) error {
	if lvl == 0 {
		id, page, err := t.w.Allocate(base.KindBTreeInternal)
		if err != nil {
			return err
		}
		root := node{id: id, page: page}
		initNode(root, false)
		a, err := newAllocator(root)
		if err != nil {
			return err
		}
		if err := a.rebuild(nil, nil, []entry{{child: left}, {key: sep, child: right}}); err != nil {
			return err
		}
		t.root = id
		return nil
	}

	parent := path[lvl-1]
	pa, err := t.edit(parent.id)
	if err != nil {
		return err
	}
	err = pa.insert(parent.idx+1, appendInternalRecord(nil, right, sep))
	if !errors.Is(err, errPageFull) {
		return err
	}
	entries := slices.Insert(pa.n.entries(), parent.idx+1, entry{key: sep, child: right})
	return t.split(path, lvl-1, pa, entries)
}

// Delete removes key and reports whether it was present.
func (t *Tree) Delete(key []byte) (bool, error) {
	if t.w == nil {
		return false, ErrReadOnly
	}
	path, err := t.descend(key)
	if err != nil {
		return false, err
	}
	lvl := len(path) - 1
	n, ref, err := t.load(path[lvl].id)
	if err != nil {
		return false, err
	}
	i, found := n.search(key)
	var chain *valueRef
	if found && n.overflow(i) {
		vr, err := decodeRef(n.id, n.value(i))
		if err != nil {
			ref.Release()
			return false, err
		}
		chain = &vr
	}
	ref.Release()
	if !found {
		return false, nil
	}
	if chain != nil {
		if err := t.freeChain(*chain); err != nil {
			return false, err
		}
	}

	a, err := t.edit(path[lvl].id)
	if err != nil {
		return false, err
	}
	a.remove(i)
	return true, t.rebalance(path, lvl, a)
}

// rebalance restores the fill level of the page at path[lvl] after a
// delete: it borrows from a sibling when the pair holds enough for two
// pages, else merges the pair and removes the separator from the parent,
// cascading upwards.
func (t *Tree) rebalance(path []step, lvl int, a *allocator) error {
	if lvl == 0 {
		return t.collapse(a.n)
	}
	if a.used() >= t.threshold() {
		return nil
	}

	parent := path[lvl-1]
	pa, err := t.edit(parent.id)
	if err != nil {
		return err
	}
	pn := pa.n
	if pn.numSlots() < 2 {
		return t.rebalance(path, lvl-1, pa)
	}

	li := max(parent.idx-1, 0)
	ri := li + 1
	var la, ra *allocator
	if ri == parent.idx {
		ra = a
		la, err = t.edit(pn.child(li))
	} else {
		la = a
		ra, err = t.edit(pn.child(ri))
	}
	if err != nil {
		return err
	}
	left, right := la.n, ra.n
	if left.isLeaf() != right.isLeaf() {
		return base.Corrupt(parent.id, "children %d and %d on different levels", left.id, right.id)
	}

	leaf := left.isLeaf()
	le, re := left.entries(), right.entries()
	if !leaf && len(re) > 0 {
		re[0].key = slices.Clone(pn.key(ri))
	}
	combined := append(le, re...)
	low, high := slices.Clone(left.lowFence()), slices.Clone(right.highFence())

	if footprint(combined, leaf) >= 2*t.threshold() {
		m := splitPoint(combined, leaf)
		sep := slices.Clone(combined[m].key)
		rs := slices.Clone(combined[m:])
		if !leaf {
			rs[0].key = nil
		}
		if err := la.rebuild(low, sep, combined[:m]); err != nil {
			return base.Corrupt(left.id, "redistributed entries do not fit")
		}
		if err := ra.rebuild(sep, high, rs); err != nil {
			return base.Corrupt(right.id, "redistributed entries do not fit")
		}
		err := pa.replace(ri, appendInternalRecord(nil, right.id, sep))
		if !errors.Is(err, errPageFull) {
			return err
		}
		entries := pn.entries()
		entries[ri].key = sep
		return t.split(path, lvl-1, pa, entries)
	}

	if err := la.rebuild(low, high, combined); err != nil {
		return base.Corrupt(left.id, "merged entries do not fit")
	}
	next := right.right()
	left.setRight(next)
	if next != 0 {
		nn, err := t.mutable(next)
		if err != nil {
			return err
		}
		nn.setLeft(left.id)
	}
	pa.remove(ri)
	if err := t.w.Free(right.id); err != nil {
		return err
	}
	return t.rebalance(path, lvl-1, pa)
}

// collapse replaces an internal root that has a single child by that child.
func (t *Tree) collapse(n node) error {
	for depth := 0; !n.isLeaf() && n.numSlots() == 1; depth++ {
		if depth >= maxDepth {
			return base.Corrupt(n.id, "root chain deeper than %d levels", maxDepth)
		}
		child := n.child(0)
		if err := t.w.Free(n.id); err != nil {
			return err
		}
		t.root = child

		c, ref, err := t.load(child)
		if err != nil {
			return err
		}
		n = c
		ref.Release()
	}
	return nil
}

// Len counts the entries by walking the leaf level.
func (t *Tree) Len() (int, error) {
	c := t.Cursor()
	defer c.Close()
	if err := c.edge(false); err != nil {
		return 0, err
	}
	count := 0
	for {
		count += c.n.numSlots()
		ok, err := c.step(false)
		if err != nil || !ok {
			return count, err
		}
	}
}

// Check verifies the whole tree: page structure, fences against parent
// separators, uniform leaf depth, sibling links on every level and the
// overflow chains. It returns the first violation found.
func (t *Tree) Check() error {
	var levels [][]base.PageID
	owners := make(map[base.PageID]base.PageID)
	leafDepth := -1
	var walk func(id base.PageID, low, high []byte, lvl int) error
	walk = func(id base.PageID, low, high []byte, lvl int) error {
		if lvl >= maxDepth {
			return base.Corrupt(id, "tree deeper than %d levels", maxDepth)
		}
		n, ref, err := t.load(id)
		if err != nil {
			return err
		}
		defer ref.Release()
		if err := Validate(id, n.page); err != nil {
			return err
		}
		if !bytes.Equal(n.lowFence(), low) {
			return base.Mismatch(id, "low fence", low, n.lowFence())
		}
		if !bytes.Equal(n.highFence(), high) {
			return base.Mismatch(id, "high fence", high, n.highFence())
		}
		if lvl == len(levels) {
			levels = append(levels, nil)
		}
		levels[lvl] = append(levels[lvl], id)
		if n.isLeaf() {
			if leafDepth == -1 {
				leafDepth = lvl
			}
			if lvl != leafDepth {
				return base.Corrupt(id, "leaf at level %d, expected %d", lvl, leafDepth)
			}
			return t.checkChains(n, owners)
		}
		for i := 0; i < n.numSlots(); i++ {
			clow, chigh := low, high
			if i > 0 {
				clow = n.key(i)
			}
			if i+1 < n.numSlots() {
				chigh = n.key(i + 1)
			}
			if err := walk(n.child(i), clow, chigh, lvl+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(t.root, nil, nil, 0); err != nil {
		return err
	}

	for _, level := range levels {
		for i, id := range level {
			n, ref, err := t.load(id)
			if err != nil {
				return err
			}
			var wantLeft, wantRight base.PageID
			if i > 0 {
				wantLeft = level[i-1]
			}
			if i+1 < len(level) {
				wantRight = level[i+1]
			}
			l, r := n.left(), n.right()
			ref.Release()
			if l != wantLeft {
				return base.Mismatch(id, "left sibling", wantLeft, l)
			}
			if r != wantRight {
				return base.Mismatch(id, "right sibling", wantRight, r)
			}
		}
	}
	return nil
}

// checkChains walks the overflow chains of leaf n. owners maps every chain
// page seen so far to its leaf; a page on two chains is corrupt.
func (t *Tree) checkChains(n node, owners map[base.PageID]base.PageID) error {
	for i := 0; i < n.numSlots(); i++ {
		if !n.overflow(i) {
			continue
		}
		ref, err := decodeRef(n.id, n.value(i))
		if err != nil {
			return err
		}
		ids, err := t.chain(ref)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if leaf, ok := owners[id]; ok {
				return base.Corrupt(id, "overflow page on chains of leaves %d and %d", leaf, n.id)
			}
			owners[id] = n.id
		}
	}
	return nil
}
