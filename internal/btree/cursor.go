package btree

import (
	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/pager"
)

// Cursor iterates a tree in key order. It pins one leaf at a time and moves
// between leaves through the sibling pointers, so it never revisits the
// internal levels once positioned.
//
// Key and inline values are slices into the pinned page; they are valid
// until the cursor moves. An overflow value is read into a fresh slice. Changing the tree while a cursor is open leaves the cursor
// undefined.
type Cursor struct {
	t     *Tree
	n     node
	ref   pager.Ref
	slot  int
	valid bool
	err   error
}

// Cursor returns an unpositioned cursor.
func (t *Tree) Cursor() *Cursor {
	return &Cursor{t: t}
}

func (c *Cursor) pin(id base.PageID) error {
	n, ref, err := c.t.load(id)
	if err != nil {
		return err
	}
	if !n.isLeaf() {
		ref.Release()
		return base.Corrupt(id, "sibling chain reached an internal page")
	}
	c.ref.Release()
	c.n, c.ref = n, ref
	return nil
}

func (c *Cursor) fail(err error) ([]byte, []byte) {
	c.valid = false
	c.err = err
	return nil, nil
}

// edge pins the leftmost leaf, or the rightmost when last is set.
func (c *Cursor) edge(last bool) error {
	id := c.t.root
	for depth := 0; ; depth++ {
		if depth >= maxDepth {
			return base.Corrupt(id, "tree deeper than %d levels", maxDepth)
		}
		n, ref, err := c.t.load(id)
		if err != nil {
			return err
		}
		if n.isLeaf() {
			c.ref.Release()
			c.n, c.ref = n, ref
			return nil
		}
		i := 0
		if last {
			i = n.numSlots() - 1
		}
		id = n.child(i)
		ref.Release()
	}
}

// step pins the right sibling of the current leaf, or the left one when
// back is set, and checks that it links back. It returns false at the end
// of the level.
func (c *Cursor) step(back bool) (bool, error) {
	from, next := c.n.id, c.n.right()
	if back {
		next = c.n.left()
	}
	if next == 0 {
		return false, nil
	}
	if err := c.pin(next); err != nil {
		return false, err
	}
	link := c.n.left()
	if back {
		link = c.n.right()
	}
	if link != from {
		return false, base.Mismatch(next, "sibling back link", from, link)
	}
	return true, nil
}

// forward moves to the first entry at or after the current slot.
func (c *Cursor) forward() ([]byte, []byte) {
	for c.slot >= c.n.numSlots() {
		ok, err := c.step(false)
		if err != nil || !ok {
			return c.fail(err)
		}
		c.slot = 0
	}
	return c.current()
}

// backward moves to the last entry at or before the current slot.
func (c *Cursor) backward() ([]byte, []byte) {
	for c.slot < 0 {
		ok, err := c.step(true)
		if err != nil || !ok {
			return c.fail(err)
		}
		c.slot = c.n.numSlots() - 1
	}
	return c.current()
}

// First positions the cursor at the smallest key.
func (c *Cursor) First() ([]byte, []byte) {
	if err := c.edge(false); err != nil {
		return c.fail(err)
	}
	c.slot = 0
	return c.forward()
}

// Last positions the cursor at the largest key.
func (c *Cursor) Last() ([]byte, []byte) {
	if err := c.edge(true); err != nil {
		return c.fail(err)
	}
	c.slot = c.n.numSlots() - 1
	return c.backward()
}

// Seek positions the cursor at the first key >= key.
func (c *Cursor) Seek(key []byte) ([]byte, []byte) {
	n, ref, err := c.t.leaf(key)
	if err != nil {
		return c.fail(err)
	}
	c.ref.Release()
	c.n, c.ref = n, ref
	c.slot, _ = n.search(key)
	return c.forward()
}

// Next advances to the following key.
func (c *Cursor) Next() ([]byte, []byte) {
	if !c.valid {
		return nil, nil
	}
	c.slot++
	return c.forward()
}

// Prev moves back to the preceding key.
func (c *Cursor) Prev() ([]byte, []byte) {
	if !c.valid {
		return nil, nil
	}
	c.slot--
	return c.backward()
}

func (c *Cursor) Key() []byte {
	if !c.valid {
		return nil
	}
	return c.n.key(c.slot)
}

// current marks the cursor positioned on c.slot and returns its entry.
func (c *Cursor) current() ([]byte, []byte) {
	v, err := c.t.resolve(c.n, c.slot)
	if err != nil {
		return c.fail(err)
	}
	c.valid = true
	return c.Key(), v
}

func (c *Cursor) Value() []byte {
	if !c.valid {
		return nil
	}
	v, err := c.t.resolve(c.n, c.slot)
	if err != nil {
		c.fail(err)
		return nil
	}
	return v
}

// Page returns the id of the pinned leaf.
func (c *Cursor) Page() base.PageID { return c.n.id }

// Valid reports whether the cursor is positioned on an entry.
func (c *Cursor) Valid() bool { return c.valid }

// Err returns the error that invalidated the cursor, if any.
func (c *Cursor) Err() error { return c.err }

// Close unpins the current leaf.
func (c *Cursor) Close() {
	c.ref.Release()
	c.ref = pager.Ref{}
	c.n = node{}
	c.valid = false
}
