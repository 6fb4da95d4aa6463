package btree

import (
	"errors"
	"slices"

	"github.com/alexhholmes/graphstore/internal/base"
)

// errPageFull reports that a record does not fit even after compaction. The
// page is left untouched so the caller can split it.
var errPageFull = errors.New("btree page full")

// region is a half-open byte range of the payload.
type region struct{ start, end int }

func (r region) len() int { return r.end - r.start }

// allocator edits the records of one page in place. Records are placed into
// holes left by earlier deletes first, then into the contiguous space
// between free start and the slot directory, and only when neither has room
// is the arena compacted.
type allocator struct {
	n         node
	leaf      bool
	slots     []region // Record extents in slot (key) order
	free      []region // Holes below freeStart, sorted and coalesced
	arena     int
	freeStart int
	size      int // Payload length
}

func newAllocator(n node) (*allocator, error) {
	a := &allocator{
		n:         n,
		leaf:      n.isLeaf(),
		arena:     n.arenaStart(),
		freeStart: n.freeStart(),
		size:      len(n.payload()),
	}
	p := n.payload()
	a.slots = make([]region, n.numSlots())
	for i := range a.slots {
		off := n.slot(i)
		l, ok := recordLen(p, a.leaf, off, a.freeStart)
		if !ok || off < a.arena {
			return nil, base.Corrupt(n.id, "slot %d record at %d out of bounds", i, off)
		}
		a.slots[i] = region{off, off + l}
	}
	if err := a.rebuildFree(); err != nil {
		return nil, err
	}
	return a, nil
}

// rebuildFree derives the holes from the gaps between record extents.
func (a *allocator) rebuildFree() error {
	sorted := slices.Clone(a.slots)
	slices.SortFunc(sorted, func(x, y region) int { return x.start - y.start })
	a.free = a.free[:0]
	cursor := a.arena
	for _, r := range sorted {
		if r.start < cursor {
			return base.Corrupt(a.n.id, "record extents overlap at %d", r.start)
		}
		if r.start > cursor {
			a.free = append(a.free, region{cursor, r.start})
		}
		cursor = r.end
	}
	if cursor < a.freeStart {
		a.free = append(a.free, region{cursor, a.freeStart})
	}
	a.shrink()
	return nil
}

// used returns the bytes taken by records and their slots.
func (a *allocator) used() int {
	n := len(a.slots) * slotSize
	for _, r := range a.slots {
		n += r.len()
	}
	return n
}

// room reports whether used bytes of records and slots fit the page.
func (a *allocator) room(used int) bool {
	return a.arena+used <= a.size
}

// insert places rec at slot i.
func (a *allocator) insert(i int, rec []byte) error {
	if !a.room(a.used() + len(rec) + slotSize) {
		return errPageFull
	}
	a.insertLocked(i, rec)
	return nil
}

func (a *allocator) insertLocked(i int, rec []byte) {
	off := a.reserve(i, len(rec))
	copy(a.n.payload()[off:], rec)
	a.slots = slices.Insert(a.slots, i, region{off, off + len(rec)})
	a.persist()
}

// replace overwrites the record at slot i.
func (a *allocator) replace(i int, rec []byte) error {
	old := a.slots[i]
	if len(rec) <= old.len() {
		p := a.n.payload()
		copy(p[old.start:], rec)
		if tail := (region{old.start + len(rec), old.end}); tail.len() > 0 {
			clear(p[tail.start:tail.end])
			a.release(tail)
		}
		a.slots[i].end = old.start + len(rec)
		a.shrink()
		a.persist()
		return nil
	}
	if !a.room(a.used() - old.len() + len(rec)) {
		return errPageFull
	}
	a.removeLocked(i)
	a.insertLocked(i, rec)
	return nil
}

// remove deletes the record at slot i and recovers its space.
func (a *allocator) remove(i int) {
	a.removeLocked(i)
	a.persist()
}

func (a *allocator) removeLocked(i int) {
	r := a.slots[i]
	a.slots = slices.Delete(a.slots, i, i+1)
	clear(a.n.payload()[r.start:r.end])
	a.release(r)
	a.shrink()
}

// reserve returns the payload offset for a new record of length l that
// will take slot i.
func (a *allocator) reserve(i, l int) int {
	dirStart := a.size - (len(a.slots)+1)*slotSize
	if a.freeStart <= dirStart {
		if off, ok := a.take(l); ok {
			return off
		}
		if dirStart-a.freeStart >= l {
			off := a.freeStart
			a.freeStart += l
			return off
		}
	}
	return a.compact(i, l)
}

// take allocates l bytes from the first hole large enough.
func (a *allocator) take(l int) (int, bool) {
	for j, r := range a.free {
		if r.len() < l {
			continue
		}
		if r.len() == l {
			a.free = slices.Delete(a.free, j, j+1)
		} else {
			a.free[j].start += l
		}
		return r.start, true
	}
	return 0, false
}

// compact rewrites every record back to back from the arena start in slot
// order, leaving a gap of l bytes where slot i will go.
func (a *allocator) compact(i, l int) int {
	p := a.n.payload()
	scratch := make([]byte, 0, a.used())
	for _, r := range a.slots {
		scratch = append(scratch, p[r.start:r.end]...)
	}
	clear(p[a.arena:a.freeStart])

	cursor, read, gap := a.arena, 0, 0
	for j := 0; j <= len(a.slots); j++ {
		if j == i {
			gap = cursor
			cursor += l
		}
		if j == len(a.slots) {
			break
		}
		n := a.slots[j].len()
		copy(p[cursor:], scratch[read:read+n])
		a.slots[j] = region{cursor, cursor + n}
		cursor += n
		read += n
	}
	a.freeStart = cursor
	a.free = a.free[:0]
	return gap
}

// release returns r to the holes, coalescing with neighbors.
func (a *allocator) release(r region) {
	j, _ := slices.BinarySearchFunc(a.free, r.start, func(x region, start int) int { return x.start - start })
	a.free = slices.Insert(a.free, j, r)
	if j+1 < len(a.free) && a.free[j].end == a.free[j+1].start {
		a.free[j].end = a.free[j+1].end
		a.free = slices.Delete(a.free, j+1, j+2)
	}
	if j > 0 && a.free[j-1].end == a.free[j].start {
		a.free[j-1].end = a.free[j].end
		a.free = slices.Delete(a.free, j, j+1)
	}
}

// shrink folds a hole that ends at free start back into contiguous space.
func (a *allocator) shrink() {
	for len(a.free) > 0 && a.free[len(a.free)-1].end == a.freeStart {
		a.freeStart = a.free[len(a.free)-1].start
		a.free = a.free[:len(a.free)-1]
	}
}

// rebuild resets the fences and lays out entries back to back.
func (a *allocator) rebuild(low, high []byte, entries []entry) error {
	arena := headerSize + len(low) + len(high)
	used := 0
	for _, e := range entries {
		used += e.footprint(a.leaf)
	}
	if arena+used > a.size {
		return errPageFull
	}

	p := a.n.payload()
	clear(p[headerSize:])
	copy(p[headerSize:], low)
	copy(p[headerSize+len(low):], high)
	a.n.putU64(offLowLen, uint64(len(low)))
	a.n.putU64(offHighLen, uint64(len(high)))

	a.arena, a.freeStart = arena, arena
	a.slots = a.slots[:0]
	a.free = a.free[:0]
	for _, e := range entries {
		rec := e.record(a.leaf)
		copy(p[a.freeStart:], rec)
		a.slots = append(a.slots, region{a.freeStart, a.freeStart + len(rec)})
		a.freeStart += len(rec)
	}
	a.persist()
	return nil
}

// persist writes the slot directory and free-space bounds.
func (a *allocator) persist() {
	freeEnd := a.size - len(a.slots)*slotSize
	clear(a.n.payload()[a.freeStart:freeEnd])
	a.n.putU16(offSlots, len(a.slots))
	a.n.putU16(offFreeStart, a.freeStart)
	a.n.putU16(offFreeEnd, freeEnd)
	for j, r := range a.slots {
		a.n.putU16(freeEnd+j*slotSize, r.start)
	}
}

// initNode writes an empty node header into a freshly allocated page.
func initNode(n node, leaf bool) {
	p := n.payload()
	clear(p)
	if leaf {
		p[offKind] = kindLeaf
	} else {
		p[offKind] = kindInternal
	}
	n.putU16(offFreeStart, headerSize)
	n.putU16(offFreeEnd, len(p))
}
