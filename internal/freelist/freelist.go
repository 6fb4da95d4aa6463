package freelist

import (
	"encoding/binary"
	"fmt"

	"github.com/google/btree"

	"github.com/alexhholmes/graphstore/internal/base"
)

// Free-list page payload layout (big-endian, after the page header):
// ┌──────────────────────────────────────────────┐
// │ [0:8]   next free-list page (0 = end)        │
// │ [8:12]  extent count                         │
// │ [12:16] reserved                             │
// │ [16:]   count x (start u64, length u64)      │
// └──────────────────────────────────────────────┘
const (
	offNext    = 0
	offCount   = 8
	offExtents = 16
	extentSize = 16
)

// Extent is a run of Length free pages starting at Start.
type Extent struct {
	Start  base.PageID
	Length uint64
}

func (e Extent) end() base.PageID {
	return e.Start + base.PageID(e.Length)
}

// Freelist is the in-memory extent cache plus the ids of the chain pages that
// persist it. Extents are indexed by start (for coalescing) and by length
// (for largest-first allocation).
//
// A write transaction works on a Clone and installs it on commit; btree
// clones are copy-on-write so this is cheap.
type Freelist struct {
	byStart *btree.BTreeG[Extent]
	byLen   *btree.BTreeG[Extent]
	chain   []base.PageID // Pages currently holding the persisted list
	loaded  bool          // Persisted chain pulled into memory
	dirty   bool          // Differs from the persisted chain
	free    uint64        // Total free pages
}

const degree = 16

func lessStart(a, b Extent) bool { return a.Start < b.Start }

func lessLen(a, b Extent) bool {
	if a.Length != b.Length {
		return a.Length < b.Length
	}
	return a.Start < b.Start
}

// New creates an empty free-list whose persisted chain starts at head. The
// chain is read lazily by Load.
func New(head base.PageID) *Freelist {
	return &Freelist{
		byStart: btree.NewG(degree, lessStart),
		byLen:   btree.NewG(degree, lessLen),
		loaded:  head == 0,
	}
}

// Clone returns an independent copy.
func (f *Freelist) Clone() *Freelist {
	return &Freelist{
		byStart: f.byStart.Clone(),
		byLen:   f.byLen.Clone(),
		chain:   append([]base.PageID(nil), f.chain...),
		loaded:  f.loaded,
		dirty:   f.dirty,
		free:    f.free,
	}
}

func (f *Freelist) Loaded() bool { return f.loaded }
func (f *Freelist) Dirty() bool  { return f.dirty }

// Free returns the number of free pages held.
func (f *Freelist) Free() uint64 { return f.free }

// Extents returns the number of extents held.
func (f *Freelist) Extents() int { return f.byStart.Len() }

// Chain returns the ids of the pages persisting the list.
func (f *Freelist) Chain() []base.PageID { return f.chain }

// Load reads the persisted chain starting at head. nextPage bounds every
// valid page id.
func (f *Freelist) Load(head, nextPage base.PageID, read func(base.PageID) ([]byte, error)) error {
	if f.loaded {
		return nil
	}
	seen := make(map[base.PageID]struct{})
	for id := head; id != 0; {
		if id >= nextPage {
			return base.Corrupt(id, "free-list page beyond next page %d", nextPage)
		}
		if _, dup := seen[id]; dup {
			return base.Corrupt(id, "free-list chain cycle")
		}
		seen[id] = struct{}{}

		buf, err := read(id)
		if err != nil {
			return err
		}
		next, extents, err := Decode(id, buf)
		if err != nil {
			return err
		}
		for _, e := range extents {
			if e.Start == 0 || e.end() > nextPage || e.end() <= e.Start {
				return base.Corrupt(id, "extent [%d,+%d) out of range", e.Start, e.Length)
			}
			if err := f.insert(e); err != nil {
				return base.Corrupt(id, "%v", err)
			}
		}
		f.chain = append(f.chain, id)
		id = next
	}
	f.loaded = true
	return nil
}

// Allocate takes one page from the front of the largest extent.
func (f *Freelist) Allocate() (base.PageID, bool) {
	largest, ok := f.byLen.Max()
	if !ok {
		return 0, false
	}
	f.remove(largest)
	if largest.Length > 1 {
		f.add(Extent{Start: largest.Start + 1, Length: largest.Length - 1})
	}
	f.free--
	f.dirty = true
	return largest.Start, true
}

// Release returns a page to the list, coalescing with adjacent extents.
func (f *Freelist) Release(id base.PageID) error {
	if id == base.MetaPageID {
		return base.Invalid("cannot free the meta page")
	}
	if err := f.insert(Extent{Start: id, Length: 1}); err != nil {
		return base.Invalid("%v", err)
	}
	f.dirty = true
	return nil
}

// insert adds e, merging with its neighbors. Overlap is an error.
func (f *Freelist) insert(e Extent) error {
	var left Extent
	hasLeft := false
	f.byStart.DescendLessOrEqual(Extent{Start: e.Start}, func(item Extent) bool {
		left, hasLeft = item, true
		return false
	})
	if hasLeft && left.end() > e.Start {
		return fmt.Errorf("page %d already free in extent [%d,+%d)", e.Start, left.Start, left.Length)
	}
	var right Extent
	hasRight := false
	f.byStart.AscendGreaterOrEqual(Extent{Start: e.Start}, func(item Extent) bool {
		right, hasRight = item, true
		return false
	})
	if hasRight && right.Start < e.end() {
		return fmt.Errorf("extent [%d,+%d) overlaps free extent [%d,+%d)", e.Start, e.Length, right.Start, right.Length)
	}

	f.free += e.Length
	if hasLeft && left.end() == e.Start {
		f.remove(left)
		e = Extent{Start: left.Start, Length: left.Length + e.Length}
	}
	if hasRight && right.Start == e.end() {
		f.remove(right)
		e.Length += right.Length
	}
	f.add(e)
	return nil
}

func (f *Freelist) add(e Extent) {
	f.byStart.ReplaceOrInsert(e)
	f.byLen.ReplaceOrInsert(e)
}

func (f *Freelist) remove(e Extent) {
	f.byStart.Delete(e)
	f.byLen.Delete(e)
}

// Contains reports whether id is free.
func (f *Freelist) Contains(id base.PageID) bool {
	found := false
	f.byStart.DescendLessOrEqual(Extent{Start: id}, func(item Extent) bool {
		found = id < item.end()
		return false
	})
	return found
}

// All returns the extents in page order.
func (f *Freelist) All() []Extent {
	out := make([]Extent, 0, f.byStart.Len())
	f.byStart.Ascend(func(e Extent) bool {
		out = append(out, e)
		return true
	})
	return out
}

// PerPage returns how many extents one free-list page holds.
func PerPage(pageSize int) int {
	return (pageSize - base.PageHeaderSize - offExtents) / extentSize
}

// Persist lays the extent cache out over chain pages. Previous chain pages
// are reused first, fresh() supplies more when the list grew, and surplus
// chain pages become free extents themselves. A chain page may end up
// holding no extents. It returns the new head and one sealed image per chain
// page.
func (f *Freelist) Persist(pageSize int, salt uint64, fresh func() base.PageID) (base.PageID, map[base.PageID][]byte, error) {
	if !f.loaded {
		return 0, nil, fmt.Errorf("free-list persisted before load")
	}
	per := PerPage(pageSize)
	chain := f.chain
	// Drop surplus chain pages from the tail while the list, grown by the
	// dropped page, still fits in what remains.
	for len(chain) > 0 {
		n := f.byStart.Len()
		if (n+per)/per > len(chain)-1 {
			break
		}
		id := chain[len(chain)-1]
		chain = chain[:len(chain)-1]
		if err := f.insert(Extent{Start: id, Length: 1}); err != nil {
			return 0, nil, err
		}
	}
	for needed := (f.byStart.Len() + per - 1) / per; len(chain) < needed; {
		chain = append(chain, fresh())
	}

	extents := f.All()
	images := make(map[base.PageID][]byte, len(chain))
	for i, id := range chain {
		var next base.PageID
		if i+1 < len(chain) {
			next = chain[i+1]
		}
		lo := i * per
		hi := min(lo+per, len(extents))
		buf := make([]byte, pageSize)
		Encode(buf, id, salt, next, extents[lo:hi])
		images[id] = buf
	}

	f.chain = chain
	f.dirty = false
	var head base.PageID
	if len(chain) > 0 {
		head = chain[0]
	}
	return head, images, nil
}

// Encode writes one sealed free-list page.
func Encode(buf []byte, id base.PageID, salt uint64, next base.PageID, extents []Extent) {
	base.InitPage(buf, base.KindFreeList, id, salt)
	p := base.Payload(buf)
	binary.BigEndian.PutUint64(p[offNext:], uint64(next))
	binary.BigEndian.PutUint32(p[offCount:], uint32(len(extents)))
	for i, e := range extents {
		off := offExtents + i*extentSize
		binary.BigEndian.PutUint64(p[off:], uint64(e.Start))
		binary.BigEndian.PutUint64(p[off+8:], e.Length)
	}
	base.Seal(buf, id, salt)
}

// Decode parses a free-list page that already passed base.Verify.
func Decode(id base.PageID, buf []byte) (base.PageID, []Extent, error) {
	if k := base.Kind(buf); k != base.KindFreeList {
		return 0, nil, base.Mismatch(id, "page kind", base.KindFreeList, k)
	}
	p := base.Payload(buf)
	next := base.PageID(binary.BigEndian.Uint64(p[offNext:]))
	count := int(binary.BigEndian.Uint32(p[offCount:]))
	if count > PerPage(len(buf)) {
		return 0, nil, base.Corrupt(id, "free-list count %d exceeds page capacity %d", count, PerPage(len(buf)))
	}
	extents := make([]Extent, count)
	for i := range extents {
		off := offExtents + i*extentSize
		extents[i] = Extent{
			Start:  base.PageID(binary.BigEndian.Uint64(p[off:])),
			Length: binary.BigEndian.Uint64(p[off+8:]),
		}
		if extents[i].Length == 0 {
			return 0, nil, base.Corrupt(id, "empty extent at %d", i)
		}
	}
	return next, extents, nil
}
