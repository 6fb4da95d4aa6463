package btree

import (
	"bytes"
	"encoding/binary"
	"slices"

	"github.com/alexhholmes/graphstore/internal/base"
)

// B+Tree page payload layout (big-endian, offsets after the page header):
// ┌──────────────────────────────────────────────────────┐
// │ [0]      node kind (1 leaf, 2 internal)              │
// │ [1]      flags                                       │
// │ [2:4]    slot count                                  │
// │ [4:6]    free start, end of the record arena in use  │
// │ [6:8]    free end, start of the slot directory       │
// │ [8:16]   parent (advisory, zero)                     │
// │ [16:24]  right sibling (0 = none)                    │
// │ [24:32]  left sibling (0 = none)                     │
// │ [32:40]  low fence length                            │
// │ [40:48]  high fence length                           │
// │ [48:]    low fence, high fence                       │
// ├──────────────────────────────────────────────────────┤
// │ records, growing up from the end of the fences       │
// │ ...                                                  │
// │ slot directory, u16 record offsets sorted by key,    │
// │ growing down from the end of the payload             │
// └──────────────────────────────────────────────────────┘
//
// Leaf record:     prefix len u16, key len u16, value len u16, key, value
// Internal record: child u64, separator len u16, separator
//
// The top bit of a leaf value length marks an overflow record: the value
// lives in a page chain and the record holds its reference instead.
//
// The separator of the first internal record is empty and stands for the
// page's low fence. An empty low fence is -inf, an empty high fence +inf.
const (
	offKind      = 0
	offFlags     = 1
	offSlots     = 2
	offFreeStart = 4
	offFreeEnd   = 6
	offParent    = 8
	offRight     = 16
	offLeft      = 24
	offLowLen    = 32
	offHighLen   = 40

	headerSize = 48
	slotSize   = 2

	leafRecordHeader     = 6
	internalRecordHeader = 10

	kindLeaf     = 1
	kindInternal = 2
)

// capacity returns the payload bytes available to fences, records and
// slots on a page of pageSize.
func capacity(pageSize int) int {
	return pageSize - base.PageHeaderSize - headerSize
}

// MaxKeySize returns the longest key a tree on pageSize pages accepts.
func MaxKeySize(pageSize int) int {
	return capacity(pageSize) / 16
}

// maxRecordSize bounds one leaf record so that any page split leaves both
// halves with room to spare.
func maxRecordSize(pageSize int) int {
	return capacity(pageSize) / 6
}

// MaxValueSize returns the longest value stored inline under a key of
// keyLen. Longer values move to overflow pages.
func MaxValueSize(pageSize, keyLen int) int {
	return maxRecordSize(pageSize) - leafRecordHeader - keyLen
}

// node is a view over a full B+Tree page image.
type node struct {
	id   base.PageID
	page []byte
}

func (n node) payload() []byte { return n.page[base.PageHeaderSize:] }

func (n node) u16(off int) int          { return int(binary.BigEndian.Uint16(n.payload()[off:])) }
func (n node) u64(off int) uint64       { return binary.BigEndian.Uint64(n.payload()[off:]) }
func (n node) putU16(off, v int)        { binary.BigEndian.PutUint16(n.payload()[off:], uint16(v)) }
func (n node) putU64(off int, v uint64) { binary.BigEndian.PutUint64(n.payload()[off:], v) }

func (n node) isLeaf() bool    { return n.payload()[offKind] == kindLeaf }
func (n node) numSlots() int   { return n.u16(offSlots) }
func (n node) freeStart() int  { return n.u16(offFreeStart) }
func (n node) freeEnd() int    { return n.u16(offFreeEnd) }
func (n node) lowLen() int     { return int(n.u64(offLowLen)) }
func (n node) highLen() int    { return int(n.u64(offHighLen)) }
func (n node) arenaStart() int { return headerSize + n.lowLen() + n.highLen() }

func (n node) right() base.PageID { return base.PageID(n.u64(offRight)) }
func (n node) left() base.PageID  { return base.PageID(n.u64(offLeft)) }

func (n node) setRight(id base.PageID) { n.putU64(offRight, uint64(id)) }
func (n node) setLeft(id base.PageID)  { n.putU64(offLeft, uint64(id)) }

func (n node) lowFence() []byte {
	return n.payload()[headerSize : headerSize+n.lowLen()]
}

func (n node) highFence() []byte {
	start := headerSize + n.lowLen()
	return n.payload()[start : start+n.highLen()]
}

// slot returns the payload offset of record i.
func (n node) slot(i int) int {
	return n.u16(n.freeEnd() + i*slotSize)
}

// key returns the key of leaf record i, or the separator of internal
// record i.
func (n node) key(i int) []byte {
	p := n.payload()
	off := n.slot(i)
	if n.isLeaf() {
		klen := int(binary.BigEndian.Uint16(p[off+2:]))
		start := off + leafRecordHeader
		return p[start : start+klen]
	}
	slen := int(binary.BigEndian.Uint16(p[off+8:]))
	start := off + internalRecordHeader
	return p[start : start+slen]
}

// value returns the inline bytes of leaf record i: the value itself, or
// the chain reference of an overflow record.
func (n node) value(i int) []byte {
	p := n.payload()
	off := n.slot(i)
	klen := int(binary.BigEndian.Uint16(p[off+2:]))
	vlen := int(binary.BigEndian.Uint16(p[off+4:]) &^ overflowFlag)
	start := off + leafRecordHeader + klen
	return p[start : start+vlen]
}

func (n node) overflow(i int) bool {
	return binary.BigEndian.Uint16(n.payload()[n.slot(i)+4:])&overflowFlag != 0
}

func (n node) child(i int) base.PageID {
	return base.PageID(binary.BigEndian.Uint64(n.payload()[n.slot(i):]))
}

// search returns the first leaf slot whose key is >= key.
func (n node) search(key []byte) (int, bool) {
	lo, hi := 0, n.numSlots()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if bytes.Compare(n.key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < n.numSlots() && bytes.Equal(n.key(lo), key)
}

// childIndex returns the internal slot whose subtree covers key: the last
// slot with separator <= key. Slot 0 covers everything below slot 1.
func (n node) childIndex(key []byte) int {
	lo, hi := 1, n.numSlots()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if bytes.Compare(n.key(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// entry is a decoded record, used when pages are rebuilt.
type entry struct {
	key      []byte
	value    []byte // Chain reference when overflow is set
	overflow bool
	child    base.PageID
}

// entries copies every record out of the page.
func (n node) entries() []entry {
	out := make([]entry, n.numSlots())
	for i := range out {
		out[i].key = slices.Clone(n.key(i))
		if n.isLeaf() {
			out[i].value = slices.Clone(n.value(i))
			out[i].overflow = n.overflow(i)
		} else {
			out[i].child = n.child(i)
		}
	}
	return out
}

func appendLeafRecord(dst, key, value []byte) []byte {
	return appendLeaf(dst, key, value, uint16(len(value)))
}

func appendLeaf(dst, key, value []byte, vlen uint16) []byte {
	dst = binary.BigEndian.AppendUint16(dst, 0)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(key)))
	dst = binary.BigEndian.AppendUint16(dst, vlen)
	dst = append(dst, key...)
	return append(dst, value...)
}

func appendInternalRecord(dst []byte, child base.PageID, sep []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(child))
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(sep)))
	return append(dst, sep...)
}

func (e entry) record(leaf bool) []byte {
	if leaf && e.overflow {
		return appendLeaf(nil, e.key, e.value, uint16(len(e.value))|overflowFlag)
	}
	if leaf {
		return appendLeafRecord(nil, e.key, e.value)
	}
	return appendInternalRecord(nil, e.child, e.key)
}

// footprint is the page space an entry takes, slot included.
func (e entry) footprint(leaf bool) int {
	if leaf {
		return leafRecordHeader + len(e.key) + len(e.value) + slotSize
	}
	return internalRecordHeader + len(e.key) + slotSize
}

// recordLen returns the length of the record at off, bounded by limit.
func recordLen(p []byte, leaf bool, off, limit int) (int, bool) {
	if leaf {
		if off+leafRecordHeader > limit {
			return 0, false
		}
		vlen := binary.BigEndian.Uint16(p[off+4:]) &^ overflowFlag
		n := leafRecordHeader + int(binary.BigEndian.Uint16(p[off+2:])) + int(vlen)
		return n, off+n <= limit
	}
	if off+internalRecordHeader > limit {
		return 0, false
	}
	n := internalRecordHeader + int(binary.BigEndian.Uint16(p[off+8:]))
	return n, off+n <= limit
}

// Validate checks the structure of a B+Tree page image: header bounds,
// record extents, key order and fences. It never panics on bad bytes.
func Validate(id base.PageID, page []byte) error {
	n := node{id: id, page: page}
	p := n.payload()
	if len(p) < headerSize {
		return base.Corrupt(id, "btree page too short")
	}

	leaf := false
	switch k := base.Kind(page); k {
	case base.KindBTreeLeaf:
		leaf = true
		if p[offKind] != kindLeaf {
			return base.Mismatch(id, "node kind", kindLeaf, p[offKind])
		}
	case base.KindBTreeInternal:
		if p[offKind] != kindInternal {
			return base.Mismatch(id, "node kind", kindInternal, p[offKind])
		}
	default:
		return base.Mismatch(id, "page kind", "btree", k)
	}

	lowLen, highLen := n.u64(offLowLen), n.u64(offHighLen)
	if lowLen > uint64(len(p)) || highLen > uint64(len(p)) {
		return base.Corrupt(id, "fence lengths %d/%d exceed payload", lowLen, highLen)
	}
	arena := n.arenaStart()
	nslots, freeStart, freeEnd := n.numSlots(), n.freeStart(), n.freeEnd()
	if arena > freeStart || freeStart > freeEnd || freeEnd > len(p) {
		return base.Corrupt(id, "free space [%d,%d) outside arena [%d,%d)", freeStart, freeEnd, arena, len(p))
	}
	if freeEnd+nslots*slotSize != len(p) {
		return base.Mismatch(id, "slot directory start", len(p)-nslots*slotSize, freeEnd)
	}
	if !leaf && nslots == 0 {
		return base.Corrupt(id, "internal page without children")
	}

	type extent struct{ start, end int }
	extents := make([]extent, nslots)
	for i := range extents {
		off := n.slot(i)
		if off < arena {
			return base.Corrupt(id, "slot %d offset %d inside fences", i, off)
		}
		l, ok := recordLen(p, leaf, off, freeStart)
		if !ok {
			return base.Corrupt(id, "slot %d record at %d overruns free start %d", i, off, freeStart)
		}
		extents[i] = extent{off, off + l}
		if leaf && n.overflow(i) {
			if _, err := decodeRef(id, n.value(i)); err != nil {
				return err
			}
		}
	}
	sorted := slices.Clone(extents)
	slices.SortFunc(sorted, func(a, b extent) int { return a.start - b.start })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].start < sorted[i-1].end {
			return base.Corrupt(id, "records at %d and %d overlap", sorted[i-1].start, sorted[i].start)
		}
	}

	low, high := n.lowFence(), n.highFence()
	if len(low) > 0 && len(high) > 0 && bytes.Compare(low, high) >= 0 {
		return base.Corrupt(id, "low fence not below high fence")
	}
	first := 0
	if !leaf {
		if len(n.key(0)) != 0 {
			return base.Corrupt(id, "first separator is not empty")
		}
		first = 1
	}
	for i := 0; i < nslots; i++ {
		if !leaf {
			c := n.child(i)
			if c == base.MetaPageID || c == id {
				return base.Corrupt(id, "slot %d has invalid child %d", i, c)
			}
		}
		if i < first {
			continue
		}
		k := n.key(i)
		if i > first && bytes.Compare(n.key(i-1), k) >= 0 {
			return base.Corrupt(id, "keys out of order at slot %d", i)
		}
		if len(low) > 0 && bytes.Compare(k, low) < 0 {
			return base.Corrupt(id, "slot %d key below low fence", i)
		}
		if len(high) > 0 && bytes.Compare(k, high) >= 0 {
			return base.Corrupt(id, "slot %d key at or above high fence", i)
		}
	}
	return nil
}
