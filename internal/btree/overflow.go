package btree

import (
	"bytes"
	"encoding/binary"
	"math"
	"slices"

	"github.com/alexhholmes/graphstore/internal/base"
)

// Overflow page payload layout (big-endian, offsets after the page header):
// ┌──────────────────────────────────────────────┐
// │ [0:8]    next page of the chain (0 = last)   │
// │ [8:12]   value bytes held by this page       │
// │ [12:]    value bytes                         │
// └──────────────────────────────────────────────┘
//
// A value longer than MaxValueSize is split across a chain of these pages
// in order. Its leaf record holds a reference: be64(first page) followed by
// be64(value length).
const (
	offNext = 0
	offUsed = 8

	overflowHeader = 12

	overflowFlag = 0x8000
	refSize      = 16
)

// MaxValueLen is the longest value a tree accepts.
const MaxValueLen = math.MaxInt32

// chunkSize is the number of value bytes one overflow page holds.
func chunkSize(pageSize int) int {
	return pageSize - base.PageHeaderSize - overflowHeader
}

type valueRef struct {
	first  base.PageID
	length int
}

func (r valueRef) append(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(r.first))
	return binary.BigEndian.AppendUint64(dst, uint64(r.length))
}

// decodeRef parses the reference stored in a leaf record of page id.
func decodeRef(id base.PageID, b []byte) (valueRef, error) {
	if len(b) != refSize {
		return valueRef{}, base.Mismatch(id, "overflow reference length", refSize, len(b))
	}
	first := base.PageID(binary.BigEndian.Uint64(b))
	length := binary.BigEndian.Uint64(b[8:])
	if first == base.MetaPageID || first == id {
		return valueRef{}, base.Corrupt(id, "overflow reference to page %d", first)
	}
	if length == 0 || length > MaxValueLen {
		return valueRef{}, base.Corrupt(id, "overflow value of %d bytes", length)
	}
	return valueRef{first: first, length: int(length)}, nil
}

// ValidateOverflow checks the structure of an overflow page image.
func ValidateOverflow(id base.PageID, page []byte) error {
	if k := base.Kind(page); k != base.KindOverflow {
		return base.Mismatch(id, "page kind", base.KindOverflow, k)
	}
	p := base.Payload(page)
	if len(p) < overflowHeader {
		return base.Corrupt(id, "overflow page too short")
	}
	if next := base.PageID(binary.BigEndian.Uint64(p[offNext:])); next == id {
		return base.Corrupt(id, "overflow page links to itself")
	}
	if used := binary.BigEndian.Uint32(p[offUsed:]); used == 0 || int(used) > len(p)-overflowHeader {
		return base.Corrupt(id, "overflow page holds %d bytes, room for %d", used, len(p)-overflowHeader)
	}
	return nil
}

// walkChain visits the pages of the chain behind ref in order, checking
// that their lengths add up to the value's. The chain cannot loop: every
// page holds at least one byte and the total is bounded.
func (t *Tree) walkChain(ref valueRef, fn func(id base.PageID, chunk []byte)) error {
	id, total := ref.first, 0
	for total < ref.length {
		if id == base.MetaPageID {
			return base.Corrupt(ref.first, "overflow chain ends after %d of %d bytes", total, ref.length)
		}
		page, err := t.r.Page(id)
		if err != nil {
			return err
		}
		if err := ValidateOverflow(id, page.Data); err != nil {
			page.Release()
			return err
		}
		p := base.Payload(page.Data)
		used := int(binary.BigEndian.Uint32(p[offUsed:]))
		next := base.PageID(binary.BigEndian.Uint64(p[offNext:]))
		if total+used > ref.length {
			page.Release()
			return base.Corrupt(id, "overflow chain exceeds value length %d", ref.length)
		}
		fn(id, p[overflowHeader:overflowHeader+used])
		page.Release()
		total += used
		id = next
	}
	if id != 0 {
		return base.Corrupt(ref.first, "overflow chain continues past value end")
	}
	return nil
}

// readChain assembles the value behind ref.
func (t *Tree) readChain(ref valueRef) ([]byte, error) {
	out := make([]byte, 0, ref.length)
	err := t.walkChain(ref, func(_ base.PageID, chunk []byte) {
		out = append(out, chunk...)
	})
	return out, err
}

// chain returns the page ids of the chain behind ref.
func (t *Tree) chain(ref valueRef) ([]base.PageID, error) {
	var ids []base.PageID
	err := t.walkChain(ref, func(id base.PageID, _ []byte) {
		ids = append(ids, id)
	})
	return ids, err
}

// writeChain stores value in a chain built from the pages of an existing
// chain, in order, allocating or freeing pages as the length requires.
// Reused pages that already hold the right bytes are left clean, so
// rewriting a value that changed in its first bytes dirties one page.
func (t *Tree) writeChain(pages []base.PageID, value []byte) (valueRef, error) {
	chunk := chunkSize(t.pageSize)
	need := (len(value) + chunk - 1) / chunk
	for _, id := range pages[min(need, len(pages)):] {
		if err := t.w.Free(id); err != nil {
			return valueRef{}, err
		}
	}
	ids := slices.Clip(pages[:min(need, len(pages))])
	reused := len(ids)
	for len(ids) < need {
		id, _, err := t.w.Allocate(base.KindOverflow)
		if err != nil {
			return valueRef{}, err
		}
		ids = append(ids, id)
	}

	for i, id := range ids {
		data := value[i*chunk : min((i+1)*chunk, len(value))]
		var next base.PageID
		if i+1 < len(ids) {
			next = ids[i+1]
		}
		if i < reused {
			same, err := t.holds(id, next, data)
			if err != nil {
				return valueRef{}, err
			}
			if same {
				continue
			}
		}
		page, err := t.w.PageMut(id)
		if err != nil {
			return valueRef{}, err
		}
		p := base.Payload(page)
		binary.BigEndian.PutUint64(p[offNext:], uint64(next))
		binary.BigEndian.PutUint32(p[offUsed:], uint32(len(data)))
		n := copy(p[overflowHeader:], data)
		clear(p[overflowHeader+n:])
	}
	return valueRef{first: ids[0], length: len(value)}, nil
}

// holds reports whether overflow page id already links to next and holds
// data.
func (t *Tree) holds(id, next base.PageID, data []byte) (bool, error) {
	page, err := t.r.Page(id)
	if err != nil {
		return false, err
	}
	defer page.Release()
	p := base.Payload(page.Data)
	used := int(binary.BigEndian.Uint32(p[offUsed:]))
	return base.PageID(binary.BigEndian.Uint64(p[offNext:])) == next &&
		used == len(data) &&
		bytes.Equal(p[overflowHeader:overflowHeader+used], data), nil
}

// freeChain returns every page of the chain behind ref to the free-list.
func (t *Tree) freeChain(ref valueRef) error {
	ids, err := t.chain(ref)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := t.w.Free(id); err != nil {
			return err
		}
	}
	return nil
}

// resolve returns the value of leaf record i: a slice of the page for an
// inline value, a fresh copy for an overflow one.
func (t *Tree) resolve(n node, i int) ([]byte, error) {
	if !n.overflow(i) {
		return n.value(i), nil
	}
	ref, err := decodeRef(n.id, n.value(i))
	if err != nil {
		return nil, err
	}
	return t.readChain(ref)
}
