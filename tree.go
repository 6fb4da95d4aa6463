package graphstore

import (
	"bytes"
	"fmt"

	"github.com/alexhholmes/graphstore/codec"
	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/btree"
)

// Tree is a plain B+Tree in one root slot, typed by its codecs. It is only
// valid for the life of the transaction it was opened in.
type Tree[K, V any] struct {
	tx   Tx
	slot int
	t    *btree.Tree // Nil for an unused slot in a read transaction
	keys codec.KeyCodec[K]
	vals codec.ValueCodec[V]
}

// OpenTree opens the plain tree in slot. A write transaction creates it
// when the slot is unused.
func OpenTree[K, V any](tx Tx, slot int, keys codec.KeyCodec[K], vals codec.ValueCodec[V]) (*Tree[K, V], error) {
	t, err := openSlot(tx, slot, base.RootPlain)
	if err != nil {
		return nil, err
	}
	return &Tree[K, V]{tx: tx, slot: slot, t: t, keys: keys, vals: vals}, nil
}

// Get returns the value stored under k, or ErrNotFound.
func (t *Tree[K, V]) Get(k K) (V, error) {
	var zero V
	if err := t.tx.check(); err != nil {
		return zero, err
	}
	if t.t == nil {
		return zero, ErrNotFound
	}
	key, err := t.keys.AppendKey(nil, k)
	if err != nil {
		return zero, err
	}
	val, ok, err := t.t.Get(key)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, ErrNotFound
	}
	return t.vals.DecodeValue(val)
}

// Put stores v under k, replacing any previous value.
func (t *Tree[K, V]) Put(k K, v V) error {
	w, err := t.writable()
	if err != nil {
		return err
	}
	key, err := t.keys.AppendKey(nil, k)
	if err != nil {
		return err
	}
	val, err := t.vals.AppendValue(nil, v)
	if err != nil {
		return err
	}
	if _, err := t.t.Put(key, val); err != nil {
		return err
	}
	return saveRoot(w, t.slot, base.RootPlain, t.t)
}

// Delete removes k and reports whether it was present.
func (t *Tree[K, V]) Delete(k K) (bool, error) {
	w, err := t.writable()
	if err != nil {
		return false, err
	}
	key, err := t.keys.AppendKey(nil, k)
	if err != nil {
		return false, err
	}
	found, err := t.t.Delete(key)
	if err != nil {
		return false, err
	}
	return found, saveRoot(w, t.slot, base.RootPlain, t.t)
}

// Range calls fn in key order for keys in [from, to) until fn returns
// false. A nil bound is unbounded.
func (t *Tree[K, V]) Range(from, to *K, fn func(k K, v V) bool) error {
	if err := t.tx.check(); err != nil {
		return err
	}
	if t.t == nil {
		return nil
	}
	lo, hi, err := encodeBounds(t.keys, from, to)
	if err != nil {
		return err
	}

	c := t.t.Cursor()
	defer c.Close()
	key, val := c.First()
	if lo != nil {
		key, val = c.Seek(lo)
	}
	for ; c.Valid(); key, val = c.Next() {
		if hi != nil && bytes.Compare(key, hi) >= 0 {
			break
		}
		k, v, err := decodeEntry(t.keys, t.vals, key, val)
		if err != nil {
			return err
		}
		if !fn(k, v) {
			return nil
		}
	}
	return c.Err()
}

// Len returns the number of keys by walking the leaves.
func (t *Tree[K, V]) Len() (int, error) {
	if err := t.tx.check(); err != nil {
		return 0, err
	}
	if t.t == nil {
		return 0, nil
	}
	return t.t.Len()
}

// Check verifies the structure of the whole tree and returns the first
// violation found.
func (t *Tree[K, V]) Check() error {
	if err := t.tx.check(); err != nil {
		return err
	}
	if t.t == nil {
		return nil
	}
	return t.t.Check()
}

func (t *Tree[K, V]) writable() (*WriteTx, error) {
	if err := t.tx.check(); err != nil {
		return nil, err
	}
	w := t.tx.writer()
	if w == nil {
		return nil, ErrTxReadOnly
	}
	return w, nil
}

func encodeBounds[K any](keys codec.KeyCodec[K], from, to *K) (lo, hi []byte, err error) {
	if from != nil {
		if lo, err = keys.AppendKey(nil, *from); err != nil {
			return nil, nil, err
		}
	}
	if to != nil {
		if hi, err = keys.AppendKey(nil, *to); err != nil {
			return nil, nil, err
		}
	}
	return lo, hi, nil
}

func decodeEntry[K, V any](keys codec.KeyCodec[K], vals codec.ValueCodec[V], key, val []byte) (K, V, error) {
	var (
		k K
		v V
	)
	k, err := keys.DecodeKey(key)
	if err != nil {
		return k, v, fmt.Errorf("decode key: %w", err)
	}
	v, err = vals.DecodeValue(val)
	if err != nil {
		return k, v, fmt.Errorf("decode value: %w", err)
	}
	return k, v, nil
}
