package graphstore

import (
	"bytes"
	"fmt"

	"github.com/alexhholmes/graphstore/codec"
	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/mvcc"
)

// Versioned is a tree that keeps the history of every key. Reads see the
// versions visible at the transaction's snapshot; writes stamp the commit
// id of the write transaction. Ended versions are removed by Vacuum once
// no reader can see them.
type Versioned[K, V any] struct {
	tx   Tx
	slot int
	s    *mvcc.Store // Nil for an unused slot in a read transaction
	keys codec.KeyCodec[K]
	vals codec.ValueCodec[V]
}

// Version is one retained version of a key. End is zero while the version
// is live.
type Version[V any] struct {
	Begin LSN
	End   LSN
	Value V
}

// OpenVersioned opens the versioned tree in slot. A write transaction
// creates it when the slot is unused.
func OpenVersioned[K, V any](tx Tx, slot int, keys codec.KeyCodec[K], vals codec.ValueCodec[V]) (*Versioned[K, V], error) {
	t, err := openSlot(tx, slot, base.RootVersioned)
	if err != nil {
		return nil, err
	}
	vt := &Versioned[K, V]{tx: tx, slot: slot, keys: keys, vals: vals}
	if t != nil {
		vt.s = mvcc.NewStore(t)
	}
	return vt, nil
}

// Get returns the value of k visible at the transaction's snapshot, or
// ErrNotFound.
func (vt *Versioned[K, V]) Get(k K) (V, error) {
	return vt.get(k, vt.tx.Snapshot())
}

// GetWithWrite returns the value of k as the write transaction sees it,
// including its own uncommitted changes.
func (vt *Versioned[K, V]) GetWithWrite(k K) (V, error) {
	w, err := vt.writable()
	if err != nil {
		var zero V
		return zero, err
	}
	return vt.get(k, w.CommitID())
}

func (vt *Versioned[K, V]) get(k K, snapshot LSN) (V, error) {
	var zero V
	if err := vt.tx.check(); err != nil {
		return zero, err
	}
	if vt.s == nil {
		return zero, ErrNotFound
	}
	key, err := vt.keys.AppendKey(nil, k)
	if err != nil {
		return zero, err
	}
	val, ok, err := vt.s.Get(key, snapshot)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, ErrNotFound
	}
	return vt.vals.DecodeValue(val)
}

// Put writes a new version of k beginning at the transaction's commit id
// and ends the version it replaces.
func (vt *Versioned[K, V]) Put(k K, v V) error {
	w, err := vt.writable()
	if err != nil {
		return err
	}
	key, err := vt.keys.AppendKey(nil, k)
	if err != nil {
		return err
	}
	val, err := vt.vals.AppendValue(nil, v)
	if err != nil {
		return err
	}
	if err := vt.s.Put(key, val, w.CommitID()); err != nil {
		return err
	}
	return saveRoot(w, vt.slot, base.RootVersioned, vt.s.Tree())
}

// Delete ends the live version of k at the transaction's commit id. Older
// snapshots still see it.
func (vt *Versioned[K, V]) Delete(k K) (bool, error) {
	w, err := vt.writable()
	if err != nil {
		return false, err
	}
	key, err := vt.keys.AppendKey(nil, k)
	if err != nil {
		return false, err
	}
	found, err := vt.s.Delete(key, w.CommitID())
	if err != nil {
		return false, err
	}
	return found, saveRoot(w, vt.slot, base.RootVersioned, vt.s.Tree())
}

// Versions returns every retained version of k, newest first, regardless
// of the transaction's snapshot.
func (vt *Versioned[K, V]) Versions(k K) ([]Version[V], error) {
	if err := vt.tx.check(); err != nil {
		return nil, err
	}
	if vt.s == nil {
		return nil, nil
	}
	key, err := vt.keys.AppendKey(nil, k)
	if err != nil {
		return nil, err
	}
	versions, err := vt.s.Versions(key)
	if err != nil {
		return nil, err
	}
	out := make([]Version[V], 0, len(versions))
	for _, ver := range versions {
		v, err := vt.vals.DecodeValue(ver.Value)
		if err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
		out = append(out, Version[V]{Begin: ver.Header.Begin, End: ver.Header.End, Value: v})
	}
	return out, nil
}

// Range calls fn in key order for the keys in [from, to) visible at the
// transaction's snapshot until fn returns false. A nil bound is unbounded.
func (vt *Versioned[K, V]) Range(from, to *K, fn func(k K, v V) bool) error {
	if err := vt.tx.check(); err != nil {
		return err
	}
	if vt.s == nil {
		return nil
	}
	lo, hi, err := encodeBounds(vt.keys, from, to)
	if err != nil {
		return err
	}
	var decodeErr error
	err = vt.s.Scan(lo, vt.tx.Snapshot(), func(key, val []byte) bool {
		if hi != nil && bytes.Compare(key, hi) >= 0 {
			return false
		}
		k, v, err := decodeEntry(vt.keys, vt.vals, key, val)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(k, v)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// Len returns the number of keys visible at the transaction's snapshot.
func (vt *Versioned[K, V]) Len() (int, error) {
	if err := vt.tx.check(); err != nil {
		return 0, err
	}
	if vt.s == nil {
		return 0, nil
	}
	n := 0
	err := vt.s.Scan(nil, vt.tx.Snapshot(), func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

func (vt *Versioned[K, V]) writable() (*WriteTx, error) {
	if err := vt.tx.check(); err != nil {
		return nil, err
	}
	w := vt.tx.writer()
	if w == nil {
		return nil, ErrTxReadOnly
	}
	return w, nil
}
