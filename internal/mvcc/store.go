package mvcc

import (
	"bytes"
	"slices"

	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/btree"
)

// Store keeps every version of a key as its own tree entry. Keys must be
// prefix free, as the order-preserving codecs produce, so that the versions
// of one key are adjacent.
type Store struct {
	t *btree.Tree
}

func NewStore(t *btree.Tree) *Store {
	return &Store{t: t}
}

// Tree returns the underlying tree.
func (s *Store) Tree() *btree.Tree { return s.t }

// Version is one retained version of a key.
type Version struct {
	Header Header
	Value  []byte
}

// each calls fn for the versions of key, newest first, until fn returns
// false. The value passed to fn is only valid during the call.
func (s *Store) each(key []byte, fn func(k []byte, h Header, payload []byte) bool) error {
	c := s.t.Cursor()
	defer c.Close()
	for k, v := c.Seek(newestKey(key)); c.Valid(); k, v = c.Next() {
		if !bytes.HasPrefix(k, key) {
			break
		}
		if len(k) != len(key)+suffixSize {
			continue
		}
		h, payload, err := DecodeHeader(v)
		if err != nil {
			return err
		}
		if _, begin, _ := SplitKey(k); begin != h.Begin {
			return base.Mismatch(c.Page(), "version begin", begin, h.Begin)
		}
		if !fn(k, h, payload) {
			break
		}
	}
	return c.Err()
}

// Get returns the version of key visible at snapshot.
func (s *Store) Get(key []byte, snapshot base.LSN) ([]byte, bool, error) {
	var (
		out   []byte
		found bool
	)
	err := s.each(key, func(_ []byte, h Header, payload []byte) bool {
		if h.Visible(snapshot) {
			out, found = slices.Clone(payload), true
			return false
		}
		// Versions are newest first; nothing older can be visible once a
		// version began at or before the snapshot.
		return h.Begin > snapshot
	})
	if err != nil {
		return nil, false, err
	}
	if found && out == nil {
		out = []byte{}
	}
	return out, found, nil
}

// newest returns the tree key and header of the most recent version of key.
func (s *Store) newest(key []byte) ([]byte, Header, []byte, bool, error) {
	var (
		k       []byte
		h       Header
		payload []byte
		ok      bool
	)
	err := s.each(key, func(vk []byte, vh Header, vp []byte) bool {
		k, h, payload, ok = slices.Clone(vk), vh, slices.Clone(vp), true
		return false
	})
	return k, h, payload, ok, err
}

// Put makes value the version of key beginning at commit. The live version
// it replaces ends at commit; a version written earlier by the same commit
// is overwritten.
func (s *Store) Put(key, value []byte, commit base.LSN) error {
	if err := checkPayload(value); err != nil {
		return err
	}
	k, h, payload, ok, err := s.newest(key)
	if err != nil {
		return err
	}
	if ok && h.Live() {
		switch {
		case h.Begin == commit:
			_, err := s.t.Put(k, Header{Begin: commit}.Append(nil, value))
			return err
		case h.Begin > commit:
			return base.Corrupt(base.NoPage, "version begins at %d after commit %d", h.Begin, commit)
		}
		h.End = commit
		if _, err := s.t.Put(k, h.Append(nil, payload)); err != nil {
			return err
		}
	}
	_, err = s.t.Put(AppendKey(nil, key, commit), Header{Begin: commit}.Append(nil, value))
	return err
}

// Delete ends the live version of key at commit. A version the same commit
// created is removed outright. It reports whether a live version existed.
func (s *Store) Delete(key []byte, commit base.LSN) (bool, error) {
	k, h, payload, ok, err := s.newest(key)
	if err != nil || !ok || !h.Live() {
		return false, err
	}
	if h.Begin == commit {
		_, err := s.t.Delete(k)
		return true, err
	}
	h.End = commit
	_, err = s.t.Put(k, h.Append(nil, payload))
	return true, err
}

// Versions returns every retained version of key, newest first.
func (s *Store) Versions(key []byte) ([]Version, error) {
	var out []Version
	err := s.each(key, func(_ []byte, h Header, payload []byte) bool {
		out = append(out, Version{Header: h, Value: slices.Clone(payload)})
		return true
	})
	return out, err
}

// Scan calls fn in key order for every key with a version visible at
// snapshot, starting at from, until fn returns false. Slices passed to fn
// are only valid during the call.
func (s *Store) Scan(from []byte, snapshot base.LSN, fn func(key, value []byte) bool) error {
	c := s.t.Cursor()
	defer c.Close()
	k, v := c.First()
	if from != nil {
		k, v = c.Seek(from)
	}
	for ; c.Valid(); k, v = c.Next() {
		h, payload, err := DecodeHeader(v)
		if err != nil {
			return err
		}
		if !h.Visible(snapshot) {
			continue
		}
		key, _, err := SplitKey(k)
		if err != nil {
			return err
		}
		if !fn(key, payload) {
			return nil
		}
	}
	return c.Err()
}
