package graphstore

import (
	"fmt"
	"time"

	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/btree"
	"github.com/alexhholmes/graphstore/internal/pager"
)

// LSN is a log sequence number. Commit ids and snapshots are LSNs.
type LSN = base.LSN

// Tx is a ReadTx or a WriteTx. Trees are opened through one.
type Tx interface {
	// Snapshot returns the commit id whose effects the transaction sees.
	Snapshot() LSN

	reader() btree.Reader
	root(slot int) base.Root
	writer() *WriteTx
	check() error
}

// ReadTx is a read-only snapshot. It never blocks the writer and is never
// blocked by it, but it holds back checkpoints and vacuum until Close.
type ReadTx struct {
	db     *DB
	view   *pager.ReadView
	slot   int
	closed bool
}

func (tx *ReadTx) Snapshot() LSN { return tx.view.Snapshot() }

// Close releases the snapshot. It is safe to call more than once.
func (tx *ReadTx) Close() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	tx.db.commits.Unpin(tx.slot)
	return tx.view.Close()
}

func (tx *ReadTx) reader() btree.Reader    { return tx.view }
func (tx *ReadTx) root(slot int) base.Root { return tx.view.Root(slot) }
func (tx *ReadTx) writer() *WriteTx        { return nil }

func (tx *ReadTx) check() error {
	if tx.closed {
		return ErrTxDone
	}
	return nil
}

// WriteTx is the single write transaction. Its changes stay private until
// Commit.
type WriteTx struct {
	db   *DB
	tx   *pager.WriteTx
	done bool
}

// CommitID returns the commit id reserved for this transaction.
func (tx *WriteTx) CommitID() LSN { return tx.tx.CommitID() }

// Snapshot returns the commit id; a write transaction sees its own changes.
func (tx *WriteTx) Snapshot() LSN { return tx.tx.CommitID() }

// Commit logs the transaction and waits until it is durable under the
// database's sync mode. A transaction that changed nothing returns the
// commit it was based on.
func (tx *WriteTx) Commit() (LSN, error) {
	if tx.done {
		return 0, ErrTxDone
	}
	tx.done = true
	d := tx.db
	id := tx.tx.CommitID()

	lsn, err := tx.tx.Commit()
	if err != nil {
		d.commits.Abort(id)
		d.log.Error("commit failed", "lsn", id, "error", err)
		return 0, err
	}
	if lsn != id {
		d.commits.Abort(id)
		return lsn, nil
	}
	if err := d.commits.Commit(id, time.Now()); err != nil {
		return 0, fmt.Errorf("commit %d: %w", id, err)
	}
	d.metrics.commits.Inc()
	return lsn, nil
}

// Rollback discards the transaction. It is a no-op after Commit.
func (tx *WriteTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.db.commits.Abort(tx.tx.CommitID())
	return tx.tx.Rollback()
}

func (tx *WriteTx) reader() btree.Reader    { return tx.tx }
func (tx *WriteTx) root(slot int) base.Root { return tx.tx.Root(slot) }
func (tx *WriteTx) writer() *WriteTx        { return tx }

func (tx *WriteTx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

// openSlot opens the tree in a root slot. In a write transaction an unused
// slot gets an empty tree; in a read transaction it yields nil.
func openSlot(tx Tx, slot int, kind base.RootKind) (*btree.Tree, error) {
	if slot < 0 || slot >= base.MaxRoots {
		return nil, fmt.Errorf("%w: root slot %d out of range [0, %d)", ErrInvalidArgument, slot, base.MaxRoots)
	}
	if err := tx.check(); err != nil {
		return nil, err
	}
	r := tx.root(slot)
	if r.Kind != base.RootUnused && r.Kind != kind {
		return nil, fmt.Errorf("%w: slot %d", ErrTreeKind, slot)
	}
	if r.Page != 0 {
		return btree.Open(tx.reader(), r.Page), nil
	}
	w := tx.writer()
	if w == nil {
		return nil, nil
	}
	id, err := btree.Create(w.tx)
	if err != nil {
		return nil, err
	}
	if err := w.tx.SetRoot(slot, base.Root{Page: id, Kind: kind}); err != nil {
		return nil, err
	}
	return btree.Open(w.tx, id), nil
}

// saveRoot records a root that moved after a split or collapse.
func saveRoot(w *WriteTx, slot int, kind base.RootKind, t *btree.Tree) error {
	if w.tx.Root(slot).Page == t.Root() {
		return nil
	}
	return w.tx.SetRoot(slot, base.Root{Page: t.Root(), Kind: kind})
}
