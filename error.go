package graphstore

import (
	"errors"

	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/btree"
	"github.com/alexhholmes/graphstore/internal/mvcc"
	"github.com/alexhholmes/graphstore/internal/pager"
	"github.com/alexhholmes/graphstore/internal/readslots"
)

var (
	ErrDatabaseClosed = errors.New("database is closed")
	ErrTxReadOnly     = errors.New("transaction is read-only")
	ErrTreeKind       = errors.New("root slot holds a different kind of tree")

	ErrTxDone         = pager.ErrTxDone
	ErrKeyTooLarge    = btree.ErrKeyTooLarge
	ErrValueTooLarge  = btree.ErrValueTooLarge
	ErrTooManyReaders = readslots.ErrTooManyReaders
	ErrCommitPending  = mvcc.ErrCommitPending

	ErrCorruption      = base.ErrCorruption
	ErrNotFound        = base.ErrNotFound
	ErrInvalidArgument = base.ErrInvalidArgument
	ErrInvalidPageSize = base.ErrInvalidPageSize
)

// CorruptionError describes bytes that failed validation. It matches
// ErrCorruption with errors.Is.
type CorruptionError = base.CorruptionError
