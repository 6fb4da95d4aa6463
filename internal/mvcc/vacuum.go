package mvcc

import (
	"context"
	"slices"
	"time"

	"github.com/alexhholmes/graphstore/internal/base"
	"github.com/alexhholmes/graphstore/internal/btree"
)

// Budget bounds one vacuum pass. Zero fields are unlimited.
type Budget struct {
	MaxPages    int // Leaf pages scanned
	MaxDuration time.Duration
}

// Position is where a vacuum pass resumes: a root slot and the first tree
// key not yet examined in it.
type Position struct {
	Slot int
	Key  []byte
}

// Result summarizes one vacuum pass.
type Result struct {
	Horizon  base.LSN
	Pages    int // Leaf pages scanned
	Examined int // Versions examined
	Removed  int // Versions deleted
	Next     Position
	Complete bool // The pass reached the end of the last versioned tree
}

// Tx is the part of a write transaction vacuum needs.
type Tx interface {
	btree.Writer
	Root(i int) base.Root
	SetRoot(i int, r base.Root) error
}

// Vacuum deletes versions that ended before horizon from every versioned
// tree, starting at from. It stops once the budget is spent and reports
// where to resume. At least one leaf is scanned per pass.
func Vacuum(ctx context.Context, tx Tx, horizon base.LSN, budget Budget, from Position) (Result, error) {
	res := Result{Horizon: horizon}
	var deadline time.Time
	if budget.MaxDuration > 0 {
		deadline = time.Now().Add(budget.MaxDuration)
	}
	spent := func() bool {
		if res.Pages == 0 {
			return false
		}
		if budget.MaxPages > 0 && res.Pages >= budget.MaxPages {
			return true
		}
		return !deadline.IsZero() && !time.Now().Before(deadline)
	}

	start := from.Key
	for slot := max(from.Slot, 0); slot < base.MaxRoots; slot, start = slot+1, nil {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		root := tx.Root(slot)
		if root.Kind != base.RootVersioned || root.Page == 0 {
			continue
		}
		t := btree.Open(tx, root.Page)

		victims, next, err := scanSlot(t, horizon, start, spent, &res)
		if err != nil {
			return res, err
		}
		for _, k := range victims {
			if _, err := t.Delete(k); err != nil {
				return res, err
			}
		}
		res.Removed += len(victims)
		if t.Root() != root.Page {
			if err := tx.SetRoot(slot, base.Root{Page: t.Root(), Kind: base.RootVersioned}); err != nil {
				return res, err
			}
		}
		if next != nil {
			res.Next = Position{Slot: slot, Key: next}
			return res, nil
		}
	}
	res.Complete = true
	return res, nil
}

// scanSlot collects the keys of expired versions from start. It returns
// the key to resume at when the budget ran out first.
func scanSlot(t *btree.Tree, horizon base.LSN, start []byte, spent func() bool, res *Result) ([][]byte, []byte, error) {
	c := t.Cursor()
	defer c.Close()

	var victims [][]byte
	k, v := c.First()
	if start != nil {
		k, v = c.Seek(start)
	}
	leaf := base.NoPage
	for ; c.Valid(); k, v = c.Next() {
		if c.Page() != leaf {
			if spent() {
				return victims, slices.Clone(k), nil
			}
			leaf = c.Page()
			res.Pages++
		}
		res.Examined++
		h, _, err := DecodeHeader(v)
		if err != nil {
			return nil, nil, err
		}
		if h.End != Infinity && h.End < horizon {
			victims = append(victims, slices.Clone(k))
		}
	}
	return victims, nil, c.Err()
}
