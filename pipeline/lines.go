/*
lines.go - Line mutation with dependent order-total recompute

PURPOSE:
  Every insert, update or delete of an order line goes through LineWriter.
  After the change-set is applied, each affected order's total is rebuilt
  from its post-change lines (zero when none remain) and written back in the
  same transaction. An order is recomputed exactly once per change-set no
  matter how many of its lines changed.

CRITICAL INVARIANT:
  order.Total == sum(line.LineTotal) for every order, at every point outside
  an in-flight transaction.
*/
package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// LineRef addresses a line by its natural key.
type LineRef struct {
	OrderID   OrderID
	ProductID ProductID
}

// LineChangeSet is a batch of line mutations applied as one trigger firing.
type LineChangeSet struct {
	Inserts []Line
	Updates []Line
	Deletes []LineRef
}

func (cs LineChangeSet) Empty() bool {
	return len(cs.Inserts) == 0 && len(cs.Updates) == 0 && len(cs.Deletes) == 0
}

// LineChangeResult reports what a change-set did.
type LineChangeResult struct {
	Inserted []Line
	Updated  int
	Deleted  int
	Totals   map[OrderID]decimal.Decimal
}

// LineWriter applies line change-sets and fires the order-total recompute.
type LineWriter struct{}

// Apply runs cs against tx. Callers own the transaction boundary.
func (LineWriter) Apply(ctx context.Context, tx Tx, cs LineChangeSet) (LineChangeResult, error) {
	res := LineChangeResult{Totals: make(map[OrderID]decimal.Decimal)}
	affected := make(map[OrderID]struct{})

	for _, l := range cs.Inserts {
		l = NewLine(l.OrderID, l.ProductID, l.Quantity, l.UnitPrice)
		id, err := tx.InsertLine(ctx, l)
		if err != nil {
			return res, fmt.Errorf("insert line order=%d product=%d: %w", l.OrderID, l.ProductID, err)
		}
		l.ID = id
		res.Inserted = append(res.Inserted, l)
		affected[l.OrderID] = struct{}{}
	}

	for _, l := range cs.Updates {
		l = NewLine(l.OrderID, l.ProductID, l.Quantity, l.UnitPrice)
		if err := tx.UpdateLine(ctx, l); err != nil {
			return res, fmt.Errorf("update line order=%d product=%d: %w", l.OrderID, l.ProductID, err)
		}
		res.Updated++
		affected[l.OrderID] = struct{}{}
	}

	for _, ref := range cs.Deletes {
		if err := tx.DeleteLine(ctx, ref.OrderID, ref.ProductID); err != nil {
			return res, fmt.Errorf("delete line order=%d product=%d: %w", ref.OrderID, ref.ProductID, err)
		}
		res.Deleted++
		affected[ref.OrderID] = struct{}{}
	}

	ids := make([]OrderID, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		total, err := RecomputeOrderTotal(ctx, tx, id)
		if err != nil {
			return res, err
		}
		res.Totals[id] = total
	}

	return res, nil
}

// RecomputeOrderTotal rebuilds one order's total from its current lines.
func RecomputeOrderTotal(ctx context.Context, tx Tx, id OrderID) (decimal.Decimal, error) {
	lines, err := tx.ListLines(ctx, id)
	if err != nil {
		return decimal.Zero, fmt.Errorf("recompute order %d: %w", id, err)
	}
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.LineTotal)
	}
	if err := tx.SetOrderTotal(ctx, id, total); err != nil {
		return decimal.Zero, fmt.Errorf("recompute order %d: %w", id, err)
	}
	return total, nil
}
