/*
loader.go - Atomic load of validated staging rows

PURPOSE:
  Moves every staging row with status=valid and processed=false into the
  normalized orders/order_lines tables inside ONE store transaction.

STEPS (single atomic unit):
  0. Snapshot the input rows (read inside the unit, so rows inserted later
     are not picked up mid-run)
  1. Insert each distinct (customer, order date) that has no order yet
  2. Insert one line per (order, product) against the resolved order,
     through LineWriter so order totals are recomputed in the same unit.
     Rows sharing a line key and a unit price become one line with the
     summed quantity
  3. Mark every input row processed

  Any failure rolls back all three steps. No orphan orders, no half-marked
  staging rows.

LINE CONFLICTS:
  Rows that would hit a line already loaded, or that share a line key with
  a different unit price, abort the unit with a LineConflictError naming
  every such row. Those rows can then be corrected (see retry.go) so the
  rest of the buffer is not blocked behind them.

IDEMPOTENCY:
  Enforced by the processed filter in step 0. A second Load over the same
  rows finds nothing to do.
*/
package pipeline

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
)

// LoadResult summarizes a committed load unit.
type LoadResult struct {
	RowsProcessed int
	OrdersCreated []OrderID
	LinesCreated  int
	StagingIDs    []StagingID
}

// Loader is the transactional staging → normalized load command.
type Loader struct {
	Store  Store
	Lines  LineWriter
	Clock  Clock
	Logger *zap.Logger
}

// NewLoader creates a loader over store.
func NewLoader(store Store) *Loader {
	return &Loader{Store: store, Clock: SystemClock{}, Logger: zap.NewNop()}
}

// Load executes the atomic unit. Errors are *LoadError and leave the store unchanged.
func (l *Loader) Load(ctx context.Context) (LoadResult, error) {
	var res LoadResult

	err := l.Store.WithTx(ctx, func(tx Tx) error {
		res = LoadResult{}

		processed := false
		rows, err := tx.ListStaging(ctx, StagingFilter{Status: StatusValid, Processed: &processed})
		if err != nil {
			return &LoadError{Stage: "snapshot", Err: err}
		}
		if len(rows) == 0 {
			return nil
		}

		// Step 1: distinct order keys, in first-seen order
		orders := make(map[OrderKey]OrderID)
		created := make(map[OrderID]bool)
		var keys []OrderKey
		for _, r := range rows {
			k := r.OrderKey()
			if _, seen := orders[k]; !seen {
				orders[k] = 0
				keys = append(keys, k)
			}
		}

		for _, k := range keys {
			existing, err := tx.FindOrder(ctx, k)
			if err != nil {
				return &LoadError{Stage: "orders", Err: err}
			}
			if existing != nil {
				orders[k] = existing.ID
				continue
			}
			date, err := ParseDate(k.OrderDate)
			if err != nil {
				return &LoadError{Stage: "orders", Err: err}
			}
			id, err := tx.InsertOrder(ctx, Order{
				CustomerID: k.CustomerID,
				OrderDate:  date,
				CreatedAt:  l.now(),
			})
			if err != nil {
				return &LoadError{Stage: "orders", Err: err}
			}
			orders[k] = id
			created[id] = true
			res.OrdersCreated = append(res.OrdersCreated, id)
		}

		// Step 2: lines (fires the order-total recompute)
		lines, conflicts, err := planLines(ctx, tx, rows, orders, created)
		if err != nil {
			return &LoadError{Stage: "lines", Err: err}
		}
		if len(conflicts) > 0 {
			return &LoadError{Stage: "lines", Err: &LineConflictError{Rows: conflicts}}
		}
		applied, err := l.Lines.Apply(ctx, tx, LineChangeSet{Inserts: lines})
		if err != nil {
			return &LoadError{Stage: "lines", Err: err}
		}
		res.LinesCreated = len(applied.Inserted)

		// Step 3: flag the snapshot as processed
		ids := make([]StagingID, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if err := tx.MarkProcessed(ctx, ids); err != nil {
			return &LoadError{Stage: "mark_processed", Err: err}
		}
		res.StagingIDs = ids
		res.RowsProcessed = len(ids)
		return nil
	})
	if err != nil {
		var loadErr *LoadError
		if !errors.As(err, &loadErr) {
			err = &LoadError{Stage: "commit", Err: err}
		}
		l.logger().Warn("load rolled back", zap.Error(err))
		return LoadResult{}, err
	}

	if res.RowsProcessed > 0 {
		l.logger().Info("load committed",
			zap.Int("rows", res.RowsProcessed),
			zap.Int("orders_created", len(res.OrdersCreated)),
			zap.Int("lines_created", res.LinesCreated),
		)
	}
	return res, nil
}

type lineGroup struct {
	line     Line
	rows     []StagingID
	conflict bool
}

// planLines groups rows by (order, product). It returns the lines to insert
// and the ids of rows whose group cannot be written.
func planLines(ctx context.Context, tx Tx, rows []StagingRow, orders map[OrderKey]OrderID, created map[OrderID]bool) ([]Line, []StagingID, error) {
	groups := make(map[LineRef]*lineGroup)
	var refs []LineRef
	for _, r := range rows {
		ref := LineRef{OrderID: orders[r.OrderKey()], ProductID: r.ProductRef}
		g, ok := groups[ref]
		if !ok {
			groups[ref] = &lineGroup{
				line: NewLine(ref.OrderID, ref.ProductID, r.Quantity, r.UnitPrice),
				rows: []StagingID{r.ID},
			}
			refs = append(refs, ref)
			continue
		}
		g.rows = append(g.rows, r.ID)
		if !g.line.UnitPrice.Equal(r.UnitPrice) {
			g.conflict = true
			continue
		}
		g.line = NewLine(ref.OrderID, ref.ProductID, g.line.Quantity+r.Quantity, g.line.UnitPrice)
	}

	var lines []Line
	var conflicts []StagingID
	for _, ref := range refs {
		g := groups[ref]
		if !g.conflict && !created[ref.OrderID] {
			existing, err := tx.GetLine(ctx, ref.OrderID, ref.ProductID)
			if err != nil {
				return nil, nil, err
			}
			g.conflict = existing != nil
		}
		if g.conflict {
			conflicts = append(conflicts, g.rows...)
			continue
		}
		lines = append(lines, g.line)
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i] < conflicts[j] })
	return lines, conflicts, nil
}

func (l *Loader) now() time.Time {
	if l.Clock == nil {
		return SystemClock{}.Now()
	}
	return l.Clock.Now()
}

func (l *Loader) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}
