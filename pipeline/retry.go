/*
retry.go - Quarantine and bounded retry of invalid staging rows

PURPOSE:
  Rows that fail validation are quarantined (status=invalid). An operator
  may correct their fields between runs; every time a quarantined row
  re-enters the Validator its retry_count goes up by one. Once retry_count
  reaches MaxRetries and the row is still invalid it is terminal: reported
  once as a RetryExhaustedError and excluded from every later pass.

SETS:
  Quarantined: status=invalid AND processed=false AND retry_count <  MaxRetries
  Exhausted:   status=invalid AND processed=false AND retry_count >= MaxRetries

  The bound guarantees that the reconciliation loop terminates for any
  finite input.

CORRECTIONS:
  Correct rewrites fields of a quarantined row and leaves it invalid. The
  next run re-validates it; corrections never bypass the Validator.

  A valid row that the latest run's load named as a line conflict can be
  corrected too. It goes back to pending, so the next run validates it as
  fresh intake and the rest of the buffer loads without it until then.
*/
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMaxRetries is the retry bound when none is configured.
const DefaultMaxRetries = 3

// Correction holds the fields an operator wants to rewrite. Nil means unchanged.
type Correction struct {
	CustomerRef *CustomerID
	ProductRef  *ProductID
	Quantity    *int64
	UnitPrice   *decimal.Decimal
	OrderDate   *time.Time
}

func (c Correction) Empty() bool {
	return c.CustomerRef == nil && c.ProductRef == nil && c.Quantity == nil &&
		c.UnitPrice == nil && c.OrderDate == nil
}

func (c Correction) apply(row StagingRow) StagingRow {
	if c.CustomerRef != nil {
		row.CustomerRef = *c.CustomerRef
	}
	if c.ProductRef != nil {
		row.ProductRef = *c.ProductRef
	}
	if c.Quantity != nil {
		row.Quantity = *c.Quantity
	}
	if c.UnitPrice != nil {
		row.UnitPrice = *c.UnitPrice
	}
	if c.OrderDate != nil {
		row.OrderDate = Day(*c.OrderDate)
	}
	return row
}

// Attempt is the outcome of one row passing through the Validator.
type Attempt struct {
	Row       StagingRow // status and retry count after the attempt
	Verdict   Verdict
	Retry     bool // the row re-entered from quarantine
	Exhausted bool // invalid with no retries left
}

// Err returns nil for valid rows, *RetryExhaustedError for terminal rows and
// *ValidationError otherwise.
func (a Attempt) Err() error {
	if a.Verdict.Valid() {
		return nil
	}
	verr := &ValidationError{RowID: a.Row.ID, Failures: a.Verdict.Failures}
	if a.Exhausted {
		return &RetryExhaustedError{RowID: a.Row.ID, Attempts: a.Row.RetryCount, Last: verr}
	}
	return verr
}

// Kind is the error log kind for a failed attempt.
func (a Attempt) Kind() ErrorKind {
	if a.Exhausted {
		return KindRetryExhausted
	}
	return KindValidation
}

// RetryCoordinator tracks retry counts on quarantined rows.
type RetryCoordinator struct {
	Store      Store
	MaxRetries int

	// ProcessName is the run process whose load failures make valid rows correctable.
	ProcessName string
}

// NewRetryCoordinator creates a coordinator. maxRetries < 0 selects DefaultMaxRetries.
func NewRetryCoordinator(store Store, maxRetries int) *RetryCoordinator {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &RetryCoordinator{Store: store, MaxRetries: maxRetries, ProcessName: DefaultProcessName}
}

// Candidates returns the rows the next validation pass must look at:
// never-validated rows followed by quarantined rows.
func (c *RetryCoordinator) Candidates(ctx context.Context, tx Tx) ([]StagingRow, error) {
	processed := false
	pending, err := tx.ListStaging(ctx, StagingFilter{Status: StatusPending, Processed: &processed})
	if err != nil {
		return nil, fmt.Errorf("list pending staging rows: %w", err)
	}
	quarantined, err := c.quarantined(ctx, tx)
	if err != nil {
		return nil, err
	}
	return append(pending, quarantined...), nil
}

// Quarantined returns invalid rows that are still eligible for a retry.
func (c *RetryCoordinator) Quarantined(ctx context.Context) ([]StagingRow, error) {
	return c.quarantined(ctx, c.Store)
}

func (c *RetryCoordinator) quarantined(ctx context.Context, tx Tx) ([]StagingRow, error) {
	processed := false
	maxRetry := c.MaxRetries
	rows, err := tx.ListStaging(ctx, StagingFilter{
		Status:        StatusInvalid,
		Processed:     &processed,
		MaxRetryCount: &maxRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("list quarantined staging rows: %w", err)
	}
	return rows, nil
}

// Exhausted returns invalid rows that will never be retried again.
func (c *RetryCoordinator) Exhausted(ctx context.Context) ([]StagingRow, error) {
	processed := false
	minRetry := c.MaxRetries
	rows, err := c.Store.ListStaging(ctx, StagingFilter{
		Status:        StatusInvalid,
		Processed:     &processed,
		MinRetryCount: &minRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("list exhausted staging rows: %w", err)
	}
	return rows, nil
}

// Evaluate runs row through the Validator, counting a retry when the row
// comes out of quarantine.
func (c *RetryCoordinator) Evaluate(row StagingRow, refs ReferenceData) Attempt {
	a := Attempt{Row: row}
	if row.Status == StatusInvalid {
		a.Retry = true
		a.Row.RetryCount++
	}
	a.Verdict = Validate(a.Row, refs)
	a.Row.Status = a.Verdict.Status()
	if !a.Verdict.Valid() && a.Row.RetryCount >= c.MaxRetries {
		a.Exhausted = true
	}
	return a
}

// Correct rewrites fields of a quarantined row, or of a valid row blocked
// by the latest load.
func (c *RetryCoordinator) Correct(ctx context.Context, id StagingID, corr Correction) (StagingRow, error) {
	if corr.Empty() {
		return StagingRow{}, fmt.Errorf("%w: correction has no fields", ErrInvalidInput)
	}

	var out StagingRow
	err := c.Store.WithTx(ctx, func(tx Tx) error {
		row, err := tx.GetStaging(ctx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("%w: %d", ErrStagingRowNotFound, id)
		}
		if row.Processed {
			return fmt.Errorf("%w: %d", ErrStagingRowProcessed, id)
		}
		if row.Status == StatusValid {
			blocked, err := c.blockedByLoad(ctx, tx, id)
			if err != nil {
				return err
			}
			if !blocked {
				return fmt.Errorf("%w: %d is %s", ErrNotQuarantined, id, row.Status)
			}
			out = corr.apply(*row)
			out.Status = StatusPending
			return tx.UpdateStaging(ctx, out)
		}
		if row.Status != StatusInvalid {
			return fmt.Errorf("%w: %d is %s", ErrNotQuarantined, id, row.Status)
		}
		if row.RetryCount >= c.MaxRetries {
			return fmt.Errorf("%w: %d", ErrRetriesExhausted, id)
		}

		out = corr.apply(*row)
		return tx.UpdateStaging(ctx, out)
	})
	if err != nil {
		return StagingRow{}, err
	}
	return out, nil
}

// blockedByLoad reports whether the latest run failed its load on a line
// conflict involving row id.
func (c *RetryCoordinator) blockedByLoad(ctx context.Context, tx Tx, id StagingID) (bool, error) {
	runs, err := tx.ListRuns(ctx, RunFilter{ProcessName: c.ProcessName, Limit: 1})
	if err != nil {
		return false, fmt.Errorf("find latest run: %w", err)
	}
	if len(runs) == 0 || runs[0].Status != RunFailed {
		return false, nil
	}
	records, err := tx.ListErrors(ctx, runs[0].ID)
	if err != nil {
		return false, fmt.Errorf("list errors of run %s: %w", runs[0].ID, err)
	}
	for _, rec := range records {
		if rec.Kind == KindLoad && rec.SourceRowID != nil && *rec.SourceRowID == int64(id) {
			return true, nil
		}
	}
	return false, nil
}
