/*
errors.go - Centralized error types for the reconciliation pipeline

ERROR CATEGORIES:
  1. ValidationError     - A staging row fails a business predicate.
                           Collected per row, never aborts a run.
  2. LoadError           - The atomic load unit failed and was rolled back.
                           Fails the run.
  3. RetryExhaustedError - A row is still invalid after MaxRetries attempts.
                           Terminal for the row, reported but not fatal.
  4. MergeError          - The fact table merge failed and was rolled back.
  5. LineConflictError   - Valid rows that collide on an order line. Carried
                           by a LoadError; the rows become correctable.

USAGE:
  var loadErr *pipeline.LoadError
  if errors.As(err, &loadErr) {
      // run was sealed failed, nothing was committed
  }

SEE ALSO:
  - validator.go: Produces Failure values
  - runs.go: Persists these as ErrorRecord kinds
*/
package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRunSealed is returned when sealing a run that already has a terminal status.
	ErrRunSealed = errors.New("run already sealed")

	// ErrRunNotFound is returned when a run id is unknown.
	ErrRunNotFound = errors.New("run not found")

	// ErrStagingRowNotFound is returned when a staging id is unknown.
	ErrStagingRowNotFound = errors.New("staging row not found")

	// ErrStagingRowProcessed is returned when mutating a row that was already loaded.
	ErrStagingRowProcessed = errors.New("staging row already processed")

	// ErrRetriesExhausted is returned when correcting a row that was given up on.
	ErrRetriesExhausted = errors.New("staging row retries exhausted")

	// ErrNotQuarantined is returned when correcting a row that is not invalid.
	ErrNotQuarantined = errors.New("staging row is not quarantined")

	// ErrOrderNotFound is returned when an order id is unknown.
	ErrOrderNotFound = errors.New("order not found")

	// ErrLineNotFound is returned when no line exists for (order, product).
	ErrLineNotFound = errors.New("order line not found")

	// ErrDuplicateOrder is returned when (customer, order date) already has an order.
	ErrDuplicateOrder = errors.New("duplicate order for customer and date")

	// ErrDuplicateLine is returned when (order, product) already has a line.
	ErrDuplicateLine = errors.New("duplicate line for order and product")

	// ErrUnknownReference is returned when a foreign key does not resolve.
	ErrUnknownReference = errors.New("unknown reference")

	// ErrInvalidInput is returned for malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError lists every predicate a staging row failed.
type ValidationError struct {
	RowID    StagingID
	Failures []Failure
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Message
	}
	return fmt.Sprintf("staging row %d invalid: %s", e.RowID, strings.Join(msgs, "; "))
}

// Reasons returns the failed predicate codes in evaluation order.
func (e *ValidationError) Reasons() []Reason {
	out := make([]Reason, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Reason
	}
	return out
}

// LoadError wraps any failure inside the atomic load unit.
type LoadError struct {
	Stage string // snapshot, orders, lines, mark_processed, commit
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load aborted at %s: %v", e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// LineConflictError names the staging rows whose lines cannot be written:
// they collide with a line already loaded, or with rows of the same
// snapshot that carry a different unit price. These rows can be corrected
// even though they passed validation.
type LineConflictError struct {
	Rows []StagingID
}

func (e *LineConflictError) Error() string {
	ids := make([]string, len(e.Rows))
	for i, id := range e.Rows {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("%v: staging rows %s", ErrDuplicateLine, strings.Join(ids, ", "))
}

func (e *LineConflictError) Unwrap() error { return ErrDuplicateLine }

// RetryExhaustedError reports a row that stays invalid after its last allowed attempt.
type RetryExhaustedError struct {
	RowID    StagingID
	Attempts int
	Last     *ValidationError
}

func (e *RetryExhaustedError) Error() string {
	msg := fmt.Sprintf("staging row %d still invalid after %d retries", e.RowID, e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *RetryExhaustedError) Unwrap() error { return ErrRetriesExhausted }

// MergeError wraps a failed fact table merge.
type MergeError struct {
	Err error
}

func (e *MergeError) Error() string { return fmt.Sprintf("merge aborted: %v", e.Err) }

func (e *MergeError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrStagingRowNotFound) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrLineNotFound)
}

// IsConflict returns true if the error is a state conflict the caller caused.
func IsConflict(err error) bool {
	return errors.Is(err, ErrRunSealed) ||
		errors.Is(err, ErrStagingRowProcessed) ||
		errors.Is(err, ErrRetriesExhausted) ||
		errors.Is(err, ErrNotQuarantined) ||
		errors.Is(err, ErrDuplicateOrder) ||
		errors.Is(err, ErrDuplicateLine)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrUnknownReference)
}
