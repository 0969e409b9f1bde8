/*
reconciler.go - The "run reconciliation" invocation

PURPOSE:
  Wires Validator, RetryCoordinator, Loader, MergeEngine and RunTracker into
  the two parameterless operations a scheduler calls:

    Run:   validation pass + atomic load, wrapped in one run record
    Merge: fact table reconciliation, wrapped in its own run record

RUN FLOW:
  1. Start run (persisted before any work)
  2. Snapshot reference data
  3. Validation pass over pending and quarantined rows, one transaction:
       verdicts written back, one error record per rejected row
       (kind retry_exhausted when the row has no retries left)
  4. Load (atomic); on failure: rollback, run Failed, one load error
     record (one per row when the load names conflicting rows)
  5. Seal run Success

  Validation failures never fail a run. Load failures always do.

CONCURRENCY:
  A run is sequential. At most one run may work a given staging set at a
  time; the process that schedules runs must guarantee it. The in-process
  scheduler (api/scheduler.go) never overlaps its own runs.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultProcessName      = "reconcile_staging"
	DefaultMergeProcessName = "merge_fact_sales"
)

// Observer receives pipeline measurements. metrics.Registry implements it.
type Observer interface {
	RunFinished(process string, status RunStatus, elapsed time.Duration)
	RowsValidated(valid, invalid, exhausted int)
	RowsLoaded(rows, orders, lines int, elapsed time.Duration)
	MergeApplied(res MergeResult)
}

type nopObserver struct{}

func (nopObserver) RunFinished(string, RunStatus, time.Duration) {}
func (nopObserver) RowsValidated(int, int, int)                  {}
func (nopObserver) RowsLoaded(int, int, int, time.Duration)      {}
func (nopObserver) MergeApplied(MergeResult)                     {}

// ValidationSummary counts the outcomes of one validation pass.
type ValidationSummary struct {
	Checked   int
	Valid     int
	Invalid   int
	Retried   int
	Exhausted []StagingID
}

// RunReport is the outcome of Run.
type RunReport struct {
	Run        RunRecord
	Validation ValidationSummary
	Load       LoadResult
}

// MergeReport is the outcome of Merge.
type MergeReport struct {
	Run    RunRecord
	Result MergeResult
}

// Reconciler runs the pipeline against a store.
type Reconciler struct {
	store    Store
	tracker  *RunTracker
	retry    *RetryCoordinator
	loader   *Loader
	merger   *MergeEngine
	lines    LineWriter
	clock    Clock
	logger   *zap.Logger
	observer Observer

	processName      string
	mergeProcessName string
	maxRetries       int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithClock(c Clock) Option             { return func(r *Reconciler) { r.clock = c } }
func WithLogger(l *zap.Logger) Option      { return func(r *Reconciler) { r.logger = l } }
func WithObserver(o Observer) Option       { return func(r *Reconciler) { r.observer = o } }
func WithMaxRetries(n int) Option          { return func(r *Reconciler) { r.maxRetries = n } }
func WithProcessName(name string) Option   { return func(r *Reconciler) { r.processName = name } }
func WithMergeProcessName(n string) Option { return func(r *Reconciler) { r.mergeProcessName = n } }

// WithRunIDs overrides run id generation.
func WithRunIDs(fn func() RunID) Option {
	return func(r *Reconciler) { r.tracker.NewID = fn }
}

// New creates a Reconciler over store.
func New(store Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:            store,
		tracker:          NewRunTracker(store),
		clock:            SystemClock{},
		logger:           zap.NewNop(),
		observer:         nopObserver{},
		processName:      DefaultProcessName,
		mergeProcessName: DefaultMergeProcessName,
		maxRetries:       DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.tracker.Clock = r.clock
	r.tracker.Logger = r.logger
	r.retry = NewRetryCoordinator(store, r.maxRetries)
	r.retry.ProcessName = r.processName
	r.loader = &Loader{Store: store, Lines: r.lines, Clock: r.clock, Logger: r.logger}
	r.merger = &MergeEngine{Store: store, Clock: r.clock, Logger: r.logger}
	return r
}

// Retry exposes the coordinator (quarantine, exhausted, corrections).
func (r *Reconciler) Retry() *RetryCoordinator { return r.retry }

// Tracker exposes the run tracker.
func (r *Reconciler) Tracker() *RunTracker { return r.tracker }

// Run executes one validation pass and load under a run record.
// The returned error is non-nil exactly when the run was sealed Failed.
func (r *Reconciler) Run(ctx context.Context) (RunReport, error) {
	run, err := r.tracker.Start(ctx, r.processName)
	if err != nil {
		return RunReport{}, err
	}
	report := RunReport{Run: run}

	summary, err := r.validate(ctx, run)
	report.Validation = summary
	if err != nil {
		return r.failRun(ctx, report, &LoadError{Stage: "validate", Err: err})
	}

	loadStart := time.Now()
	res, err := r.loader.Load(ctx)
	if err != nil {
		return r.failRun(ctx, report, err)
	}
	report.Load = res
	loadElapsed := time.Since(loadStart)
	r.observer.RowsLoaded(res.RowsProcessed, len(res.OrdersCreated), res.LinesCreated, loadElapsed)
	r.logger.Debug("load phase finished", zap.Duration("elapsed", loadElapsed))

	if err := r.tracker.Succeed(ctx, &report.Run); err != nil {
		return report, err
	}
	r.observer.RunFinished(run.ProcessName, RunSuccess, report.Run.EndTime.Sub(run.StartTime))
	return report, nil
}

func (r *Reconciler) failRun(ctx context.Context, report RunReport, cause error) (RunReport, error) {
	// one record per conflicting row, so each can be corrected by id
	var rowIDs []*int64
	var conflict *LineConflictError
	if errors.As(cause, &conflict) {
		for _, id := range conflict.Rows {
			rowIDs = append(rowIDs, rowIDPtr(id))
		}
	} else {
		rowIDs = []*int64{nil}
	}
	for _, rowID := range rowIDs {
		if err := r.tracker.RecordError(ctx, report.Run, TableStaging, rowID, KindLoad, cause); err != nil {
			r.logger.Error("error log write failed", zap.Error(err))
		}
	}
	if err := r.tracker.Fail(ctx, &report.Run, cause); err != nil {
		return report, errors.Join(cause, err)
	}
	elapsed := time.Duration(0)
	if report.Run.EndTime != nil {
		elapsed = report.Run.EndTime.Sub(report.Run.StartTime)
	}
	r.observer.RunFinished(report.Run.ProcessName, RunFailed, elapsed)
	return report, cause
}

// validate runs the validation pass in one transaction.
func (r *Reconciler) validate(ctx context.Context, run RunRecord) (ValidationSummary, error) {
	refs, err := LoadReferenceData(ctx, r.store)
	if err != nil {
		return ValidationSummary{}, err
	}

	var summary ValidationSummary
	err = r.store.WithTx(ctx, func(tx Tx) error {
		summary = ValidationSummary{}

		rows, err := r.retry.Candidates(ctx, tx)
		if err != nil {
			return err
		}

		for _, row := range rows {
			a := r.retry.Evaluate(row, refs)
			summary.Checked++
			if a.Retry {
				summary.Retried++
			}

			if err := tx.UpdateStaging(ctx, a.Row); err != nil {
				return fmt.Errorf("write verdict for staging row %d: %w", row.ID, err)
			}

			if a.Verdict.Valid() {
				summary.Valid++
				continue
			}

			summary.Invalid++
			if a.Exhausted {
				summary.Exhausted = append(summary.Exhausted, a.Row.ID)
			}
			rec := newErrorRecord(run.ID, TableStaging, rowIDPtr(a.Row.ID), a.Kind(), a.Err(), r.clock)
			if _, err := tx.AppendError(ctx, rec); err != nil {
				return fmt.Errorf("log rejection of staging row %d: %w", row.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return ValidationSummary{}, err
	}

	r.observer.RowsValidated(summary.Valid, summary.Invalid, len(summary.Exhausted))
	if summary.Checked > 0 {
		r.logger.Info("validation pass finished",
			zap.String("run_id", string(run.ID)),
			zap.Int("checked", summary.Checked),
			zap.Int("valid", summary.Valid),
			zap.Int("invalid", summary.Invalid),
			zap.Int("retried", summary.Retried),
			zap.Int("exhausted", len(summary.Exhausted)),
		)
	}
	for _, id := range summary.Exhausted {
		r.logger.Warn("staging row retries exhausted", zap.Int64("staging_id", int64(id)))
	}
	return summary, nil
}

// Merge reconciles the fact table under its own run record.
func (r *Reconciler) Merge(ctx context.Context) (MergeReport, error) {
	run, err := r.tracker.Start(ctx, r.mergeProcessName)
	if err != nil {
		return MergeReport{}, err
	}
	report := MergeReport{Run: run}

	res, err := r.merger.Merge(ctx)
	if err != nil {
		if recErr := r.tracker.RecordError(ctx, run, TableFacts, nil, KindMerge, err); recErr != nil {
			r.logger.Error("error log write failed", zap.Error(recErr))
		}
		if sealErr := r.tracker.Fail(ctx, &report.Run, err); sealErr != nil {
			return report, errors.Join(err, sealErr)
		}
		r.observer.RunFinished(run.ProcessName, RunFailed, report.Run.EndTime.Sub(run.StartTime))
		return report, err
	}
	report.Result = res
	r.observer.MergeApplied(res)

	if err := r.tracker.Succeed(ctx, &report.Run); err != nil {
		return report, err
	}
	r.observer.RunFinished(run.ProcessName, RunSuccess, report.Run.EndTime.Sub(run.StartTime))
	return report, nil
}

// RunAndMerge runs a reconciliation and, when it succeeds, a merge.
func (r *Reconciler) RunAndMerge(ctx context.Context) (RunReport, *MergeReport, error) {
	report, err := r.Run(ctx)
	if err != nil {
		return report, nil, err
	}
	merge, err := r.Merge(ctx)
	if err != nil {
		return report, &merge, err
	}
	return report, &merge, nil
}

// =============================================================================
// LINE MAINTENANCE
// =============================================================================

// UpdateLine rewrites quantity and unit price of one line and recomputes its order total.
func (r *Reconciler) UpdateLine(ctx context.Context, orderID OrderID, productID ProductID, quantity int64, unitPrice decimal.Decimal) (*Order, error) {
	if quantity <= 0 || !unitPrice.IsPositive() {
		return nil, fmt.Errorf("%w: quantity and unit price must be positive", ErrInvalidInput)
	}
	return r.mutateLines(ctx, orderID, LineChangeSet{
		Updates: []Line{NewLine(orderID, productID, quantity, unitPrice)},
	})
}

// DeleteLine removes one line and recomputes its order total.
func (r *Reconciler) DeleteLine(ctx context.Context, orderID OrderID, productID ProductID) (*Order, error) {
	return r.mutateLines(ctx, orderID, LineChangeSet{
		Deletes: []LineRef{{OrderID: orderID, ProductID: productID}},
	})
}

func (r *Reconciler) mutateLines(ctx context.Context, orderID OrderID, cs LineChangeSet) (*Order, error) {
	var out *Order
	err := r.store.WithTx(ctx, func(tx Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
		}
		if _, err := r.lines.Apply(ctx, tx, cs); err != nil {
			return err
		}
		out, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
