/*
runs.go - Run lifecycle tracking and error log

STATE MACHINE (per invocation):
  Started → Success
          → Failed

  Strictly one-directional. Start is persisted before any work begins, so
  a crashed run stays discoverable as Started with no end time. Seal is a
  guarded store update that only matches Started rows; a second seal gets
  ErrRunSealed.

  Seals and error records are written even when the caller's context is
  cancelled mid-run, so a shutdown or a dropped HTTP client still leaves a
  terminal record. Only a crash leaves a run Started.
*/
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunTracker records the lifecycle of pipeline invocations.
type RunTracker struct {
	Store  RunStore
	Clock  Clock
	Logger *zap.Logger

	// NewID generates run ids. Defaults to UUIDv7.
	NewID func() RunID
}

// NewRunTracker creates a tracker over store.
func NewRunTracker(store RunStore) *RunTracker {
	return &RunTracker{Store: store, Clock: SystemClock{}, Logger: zap.NewNop(), NewID: NewRunID}
}

// NewRunID returns a time-ordered UUIDv7 run id.
func NewRunID() RunID {
	return RunID(uuid.Must(uuid.NewV7()).String())
}

// Start persists a Started record for processName.
func (t *RunTracker) Start(ctx context.Context, processName string) (RunRecord, error) {
	newID := t.NewID
	if newID == nil {
		newID = NewRunID
	}
	run := RunRecord{
		ID:          newID(),
		ProcessName: processName,
		StartTime:   t.Clock.Now(),
		Status:      RunStarted,
	}
	if err := t.Store.CreateRun(ctx, run); err != nil {
		return RunRecord{}, fmt.Errorf("start run %s: %w", processName, err)
	}
	t.Logger.Info("run started", zap.String("run_id", string(run.ID)), zap.String("process", processName))
	return run, nil
}

// Succeed seals run as Success.
func (t *RunTracker) Succeed(ctx context.Context, run *RunRecord) error {
	return t.seal(ctx, run, RunSuccess, "")
}

// Fail seals run as Failed with cause's text.
func (t *RunTracker) Fail(ctx context.Context, run *RunRecord, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.seal(ctx, run, RunFailed, msg)
}

func (t *RunTracker) seal(ctx context.Context, run *RunRecord, status RunStatus, msg string) error {
	if run.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunSealed, run.ID, run.Status)
	}
	end := t.Clock.Now()
	if err := t.Store.SealRun(context.WithoutCancel(ctx), run.ID, status, end, msg); err != nil {
		return fmt.Errorf("seal run %s: %w", run.ID, err)
	}
	run.Status = status
	run.EndTime = &end
	run.ErrorMessage = msg

	fields := []zap.Field{
		zap.String("run_id", string(run.ID)),
		zap.String("process", run.ProcessName),
		zap.String("status", string(status)),
		zap.Duration("elapsed", end.Sub(run.StartTime)),
	}
	if status == RunFailed {
		t.Logger.Error("run failed", append(fields, zap.String("error", msg))...)
	} else {
		t.Logger.Info("run finished", fields...)
	}
	return nil
}

// RecordError appends an error log entry for run.
func (t *RunTracker) RecordError(ctx context.Context, run RunRecord, table string, rowID *int64, kind ErrorKind, cause error) error {
	_, err := t.Store.AppendError(context.WithoutCancel(ctx), newErrorRecord(run.ID, table, rowID, kind, cause, t.Clock))
	if err != nil {
		return fmt.Errorf("record %s error for run %s: %w", kind, run.ID, err)
	}
	return nil
}

func newErrorRecord(runID RunID, table string, rowID *int64, kind ErrorKind, cause error, clock Clock) ErrorRecord {
	return ErrorRecord{
		RunID:       runID,
		SourceTable: table,
		SourceRowID: rowID,
		Kind:        kind,
		Message:     cause.Error(),
		LoggedAt:    clock.Now(),
	}
}

func rowIDPtr(id StagingID) *int64 {
	v := int64(id)
	return &v
}
