package api

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/warp/order-reconciler/pipeline"
)

// ErrRunInProgress is returned when another invocation holds the runner.
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

// Runner serializes pipeline invocations made by this process (HTTP
// triggers and the scheduler). Other processes sharing the database are
// not coordinated.
type Runner struct {
	Reconciler     *pipeline.Reconciler
	MergeAfterLoad bool
	Logger         *zap.Logger

	mu sync.Mutex
}

// RunOutcome is what one invocation produced.
type RunOutcome struct {
	Report pipeline.RunReport
	Merge  *pipeline.MergeReport
}

// NewRunner creates a runner.
func NewRunner(rec *pipeline.Reconciler, mergeAfterLoad bool, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{Reconciler: rec, MergeAfterLoad: mergeAfterLoad, Logger: logger}
}

// Run executes one reconciliation, followed by a merge when configured.
// A failed run is reported through both the outcome and the error.
func (r *Runner) Run(ctx context.Context) (RunOutcome, error) {
	if !r.mu.TryLock() {
		return RunOutcome{}, ErrRunInProgress
	}
	defer r.mu.Unlock()

	if r.MergeAfterLoad {
		report, merge, err := r.Reconciler.RunAndMerge(ctx)
		return RunOutcome{Report: report, Merge: merge}, err
	}
	report, err := r.Reconciler.Run(ctx)
	return RunOutcome{Report: report}, err
}

// Merge executes one fact merge.
func (r *Runner) Merge(ctx context.Context) (pipeline.MergeReport, error) {
	if !r.mu.TryLock() {
		return pipeline.MergeReport{}, ErrRunInProgress
	}
	defer r.mu.Unlock()
	return r.Reconciler.Merge(ctx)
}
