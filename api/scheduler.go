/*
scheduler.go - Periodic reconciliation scheduler

PURPOSE:
  Invokes the pipeline on a fixed interval so staging rows are loaded and
  facts merged without an operator in the loop.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Goes through the shared Runner, so a tick that lands while a manual
    run is still working is skipped, not queued
  - Failed runs are already sealed and logged by the pipeline; the
    scheduler only reports and carries on

CONFIGURATION:
  - Interval: How often to run (default: 1 hour)
  - Enabled:  Whether the scheduler is active

USAGE:
  scheduler := NewReconciliationScheduler(runner, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - runner.go: In-process run serialization
  - handlers.go: TriggerRun endpoint (manual reconciliation)
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReconciliationScheduler runs the pipeline periodically.
type ReconciliationScheduler struct {
	Runner   *Runner
	Interval time.Duration
	Enabled  bool
	Logger   *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastRun time.Time
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(runner *Runner, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Runner:   runner,
		Interval: time.Hour,
		Enabled:  true,
		Logger:   logger.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.Interval)
	rs.wg.Add(1)

	go rs.run(ctx, rs.ticker, rs.stop)

	rs.Logger.Info("scheduler started", zap.Duration("interval", rs.Interval))
}

// Stop stops the scheduler and waits for an in-flight tick to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	ticker, stop, cancel := rs.ticker, rs.stop, rs.cancel
	rs.ticker, rs.stop, rs.cancel = nil, nil, nil
	rs.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	cancel()
	rs.wg.Wait()
	rs.Logger.Info("scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.tick(ctx)

	for {
		select {
		case <-ticker.C:
			rs.tick(ctx)
		case <-stop:
			return
		}
	}
}

func (rs *ReconciliationScheduler) tick(ctx context.Context) {
	out, err := rs.Runner.Run(ctx)
	if errors.Is(err, ErrRunInProgress) {
		rs.Logger.Info("previous run still in progress, skipping tick")
		return
	}

	rs.mu.Lock()
	rs.lastRun = time.Now()
	rs.mu.Unlock()

	if err != nil {
		rs.Logger.Error("scheduled run failed", zap.String("run_id", string(out.Report.Run.ID)), zap.Error(err))
		return
	}
	fields := []zap.Field{
		zap.String("run_id", string(out.Report.Run.ID)),
		zap.Int("checked", out.Report.Validation.Checked),
		zap.Int("loaded", out.Report.Load.RowsProcessed),
	}
	if out.Merge != nil {
		fields = append(fields,
			zap.Int("facts_inserted", out.Merge.Result.Inserted),
			zap.Int("facts_updated", out.Merge.Result.Updated),
		)
	}
	rs.Logger.Info("scheduled run completed", fields...)
}

// RunNow triggers an immediate tick (for testing/admin).
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) {
	rs.tick(ctx)
}

// LastRun returns when a tick last executed, zero if never.
func (rs *ReconciliationScheduler) LastRun() time.Time {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.lastRun
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *ReconciliationScheduler) GetNextRunTime() time.Time {
	last := rs.LastRun()
	if last.IsZero() {
		return time.Now().Add(rs.Interval)
	}
	return last.Add(rs.Interval)
}
