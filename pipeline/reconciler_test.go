package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/order-reconciler/pipeline"
)

// =============================================================================
// LOAD TESTS
// =============================================================================

func TestRun_SharedOrderKey_OneOrderTwoLines(t *testing.T) {
	// GIVEN: Two staging rows for customer 3 on 2023-03-01 with different products
	// WHEN: A run executes
	// THEN: Exactly one order with two lines is created and its total is the line sum

	f := newFixture(t)
	ctx := context.Background()
	a := f.stage(t, 3, 5, 2, "10", march1)
	b := f.stage(t, 3, 6, 1, "4.50", march1)

	report, err := f.rec.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, pipeline.RunSuccess, report.Run.Status)
	assert.Equal(t, 2, report.Load.RowsProcessed)
	require.Len(t, report.Load.OrdersCreated, 1)
	assert.Equal(t, 2, report.Load.LinesCreated)

	order, err := f.store.FindOrder(ctx, pipeline.OrderKey{CustomerID: 3, OrderDate: "2023-03-01"})
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, report.Load.OrdersCreated[0], order.ID)
	assert.True(t, decimal.RequireFromString("24.50").Equal(order.Total), "got %s", order.Total)

	lines, err := f.store.ListLines(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	assert.True(t, f.staging(t, a).Processed)
	assert.True(t, f.staging(t, b).Processed)
}

func TestRun_ReusesExistingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stage(t, 1, 5, 1, "10", march1)
	first, err := f.rec.Run(ctx)
	require.NoError(t, err)
	require.Len(t, first.Load.OrdersCreated, 1)

	f.stage(t, 1, 6, 1, "5", march1)
	second, err := f.rec.Run(ctx)
	require.NoError(t, err)

	assert.Empty(t, second.Load.OrdersCreated)
	order, err := f.store.GetOrder(ctx, first.Load.OrdersCreated[0])
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(15).Equal(order.Total))
}

func TestRun_Idempotent(t *testing.T) {
	// GIVEN: A run that already loaded every valid row
	// WHEN: Running again with no new staging rows
	// THEN: Nothing is loaded and the run still succeeds

	f := newFixture(t)
	ctx := context.Background()
	f.stage(t, 1, 5, 2, "10", march1)

	_, err := f.rec.Run(ctx)
	require.NoError(t, err)

	report, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunSuccess, report.Run.Status)
	assert.Zero(t, report.Load.RowsProcessed)
	assert.Zero(t, report.Validation.Checked)

	order, err := f.store.FindOrder(ctx, pipeline.OrderKey{CustomerID: 1, OrderDate: "2023-03-01"})
	require.NoError(t, err)
	lines, err := f.store.ListLines(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestRun_LoadFailure_RollsBackEverything(t *testing.T) {
	// GIVEN: Two valid rows on the same (order, product) line with different prices
	// WHEN: A run executes
	// THEN: The load rolls back, no order exists, rows stay unprocessed,
	//       the run is Failed with one load error record per conflicting row

	f := newFixture(t)
	ctx := context.Background()
	a := f.stage(t, 2, 5, 1, "10", march1)
	b := f.stage(t, 2, 5, 3, "9", march1)

	report, err := f.rec.Run(ctx)
	require.Error(t, err)

	var loadErr *pipeline.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "lines", loadErr.Stage)
	assert.ErrorIs(t, err, pipeline.ErrDuplicateLine)

	var conflict *pipeline.LineConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []pipeline.StagingID{a, b}, conflict.Rows)

	assert.Equal(t, pipeline.RunFailed, report.Run.Status)
	run, err := f.store.GetRun(ctx, report.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunFailed, run.Status)
	assert.NotNil(t, run.EndTime)
	assert.NotEmpty(t, run.ErrorMessage)

	order, err := f.store.FindOrder(ctx, pipeline.OrderKey{CustomerID: 2, OrderDate: "2023-03-01"})
	require.NoError(t, err)
	assert.Nil(t, order, "no orphan order after rollback")

	assert.False(t, f.staging(t, a).Processed)
	assert.False(t, f.staging(t, b).Processed)

	records, err := f.store.ListErrors(ctx, report.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.ErrorKind{pipeline.KindLoad, pipeline.KindLoad}, errorKinds(records))
	require.NotNil(t, records[0].SourceRowID)
	require.NotNil(t, records[1].SourceRowID)
	assert.Equal(t, int64(a), *records[0].SourceRowID)
	assert.Equal(t, int64(b), *records[1].SourceRowID)
}

func TestRun_SameLineKeyRowsCollapse(t *testing.T) {
	// GIVEN: Two valid rows on the same (order, product) line at the same price
	// WHEN: A run executes
	// THEN: They load as one line carrying the summed quantity

	f := newFixture(t)
	ctx := context.Background()
	a := f.stage(t, 2, 5, 1, "10", march1)
	b := f.stage(t, 2, 5, 3, "10.00", march1)

	report, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Load.RowsProcessed)
	assert.Equal(t, 1, report.Load.LinesCreated)
	require.Len(t, report.Load.OrdersCreated, 1)

	orderID := report.Load.OrdersCreated[0]
	line, err := f.store.GetLine(ctx, orderID, 5)
	require.NoError(t, err)
	require.NotNil(t, line)
	assert.Equal(t, int64(4), line.Quantity)
	assert.True(t, decimal.NewFromInt(40).Equal(line.LineTotal), "got %s", line.LineTotal)

	order, err := f.store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(40).Equal(order.Total), "got %s", order.Total)
	assert.True(t, f.staging(t, a).Processed)
	assert.True(t, f.staging(t, b).Processed)
}

func TestRun_LineConflict_CorrectionUnblocksLoad(t *testing.T) {
	// GIVEN: A loaded line, then a later row repeating it next to an unrelated good row
	// WHEN: Runs fail on the conflict and the repeated row is corrected
	// THEN: The next run loads both rows

	f := newFixture(t)
	ctx := context.Background()
	f.stage(t, 1, 5, 1, "10", march1)
	_, err := f.rec.Run(ctx)
	require.NoError(t, err)

	dup := f.stage(t, 1, 5, 1, "10", march1)
	good := f.stage(t, 2, 6, 1, "4", march1)

	for i := 0; i < 2; i++ {
		f.clock.Advance(time.Minute)
		report, err := f.rec.Run(ctx)
		require.Error(t, err)
		assert.Equal(t, pipeline.RunFailed, report.Run.Status)

		var conflict *pipeline.LineConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, []pipeline.StagingID{dup}, conflict.Rows)
		assert.False(t, f.staging(t, good).Processed)
	}

	// only rows named by the failed load are correctable
	qty := int64(2)
	_, err = f.rec.Retry().Correct(ctx, good, pipeline.Correction{Quantity: &qty})
	assert.ErrorIs(t, err, pipeline.ErrNotQuarantined)

	march2 := march1.AddDate(0, 0, 1)
	corrected, err := f.rec.Retry().Correct(ctx, dup, pipeline.Correction{OrderDate: &march2})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusPending, corrected.Status)

	f.clock.Advance(time.Minute)
	report, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunSuccess, report.Run.Status)
	assert.Equal(t, 2, report.Load.RowsProcessed)
	assert.Len(t, report.Load.OrdersCreated, 2)
	assert.True(t, f.staging(t, dup).Processed)
	assert.True(t, f.staging(t, good).Processed)

	// the run succeeded, so the row named earlier is no longer correctable
	_, err = f.rec.Retry().Correct(ctx, good, pipeline.Correction{Quantity: &qty})
	assert.ErrorIs(t, err, pipeline.ErrStagingRowProcessed)
}

func TestRun_ValidationFailures_DoNotFailRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	good := f.stage(t, 1, 5, 1, "10", march1)
	bad := f.stage(t, 1, 5, 0, "10", march1.AddDate(0, 0, 1))

	report, err := f.rec.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, pipeline.RunSuccess, report.Run.Status)
	assert.Equal(t, 1, report.Validation.Valid)
	assert.Equal(t, 1, report.Validation.Invalid)
	assert.True(t, f.staging(t, good).Processed)

	quarantined := f.staging(t, bad)
	assert.Equal(t, pipeline.StatusInvalid, quarantined.Status)
	assert.False(t, quarantined.Processed)

	records, err := f.store.ListErrors(ctx, report.Run.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, pipeline.KindValidation, records[0].Kind)
	assert.Equal(t, pipeline.TableStaging, records[0].SourceTable)
	require.NotNil(t, records[0].SourceRowID)
	assert.Equal(t, int64(bad), *records[0].SourceRowID)
}

// =============================================================================
// RETRY TESTS
// =============================================================================

func TestRun_CorrectedRow_LoadsAndMerges(t *testing.T) {
	// GIVEN: A row for product 99, which does not exist
	// WHEN: The row is quarantined, corrected to product 5 and re-run
	// THEN: retry_count is 1, one order/line pair is created, and the merge
	//       inserts exactly one fact with line_total 20

	f := newFixture(t)
	ctx := context.Background()
	id := f.stage(t, 1, 99, 2, "10", march1)

	first, err := f.rec.Run(ctx)
	require.NoError(t, err)
	row := f.staging(t, id)
	assert.Equal(t, pipeline.StatusInvalid, row.Status)

	records, err := f.store.ListErrors(ctx, first.Run.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Message, "unknown product 99")

	product := pipeline.ProductID(5)
	_, err = f.rec.Retry().Correct(ctx, id, pipeline.Correction{ProductRef: &product})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusInvalid, f.staging(t, id).Status, "correction does not bypass validation")

	f.clock.Advance(time.Hour)
	second, err := f.rec.Run(ctx)
	require.NoError(t, err)

	row = f.staging(t, id)
	assert.Equal(t, 1, row.RetryCount)
	assert.Equal(t, pipeline.StatusValid, row.Status)
	assert.True(t, row.Processed)
	require.Len(t, second.Load.OrdersCreated, 1)
	assert.Equal(t, 1, second.Load.LinesCreated)

	f.pay(t, second.Load.OrdersCreated[0], "card", "settled", testStart)
	merge, err := f.rec.Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, merge.Result.Inserted)

	facts, err := f.store.ListFacts(ctx)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.True(t, decimal.NewFromInt(20).Equal(facts[0].LineTotal))
	assert.Equal(t, pipeline.ProductID(5), facts[0].ProductID)
}

func TestRun_RetryBound_ExhaustedReportedOnce(t *testing.T) {
	// GIVEN: A row that never becomes valid and MaxRetries = 2
	// WHEN: Running five times
	// THEN: The row is retried twice, reported exhausted once, then ignored

	f := newFixture(t, pipeline.WithMaxRetries(2))
	ctx := context.Background()
	id := f.stage(t, 1, 99, 1, "10", march1)

	var kinds []pipeline.ErrorKind
	for i := 0; i < 5; i++ {
		report, err := f.rec.Run(ctx)
		require.NoError(t, err)
		records, err := f.store.ListErrors(ctx, report.Run.ID)
		require.NoError(t, err)
		kinds = append(kinds, errorKinds(records)...)
	}

	assert.Equal(t, []pipeline.ErrorKind{
		pipeline.KindValidation,
		pipeline.KindValidation,
		pipeline.KindRetryExhausted,
	}, kinds)

	row := f.staging(t, id)
	assert.Equal(t, 2, row.RetryCount)
	assert.False(t, row.Processed)

	exhausted, err := f.rec.Retry().Exhausted(ctx)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, id, exhausted[0].ID)

	quarantined, err := f.rec.Retry().Quarantined(ctx)
	require.NoError(t, err)
	assert.Empty(t, quarantined)
}

func TestCorrect_Rejections(t *testing.T) {
	f := newFixture(t, pipeline.WithMaxRetries(1))
	ctx := context.Background()
	qty := int64(3)

	pending := f.stage(t, 1, 5, 1, "10", march1)
	_, err := f.rec.Retry().Correct(ctx, pending, pipeline.Correction{Quantity: &qty})
	assert.ErrorIs(t, err, pipeline.ErrNotQuarantined)

	_, err = f.rec.Retry().Correct(ctx, 404, pipeline.Correction{Quantity: &qty})
	assert.ErrorIs(t, err, pipeline.ErrStagingRowNotFound)

	_, err = f.rec.Retry().Correct(ctx, pending, pipeline.Correction{})
	assert.ErrorIs(t, err, pipeline.ErrInvalidInput)

	bad := f.stage(t, 1, 99, 1, "10", march1.AddDate(0, 0, 1))
	_, err = f.rec.Run(ctx)
	require.NoError(t, err)
	assert.True(t, f.staging(t, pending).Processed)

	_, err = f.rec.Retry().Correct(ctx, pending, pipeline.Correction{Quantity: &qty})
	assert.ErrorIs(t, err, pipeline.ErrStagingRowProcessed)

	_, err = f.rec.Run(ctx) // retry 1 of 1, still invalid
	require.NoError(t, err)
	_, err = f.rec.Retry().Correct(ctx, bad, pipeline.Correction{Quantity: &qty})
	assert.ErrorIs(t, err, pipeline.ErrRetriesExhausted)
}

// =============================================================================
// RUN TRACKING TESTS
// =============================================================================

func TestRun_SealedWithInjectedIDs(t *testing.T) {
	f := newFixture(t, pipeline.WithRunIDs(func() pipeline.RunID { return "run-1" }))
	ctx := context.Background()

	report, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunID("run-1"), report.Run.ID)

	runs, err := f.store.ListRuns(ctx, pipeline.RunFilter{ProcessName: pipeline.DefaultProcessName})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, pipeline.RunSuccess, runs[0].Status)
	assert.Equal(t, testStart, runs[0].StartTime)
	require.NotNil(t, runs[0].EndTime)
}

func TestRunAndMerge_SeparateRunRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stage(t, 1, 5, 1, "10", march1)

	report, merge, err := f.rec.RunAndMerge(ctx)
	require.NoError(t, err)
	require.NotNil(t, merge)
	assert.NotEqual(t, report.Run.ID, merge.Run.ID)
	assert.Equal(t, pipeline.DefaultMergeProcessName, merge.Run.ProcessName)
	assert.Equal(t, pipeline.RunSuccess, merge.Run.Status)

	// no payment yet, so the inner join yields nothing
	assert.Zero(t, merge.Result.Inserted)
}

// =============================================================================
// LINE MAINTENANCE TESTS
// =============================================================================

func TestUpdateAndDeleteLine_RecomputeTotal(t *testing.T) {
	// GIVEN: An order with two lines (2×10 + 1×5)
	// WHEN: One line is updated, then both are deleted
	// THEN: The order total tracks the line sum down to zero

	f := newFixture(t)
	ctx := context.Background()
	f.stage(t, 1, 5, 2, "10", march1)
	f.stage(t, 1, 6, 1, "5", march1)
	report, err := f.rec.Run(ctx)
	require.NoError(t, err)
	orderID := report.Load.OrdersCreated[0]

	order, err := f.rec.UpdateLine(ctx, orderID, 5, 3, decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(35).Equal(order.Total), "got %s", order.Total)

	order, err = f.rec.DeleteLine(ctx, orderID, 6)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(30).Equal(order.Total))

	order, err = f.rec.DeleteLine(ctx, orderID, 5)
	require.NoError(t, err)
	assert.True(t, order.Total.IsZero())

	_, err = f.rec.DeleteLine(ctx, orderID, 5)
	assert.ErrorIs(t, err, pipeline.ErrLineNotFound)

	_, err = f.rec.DeleteLine(ctx, 999, 5)
	assert.ErrorIs(t, err, pipeline.ErrOrderNotFound)

	_, err = f.rec.UpdateLine(ctx, orderID, 5, 0, decimal.NewFromInt(10))
	assert.ErrorIs(t, err, pipeline.ErrInvalidInput)
}
