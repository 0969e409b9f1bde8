package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/order-reconciler/pipeline"
	"github.com/warp/order-reconciler/pipeline/store"
)

func newTracker() (*pipeline.RunTracker, *store.Memory, *pipeline.FixedClock) {
	mem := store.NewMemory()
	clock := pipeline.NewFixedClock(testStart)
	tr := pipeline.NewRunTracker(mem)
	tr.Clock = clock
	return tr, mem, clock
}

func TestRunTracker_StartPersistsBeforeWork(t *testing.T) {
	tr, mem, _ := newTracker()
	ctx := context.Background()

	run, err := tr.Start(ctx, "reconcile_staging")
	require.NoError(t, err)

	stored, err := mem.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, pipeline.RunStarted, stored.Status)
	assert.Nil(t, stored.EndTime)
}

func TestRunTracker_SealOnce(t *testing.T) {
	// GIVEN: A started run
	// WHEN: It is sealed Success and then sealed again
	// THEN: The second seal fails with ErrRunSealed, locally and in the store

	tr, mem, clock := newTracker()
	ctx := context.Background()

	run, err := tr.Start(ctx, "reconcile_staging")
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	require.NoError(t, tr.Succeed(ctx, &run))
	assert.Equal(t, pipeline.RunSuccess, run.Status)
	require.NotNil(t, run.EndTime)
	assert.Equal(t, 2*time.Second, run.EndTime.Sub(run.StartTime))

	err = tr.Fail(ctx, &run, errors.New("late"))
	assert.ErrorIs(t, err, pipeline.ErrRunSealed)

	stale := run
	stale.Status = pipeline.RunStarted
	err = tr.Fail(ctx, &stale, errors.New("late"))
	assert.ErrorIs(t, err, pipeline.ErrRunSealed)

	stored, err := mem.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunSuccess, stored.Status)
}

func TestRunTracker_RecordError(t *testing.T) {
	tr, mem, _ := newTracker()
	ctx := context.Background()
	run, err := tr.Start(ctx, "reconcile_staging")
	require.NoError(t, err)

	rowID := int64(4)
	require.NoError(t, tr.RecordError(ctx, run, pipeline.TableStaging, &rowID, pipeline.KindValidation, errors.New("bad row")))

	records, err := mem.ListErrors(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "bad row", records[0].Message)
	assert.Equal(t, testStart, records[0].LoggedAt)

	err = tr.RecordError(ctx, pipeline.RunRecord{ID: "missing"}, pipeline.TableStaging, nil, pipeline.KindLoad, errors.New("x"))
	assert.ErrorIs(t, err, pipeline.ErrUnknownReference)
}

func TestNewRunID_Unique(t *testing.T) {
	seen := make(map[pipeline.RunID]bool)
	for i := 0; i < 100; i++ {
		id := pipeline.NewRunID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
