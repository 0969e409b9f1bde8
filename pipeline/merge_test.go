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

func source(order pipeline.OrderID, product pipeline.ProductID, qty int64, total int64, method string) pipeline.FactSource {
	return pipeline.FactSource{
		OrderID:       order,
		ProductID:     product,
		CustomerID:    1,
		OrderDate:     march1,
		Quantity:      qty,
		LineTotal:     decimal.NewFromInt(total),
		PaymentMethod: method,
		PaymentStatus: "settled",
	}
}

func TestPlanMerge_ClassifiesRows(t *testing.T) {
	// GIVEN: Facts for (1,5) unchanged, (1,6) with a new payment method, (9,9) gone
	// WHEN: Planning against sources (1,5), (1,6), (2,5)
	// THEN: One insert, one update, one unchanged and one stale key

	old := testStart
	now := testStart.Add(time.Hour)

	existing := []pipeline.DerivedFact{
		{OrderID: 1, ProductID: 5, Quantity: 2, LineTotal: decimal.NewFromInt(20), PaymentMethod: "card", PaymentStatus: "settled", LastUpdated: old},
		{OrderID: 1, ProductID: 6, Quantity: 1, LineTotal: decimal.NewFromInt(5), PaymentMethod: "card", PaymentStatus: "settled", LastUpdated: old},
		{OrderID: 9, ProductID: 9, Quantity: 1, LineTotal: decimal.NewFromInt(1), PaymentMethod: "cash", PaymentStatus: "settled", LastUpdated: old},
	}
	sources := []pipeline.FactSource{
		source(2, 5, 1, 10, "cash"),
		source(1, 6, 1, 5, "wire"),
		source(1, 5, 2, 20, "card"),
	}

	plan := pipeline.PlanMerge(sources, existing, now)

	require.Len(t, plan.Inserts, 1)
	assert.Equal(t, pipeline.FactKey{OrderID: 2, ProductID: 5}, plan.Inserts[0].Key())
	assert.Equal(t, now, plan.Inserts[0].LastUpdated)

	require.Len(t, plan.Updates, 1)
	assert.Equal(t, pipeline.FactKey{OrderID: 1, ProductID: 6}, plan.Updates[0].Key())
	assert.Equal(t, "wire", plan.Updates[0].PaymentMethod)
	assert.Equal(t, now, plan.Updates[0].LastUpdated)

	assert.Equal(t, 1, plan.Unchanged)
	assert.Equal(t, []pipeline.FactKey{{OrderID: 9, ProductID: 9}}, plan.Stale)
	assert.Equal(t, 2, plan.Changes())
}

func TestPlanMerge_DecimalScaleIsNotAChange(t *testing.T) {
	existing := []pipeline.DerivedFact{{OrderID: 1, ProductID: 5, Quantity: 2, LineTotal: decimal.RequireFromString("20.00"), PaymentMethod: "card", PaymentStatus: "settled"}}
	sources := []pipeline.FactSource{source(1, 5, 2, 20, "card")}

	plan := pipeline.PlanMerge(sources, existing, testStart)

	assert.Zero(t, plan.Changes())
	assert.Equal(t, 1, plan.Unchanged)
}

func TestMerge_OnlyChangedRowsAreWritten(t *testing.T) {
	// GIVEN: Two merged facts
	// WHEN: One order's latest payment changes and merge runs twice
	// THEN: Only that fact's LastUpdated moves; the second merge writes nothing

	f := newFixture(t)
	ctx := context.Background()
	f.stage(t, 1, 5, 2, "10", march1)
	f.stage(t, 2, 6, 1, "7", march1)
	report, err := f.rec.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Load.OrdersCreated, 2)
	first, second := report.Load.OrdersCreated[0], report.Load.OrdersCreated[1]

	f.pay(t, first, "card", "pending", testStart)
	f.pay(t, second, "cash", "settled", testStart)

	m1, err := f.rec.Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m1.Result.Inserted)

	f.clock.Advance(time.Hour)
	f.pay(t, first, "card", "settled", testStart.Add(time.Minute))

	m2, err := f.rec.Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, m2.Result.Inserted)
	assert.Equal(t, 1, m2.Result.Updated)
	assert.Equal(t, 1, m2.Result.Unchanged)

	facts, err := f.store.ListFacts(ctx)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	for _, fact := range facts {
		if fact.OrderID == first {
			assert.Equal(t, "settled", fact.PaymentStatus)
			assert.Equal(t, testStart.Add(time.Hour), fact.LastUpdated)
		} else {
			assert.Equal(t, testStart, fact.LastUpdated, "untouched fact keeps its timestamp")
		}
	}

	f.clock.Advance(time.Hour)
	m3, err := f.rec.Merge(ctx)
	require.NoError(t, err)
	assert.Zero(t, m3.Result.Inserted+m3.Result.Updated)
}

func TestMerge_StaleFactsAreKept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stage(t, 1, 5, 2, "10", march1)
	report, err := f.rec.Run(ctx)
	require.NoError(t, err)
	orderID := report.Load.OrdersCreated[0]
	f.pay(t, orderID, "card", "settled", testStart)

	_, err = f.rec.Merge(ctx)
	require.NoError(t, err)

	_, err = f.rec.DeleteLine(ctx, orderID, 5)
	require.NoError(t, err)

	m, err := f.rec.Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Result.Stale)

	facts, err := f.store.ListFacts(ctx)
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}
