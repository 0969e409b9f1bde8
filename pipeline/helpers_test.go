package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/order-reconciler/pipeline"
	"github.com/warp/order-reconciler/pipeline/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testStart = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.Memory
	clock *pipeline.FixedClock
	rec   *pipeline.Reconciler
}

func newFixture(t *testing.T, opts ...pipeline.Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := pipeline.NewFixedClock(testStart)
	opts = append([]pipeline.Option{pipeline.WithClock(clock)}, opts...)

	for _, id := range []pipeline.CustomerID{1, 2, 3} {
		mem.AddCustomer(pipeline.Customer{ID: id, Name: "customer", CreatedAt: testStart})
	}
	for _, id := range []pipeline.ProductID{5, 6, 7} {
		mem.AddProduct(pipeline.Product{ID: id, Name: "product", ListPrice: decimal.NewFromInt(10), CreatedAt: testStart})
	}

	return &fixture{store: mem, clock: clock, rec: pipeline.New(mem, opts...)}
}

func (f *fixture) stage(t *testing.T, customer pipeline.CustomerID, product pipeline.ProductID, qty int64, price string, date time.Time) pipeline.StagingID {
	t.Helper()
	id, err := f.store.InsertStaging(context.Background(), pipeline.StagingRow{
		CustomerRef: customer,
		ProductRef:  product,
		Quantity:    qty,
		UnitPrice:   decimal.RequireFromString(price),
		OrderDate:   date,
		SourceFile:  "test.yaml",
		CreatedAt:   f.clock.Now(),
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) staging(t *testing.T, id pipeline.StagingID) pipeline.StagingRow {
	t.Helper()
	row, err := f.store.GetStaging(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, row)
	return *row
}

func (f *fixture) pay(t *testing.T, order pipeline.OrderID, method, status string, at time.Time) pipeline.PaymentID {
	t.Helper()
	id, err := f.store.AddPayment(pipeline.Payment{
		OrderID: order,
		Method:  method,
		Status:  status,
		Amount:  decimal.NewFromInt(1),
		PaidAt:  at,
	})
	require.NoError(t, err)
	return id
}

func errorKinds(records []pipeline.ErrorRecord) []pipeline.ErrorKind {
	out := make([]pipeline.ErrorKind, len(records))
	for i, r := range records {
		out[i] = r.Kind
	}
	return out
}

var march1 = pipeline.NewDate(2023, time.March, 1)
