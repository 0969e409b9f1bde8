package factory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/order-reconciler/pipeline"
	"github.com/warp/order-reconciler/pipeline/store"
)

const mappingBatch = `
source: orders-2023-03-01.csv
rows:
  - customer: 3
    product: 5
    quantity: 2
    unit_price: "10.00"
    order_date: 2023-03-01
  - customer: 3
    product: 6
    quantity: 0
    unit_price: 4.5
    order_date: "2023-03-01"
`

func TestParseBatch_Mapping(t *testing.T) {
	clock := pipeline.NewFixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	f := NewStagingFactory().WithClock(clock)

	rows, err := f.ParseBatch([]byte(mappingBatch), "upload.yaml")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, pipeline.CustomerID(3), rows[0].CustomerRef)
	assert.Equal(t, pipeline.ProductID(5), rows[0].ProductRef)
	assert.True(t, decimal.NewFromInt(10).Equal(rows[0].UnitPrice))
	assert.Equal(t, pipeline.NewDate(2023, time.March, 1), rows[0].OrderDate)
	assert.Equal(t, "orders-2023-03-01.csv", rows[0].SourceFile)
	assert.Equal(t, pipeline.StatusPending, rows[0].Status)
	assert.Equal(t, clock.Now(), rows[0].CreatedAt)

	// business rules are the validator's job
	assert.Equal(t, int64(0), rows[1].Quantity)
	assert.True(t, decimal.RequireFromString("4.5").Equal(rows[1].UnitPrice))
}

func TestParseBatch_ListAndJSON(t *testing.T) {
	f := NewStagingFactory()

	rows, err := f.ParseBatch([]byte(`[{"customer": 1, "product": 5, "quantity": 1, "unit_price": "2.50", "order_date": "2024-02-29"}]`), "api")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "api", rows[0].SourceFile)
	assert.Equal(t, pipeline.NewDate(2024, time.February, 29), rows[0].OrderDate)
}

func TestParseBatch_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"scalar", "hello"},
		{"no rows", "source: x\nrows: []\n"},
		{"missing product", "- {customer: 1, quantity: 1, unit_price: 1, order_date: 2024-01-01}"},
		{"bad date", "- {customer: 1, product: 1, quantity: 1, unit_price: 1, order_date: 01/02/2024}"},
		{"bad price", "- {customer: 1, product: 1, quantity: 1, unit_price: abc, order_date: 2024-01-01}"},
	}

	f := NewStagingFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseBatch([]byte(tt.input), "x")
			assert.Error(t, err)
		})
	}
}

func TestIngest_AppendsPendingRows(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	f := NewStagingFactory()

	rows, err := f.ParseBatch([]byte(mappingBatch), "upload.yaml")
	require.NoError(t, err)

	ids, err := f.Ingest(ctx, mem, rows)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	processed := false
	pending, err := mem.ListStaging(ctx, pipeline.StagingFilter{Status: pipeline.StatusPending, Processed: &processed})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
