package pipeline_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/order-reconciler/pipeline"
)

// totalCounter counts order-total writes per order.
type totalCounter struct {
	pipeline.Tx
	calls map[pipeline.OrderID]int
}

func (c *totalCounter) SetOrderTotal(ctx context.Context, id pipeline.OrderID, total decimal.Decimal) error {
	c.calls[id]++
	return c.Tx.SetOrderTotal(ctx, id, total)
}

func TestLineWriter_RecomputesOncePerOrder(t *testing.T) {
	// GIVEN: Two orders
	// WHEN: One change-set inserts two lines of the first and one of the second,
	//       then another updates and deletes lines of the first
	// THEN: Each affected order's total is written exactly once per change-set

	f := newFixture(t)
	ctx := context.Background()
	price := decimal.RequireFromString

	err := f.store.WithTx(ctx, func(tx pipeline.Tx) error {
		o1, err := tx.InsertOrder(ctx, pipeline.Order{CustomerID: 1, OrderDate: march1, CreatedAt: testStart})
		require.NoError(t, err)
		o2, err := tx.InsertOrder(ctx, pipeline.Order{CustomerID: 2, OrderDate: march1, CreatedAt: testStart})
		require.NoError(t, err)

		counter := &totalCounter{Tx: tx, calls: make(map[pipeline.OrderID]int)}
		res, err := pipeline.LineWriter{}.Apply(ctx, counter, pipeline.LineChangeSet{
			Inserts: []pipeline.Line{
				{OrderID: o1, ProductID: 5, Quantity: 2, UnitPrice: price("10")},
				{OrderID: o1, ProductID: 6, Quantity: 1, UnitPrice: price("4.50")},
				{OrderID: o2, ProductID: 7, Quantity: 1, UnitPrice: price("25")},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, map[pipeline.OrderID]int{o1: 1, o2: 1}, counter.calls)
		assert.Len(t, res.Inserted, 3)
		assert.True(t, price("24.50").Equal(res.Totals[o1]), "got %s", res.Totals[o1])
		assert.True(t, price("25").Equal(res.Totals[o2]), "got %s", res.Totals[o2])

		counter = &totalCounter{Tx: tx, calls: make(map[pipeline.OrderID]int)}
		res, err = pipeline.LineWriter{}.Apply(ctx, counter, pipeline.LineChangeSet{
			Updates: []pipeline.Line{{OrderID: o1, ProductID: 5, Quantity: 3, UnitPrice: price("10")}},
			Deletes: []pipeline.LineRef{{OrderID: o1, ProductID: 6}},
		})
		require.NoError(t, err)
		assert.Equal(t, map[pipeline.OrderID]int{o1: 1}, counter.calls)
		assert.True(t, price("30").Equal(res.Totals[o1]), "got %s", res.Totals[o1])
		return nil
	})
	require.NoError(t, err)
}
