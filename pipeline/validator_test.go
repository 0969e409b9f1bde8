package pipeline_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/order-reconciler/pipeline"
)

func testRefs() pipeline.ReferenceData {
	return pipeline.NewReferenceData([]pipeline.CustomerID{1, 2}, []pipeline.ProductID{5})
}

func TestValidate_ValidRow(t *testing.T) {
	row := pipeline.StagingRow{ID: 1, CustomerRef: 1, ProductRef: 5, Quantity: 2, UnitPrice: decimal.NewFromInt(10)}

	v := pipeline.Validate(row, testRefs())

	assert.True(t, v.Valid())
	assert.Equal(t, pipeline.StatusValid, v.Status())
	assert.NoError(t, v.Err())
}

func TestValidate_ReportsEveryFailureInOrder(t *testing.T) {
	// GIVEN: A row that breaks all four predicates
	// WHEN: Validated
	// THEN: All four reasons are reported in evaluation order

	row := pipeline.StagingRow{ID: 7, CustomerRef: 99, ProductRef: 99, Quantity: 0, UnitPrice: decimal.NewFromInt(-1)}

	v := pipeline.Validate(row, testRefs())

	require.False(t, v.Valid())
	assert.Equal(t, pipeline.StatusInvalid, v.Status())

	var verr *pipeline.ValidationError
	require.ErrorAs(t, v.Err(), &verr)
	assert.Equal(t, pipeline.StagingID(7), verr.RowID)
	assert.Equal(t, []pipeline.Reason{
		pipeline.ReasonUnknownCustomer,
		pipeline.ReasonUnknownProduct,
		pipeline.ReasonNonPositiveQuantity,
		pipeline.ReasonNonPositivePrice,
	}, verr.Reasons())
}

func TestValidate_SinglePredicates(t *testing.T) {
	tests := []struct {
		name   string
		row    pipeline.StagingRow
		reason pipeline.Reason
	}{
		{"unknown customer", pipeline.StagingRow{CustomerRef: 3, ProductRef: 5, Quantity: 1, UnitPrice: decimal.NewFromInt(1)}, pipeline.ReasonUnknownCustomer},
		{"unknown product", pipeline.StagingRow{CustomerRef: 1, ProductRef: 99, Quantity: 1, UnitPrice: decimal.NewFromInt(1)}, pipeline.ReasonUnknownProduct},
		{"negative quantity", pipeline.StagingRow{CustomerRef: 1, ProductRef: 5, Quantity: -3, UnitPrice: decimal.NewFromInt(1)}, pipeline.ReasonNonPositiveQuantity},
		{"zero price", pipeline.StagingRow{CustomerRef: 1, ProductRef: 5, Quantity: 1, UnitPrice: decimal.Zero}, pipeline.ReasonNonPositivePrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := pipeline.Validate(tt.row, testRefs())
			require.Len(t, v.Failures, 1)
			assert.True(t, v.Has(tt.reason))
		})
	}
}

func TestValidate_Deterministic(t *testing.T) {
	row := pipeline.StagingRow{ID: 3, CustomerRef: 2, ProductRef: 99, Quantity: 1, UnitPrice: decimal.NewFromInt(1)}
	refs := testRefs()

	assert.Equal(t, pipeline.Validate(row, refs), pipeline.Validate(row, refs))
}
