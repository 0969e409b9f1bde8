/*
validator.go - Business predicates on staging rows

PURPOSE:
  Decides whether a staging row may be loaded. Validate is a pure function
  of the row and a read-only reference snapshot: same inputs, same verdict,
  no side effects.

PREDICATES (evaluated in this order, all are reported):
  1. unknown_customer       customer_ref not in the customer set
  2. unknown_product        product_ref not in the product set
  3. non_positive_quantity  quantity <= 0
  4. non_positive_price     unit_price <= 0
*/
package pipeline

import (
	"context"
	"fmt"
)

// Reason identifies which predicate failed.
type Reason string

const (
	ReasonUnknownCustomer     Reason = "unknown_customer"
	ReasonUnknownProduct      Reason = "unknown_product"
	ReasonNonPositiveQuantity Reason = "non_positive_quantity"
	ReasonNonPositivePrice    Reason = "non_positive_price"
)

// Failure is one failed predicate.
type Failure struct {
	Reason  Reason
	Message string
}

// Verdict is the Validator's output for one row.
type Verdict struct {
	RowID    StagingID
	Failures []Failure
}

func (v Verdict) Valid() bool { return len(v.Failures) == 0 }

// Status maps the verdict onto the staging validity flag.
func (v Verdict) Status() ValidationStatus {
	if v.Valid() {
		return StatusValid
	}
	return StatusInvalid
}

// Err returns nil for a valid verdict and a *ValidationError otherwise.
func (v Verdict) Err() error {
	if v.Valid() {
		return nil
	}
	return &ValidationError{RowID: v.RowID, Failures: v.Failures}
}

// Has reports whether the verdict contains the given failure reason.
func (v Verdict) Has(r Reason) bool {
	for _, f := range v.Failures {
		if f.Reason == r {
			return true
		}
	}
	return false
}

// ReferenceData is a read-only snapshot of the customer and product sets.
type ReferenceData struct {
	customers map[CustomerID]struct{}
	products  map[ProductID]struct{}
}

// NewReferenceData builds a snapshot from id lists.
func NewReferenceData(customers []CustomerID, products []ProductID) ReferenceData {
	rd := ReferenceData{
		customers: make(map[CustomerID]struct{}, len(customers)),
		products:  make(map[ProductID]struct{}, len(products)),
	}
	for _, id := range customers {
		rd.customers[id] = struct{}{}
	}
	for _, id := range products {
		rd.products[id] = struct{}{}
	}
	return rd
}

// LoadReferenceData snapshots the reference sets from a store.
func LoadReferenceData(ctx context.Context, r ReferenceReader) (ReferenceData, error) {
	customers, err := r.ListCustomerIDs(ctx)
	if err != nil {
		return ReferenceData{}, fmt.Errorf("load customers: %w", err)
	}
	products, err := r.ListProductIDs(ctx)
	if err != nil {
		return ReferenceData{}, fmt.Errorf("load products: %w", err)
	}
	return NewReferenceData(customers, products), nil
}

func (rd ReferenceData) HasCustomer(id CustomerID) bool {
	_, ok := rd.customers[id]
	return ok
}

func (rd ReferenceData) HasProduct(id ProductID) bool {
	_, ok := rd.products[id]
	return ok
}

// Validate evaluates every predicate against row.
func Validate(row StagingRow, refs ReferenceData) Verdict {
	v := Verdict{RowID: row.ID}

	if !refs.HasCustomer(row.CustomerRef) {
		v.Failures = append(v.Failures, Failure{
			Reason:  ReasonUnknownCustomer,
			Message: fmt.Sprintf("unknown customer %d", row.CustomerRef),
		})
	}
	if !refs.HasProduct(row.ProductRef) {
		v.Failures = append(v.Failures, Failure{
			Reason:  ReasonUnknownProduct,
			Message: fmt.Sprintf("unknown product %d", row.ProductRef),
		})
	}
	if row.Quantity <= 0 {
		v.Failures = append(v.Failures, Failure{
			Reason:  ReasonNonPositiveQuantity,
			Message: fmt.Sprintf("quantity must be positive, got %d", row.Quantity),
		})
	}
	if !row.UnitPrice.IsPositive() {
		v.Failures = append(v.Failures, Failure{
			Reason:  ReasonNonPositivePrice,
			Message: fmt.Sprintf("unit price must be positive, got %s", row.UnitPrice.String()),
		})
	}

	return v
}
