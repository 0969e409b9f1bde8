/*
Package pipeline provides the staging reconciliation engine.

PURPOSE:
  Moves intake records from the staging buffer into the normalized order
  tables and keeps the derived sales fact table in step with them. The
  package holds the store-agnostic types and algorithms; persistence lives
  behind the Store interface (store.go).

KEY CONCEPTS IN THIS FILE (types.go):
  - StagingRow: An unvalidated intake record (append-only audit trail)
  - Order / Line: Normalized entities with referential integrity
  - Payment: External payment facts joined into the derived table
  - DerivedFact: One pre-joined row per (order, product)
  - RunRecord / ErrorRecord: Audit trail of every pipeline invocation

DESIGN PRINCIPLES:
  1. Precision: Money uses decimal.Decimal, never float64
  2. Explicit state: Components receive snapshots and return results,
     nothing reads global table state behind the caller's back
  3. Auditability: Every run and every rejected row leaves a record

SEE ALSO:
  - validator.go: Business predicates on staging rows
  - loader.go: Atomic staging → normalized load
  - merge.go: Incremental fact table reconciliation
*/
package pipeline

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID int64
type ProductID int64
type OrderID int64
type LineID int64
type PaymentID int64
type StagingID int64
type RunID string

// DateLayout is the canonical representation of order dates.
const DateLayout = "2006-01-02"

// Day truncates t to a UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NewDate builds a UTC calendar day.
func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD order date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

type Customer struct {
	ID        CustomerID
	Name      string
	Email     string
	CreatedAt time.Time
}

type Product struct {
	ID        ProductID
	Name      string
	ListPrice decimal.Decimal
	CreatedAt time.Time
}

// Payment records how an order was paid. The latest payment of an order
// (by PaidAt, then ID) is the one carried into the derived fact table.
type Payment struct {
	ID      PaymentID
	OrderID OrderID
	Method  string
	Status  string
	Amount  decimal.Decimal
	PaidAt  time.Time
}

// =============================================================================
// STAGING
// =============================================================================

// ValidationStatus is the validity flag of a staging row.
type ValidationStatus string

const (
	// StatusPending marks a row that has never been through the Validator.
	StatusPending ValidationStatus = "pending"
	StatusValid   ValidationStatus = "valid"
	StatusInvalid ValidationStatus = "invalid"
)

func (s ValidationStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusValid, StatusInvalid:
		return true
	}
	return false
}

// StagingRow is an intake record awaiting reconciliation.
//
// INVARIANTS:
//   - Never deleted
//   - Immutable once Processed is true
//   - RetryCount only increases
type StagingRow struct {
	ID          StagingID
	CustomerRef CustomerID
	ProductRef  ProductID
	Quantity    int64
	UnitPrice   decimal.Decimal
	OrderDate   time.Time
	SourceFile  string
	Status      ValidationStatus
	Processed   bool
	RetryCount  int
	CreatedAt   time.Time
}

// Valid reports whether the row passed validation.
func (r StagingRow) Valid() bool { return r.Status == StatusValid }

// OrderKey is the loader's de-duplication key for this row.
func (r StagingRow) OrderKey() OrderKey {
	return OrderKey{CustomerID: r.CustomerRef, OrderDate: Day(r.OrderDate).Format(DateLayout)}
}

// LineTotal is quantity × unit price.
func (r StagingRow) LineTotal() decimal.Decimal {
	return r.UnitPrice.Mul(decimal.NewFromInt(r.Quantity))
}

// StagingFilter selects staging rows. Zero values mean "any".
type StagingFilter struct {
	Status        ValidationStatus
	Processed     *bool
	MaxRetryCount *int // exclusive upper bound on RetryCount
	MinRetryCount *int // inclusive lower bound on RetryCount
	Limit         int
}

// =============================================================================
// NORMALIZED ENTITIES
// =============================================================================

// OrderKey identifies an order by its natural key.
type OrderKey struct {
	CustomerID CustomerID
	OrderDate  string // DateLayout
}

type Order struct {
	ID         OrderID
	CustomerID CustomerID
	OrderDate  time.Time
	Total      decimal.Decimal
	CreatedAt  time.Time
}

func (o Order) Key() OrderKey {
	return OrderKey{CustomerID: o.CustomerID, OrderDate: Day(o.OrderDate).Format(DateLayout)}
}

type Line struct {
	ID        LineID
	OrderID   OrderID
	ProductID ProductID
	Quantity  int64
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

// NewLine builds a line and derives its total.
func NewLine(orderID OrderID, productID ProductID, quantity int64, unitPrice decimal.Decimal) Line {
	return Line{
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		LineTotal: unitPrice.Mul(decimal.NewFromInt(quantity)),
	}
}

// =============================================================================
// DERIVED FACTS
// =============================================================================

// FactKey identifies a derived fact row.
type FactKey struct {
	OrderID   OrderID
	ProductID ProductID
}

// FactSource is one row of the Order × Line × Payment join.
type FactSource struct {
	OrderID       OrderID
	ProductID     ProductID
	CustomerID    CustomerID
	OrderDate     time.Time
	Quantity      int64
	LineTotal     decimal.Decimal
	PaymentMethod string
	PaymentStatus string
}

func (s FactSource) Key() FactKey { return FactKey{OrderID: s.OrderID, ProductID: s.ProductID} }

// DerivedFact is a row of the sales fact table. Only the MergeEngine writes it.
type DerivedFact struct {
	OrderID       OrderID
	ProductID     ProductID
	CustomerID    CustomerID
	OrderDate     time.Time
	Quantity      int64
	LineTotal     decimal.Decimal
	PaymentMethod string
	PaymentStatus string
	LastUpdated   time.Time
}

func (f DerivedFact) Key() FactKey { return FactKey{OrderID: f.OrderID, ProductID: f.ProductID} }

// =============================================================================
// RUN AUDIT
// =============================================================================

type RunStatus string

const (
	RunStarted RunStatus = "started"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool { return s == RunSuccess || s == RunFailed }

// RunRecord is the lifecycle of one pipeline invocation.
type RunRecord struct {
	ID           RunID
	ProcessName  string
	StartTime    time.Time
	EndTime      *time.Time
	Status       RunStatus
	ErrorMessage string
}

// RunFilter selects run records. Zero values mean "any".
type RunFilter struct {
	Status      RunStatus
	ProcessName string
	From        time.Time
	To          time.Time
	Limit       int
}

type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindLoad           ErrorKind = "load"
	KindRetryExhausted ErrorKind = "retry_exhausted"
	KindMerge          ErrorKind = "merge"
)

// ErrorRecord is an append-only entry in the error log.
type ErrorRecord struct {
	ID          int64
	RunID       RunID
	SourceTable string
	SourceRowID *int64
	Kind        ErrorKind
	Message     string
	LoggedAt    time.Time
}

// Table names recorded in ErrorRecord.SourceTable.
const (
	TableStaging = "staging_orders"
	TableOrders  = "orders"
	TableLines   = "order_lines"
	TableFacts   = "fact_sales"
)
