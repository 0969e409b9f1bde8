/*
store.go - Record store boundary of the pipeline

PURPOSE:
  Defines what the pipeline needs from a relational store: CRUD on the
  staging, normalized, fact and audit tables plus atomic multi-statement
  transactions with rollback. Unique keys and foreign keys are enforced by
  the store and surface as ErrDuplicateOrder, ErrDuplicateLine and
  ErrUnknownReference.

KEY INTERFACES:
  Tx:    Every operation the pipeline performs, scoped to one unit of work
  Store: A Tx that can also open nested atomic units via WithTx

ATOMIC UNITS:
  WithTx runs fn against a transaction-scoped Tx. If fn returns an error
  (or the commit fails) nothing fn wrote is visible afterwards. Reads made
  through the Tx see the unit's own writes and committed data only.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - pipeline/store/memory.go: In-memory for tests and demos

SEE ALSO:
  - loader.go: The load unit
  - merge.go: The merge unit
*/
package pipeline

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ReferenceReader reads the reference sets the Validator checks against.
type ReferenceReader interface {
	ListCustomerIDs(ctx context.Context) ([]CustomerID, error)
	ListProductIDs(ctx context.Context) ([]ProductID, error)
}

// StagingStore reads and flags staging rows.
type StagingStore interface {
	GetStaging(ctx context.Context, id StagingID) (*StagingRow, error)
	ListStaging(ctx context.Context, f StagingFilter) ([]StagingRow, error)
	InsertStaging(ctx context.Context, row StagingRow) (StagingID, error)

	// UpdateStaging rewrites the mutable fields of an unprocessed row
	// (refs, quantity, price, date, status, retry count). It returns
	// ErrStagingRowProcessed for processed rows.
	UpdateStaging(ctx context.Context, row StagingRow) error

	// MarkProcessed flips processed=true for every id.
	MarkProcessed(ctx context.Context, ids []StagingID) error
}

// OrderStore maintains normalized orders and lines.
type OrderStore interface {
	FindOrder(ctx context.Context, key OrderKey) (*Order, error)
	GetOrder(ctx context.Context, id OrderID) (*Order, error)
	InsertOrder(ctx context.Context, o Order) (OrderID, error)
	SetOrderTotal(ctx context.Context, id OrderID, total decimal.Decimal) error

	GetLine(ctx context.Context, orderID OrderID, productID ProductID) (*Line, error)
	ListLines(ctx context.Context, orderID OrderID) ([]Line, error)
	InsertLine(ctx context.Context, l Line) (LineID, error)
	UpdateLine(ctx context.Context, l Line) error
	DeleteLine(ctx context.Context, orderID OrderID, productID ProductID) error
}

// FactStore reads the merge sources and maintains the fact table.
type FactStore interface {
	// ListFactSources returns the Order × Line × latest Payment join.
	ListFactSources(ctx context.Context) ([]FactSource, error)
	ListFacts(ctx context.Context) ([]DerivedFact, error)
	InsertFact(ctx context.Context, f DerivedFact) error
	UpdateFact(ctx context.Context, f DerivedFact) error
}

// RunStore persists run lifecycle and the error log.
type RunStore interface {
	CreateRun(ctx context.Context, r RunRecord) error

	// SealRun moves a started run to a terminal status. It returns
	// ErrRunSealed when the stored run is not in RunStarted.
	SealRun(ctx context.Context, id RunID, status RunStatus, endTime time.Time, errMsg string) error
	GetRun(ctx context.Context, id RunID) (*RunRecord, error)
	ListRuns(ctx context.Context, f RunFilter) ([]RunRecord, error)

	AppendError(ctx context.Context, e ErrorRecord) (int64, error)
	ListErrors(ctx context.Context, runID RunID) ([]ErrorRecord, error)
}

// Tx is one unit of work against the record store.
type Tx interface {
	ReferenceReader
	StagingStore
	OrderStore
	FactStore
	RunStore
}

// Store is the record store.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
