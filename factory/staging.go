/*
Package factory provides batch file to staging row conversion.

PURPOSE:
  Converts YAML (or JSON, which is a YAML subset) intake batches into
  pending pipeline.StagingRow values. Upstream extracts can land order
  rows without code changes; the factory only checks that each row is
  well-formed. Business rules (known customer, positive quantity, ...)
  belong to the Validator, so a row with quantity 0 is accepted here and
  quarantined later.

BATCH SCHEMA:
  source: orders-2023-03-01.csv      # optional, defaults to the file name
  rows:
    - customer: 1
      product: 5
      quantity: 2
      unit_price: "10.00"
      order_date: 2023-03-01

  A bare list of rows is accepted too.

USAGE:
  f := factory.NewStagingFactory()
  rows, err := f.ParseBatch(data, "batch.yaml")
  ids, err := f.Ingest(ctx, store, rows)

SEE ALSO:
  - pipeline/types.go: StagingRow
  - api/handlers.go: POST /api/staging
  - cli/staging.go: reconciler ingest
*/
package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/order-reconciler/pipeline"
)

// =============================================================================
// BATCH SCHEMA TYPES
// =============================================================================

// BatchFile is the document form of an intake batch.
type BatchFile struct {
	Source string         `yaml:"source" json:"source,omitempty"`
	Rows   []StagingEntry `yaml:"rows" json:"rows"`
}

// StagingEntry is one intake row as written in a batch.
type StagingEntry struct {
	Customer  *int64   `yaml:"customer" json:"customer"`
	Product   *int64   `yaml:"product" json:"product"`
	Quantity  *int64   `yaml:"quantity" json:"quantity"`
	UnitPrice *Decimal `yaml:"unit_price" json:"unit_price"`
	OrderDate *Date    `yaml:"order_date" json:"order_date"`
}

// Decimal reads a price written either as a YAML number or a string.
type Decimal struct{ decimal.Decimal }

func (d *Decimal) UnmarshalYAML(node *yaml.Node) error {
	v, err := decimal.NewFromString(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid decimal %q", node.Line, node.Value)
	}
	d.Decimal = v
	return nil
}

// Date reads a YYYY-MM-DD calendar day.
type Date struct{ time.Time }

func (d *Date) UnmarshalYAML(node *yaml.Node) error {
	t, err := pipeline.ParseDate(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid date %q, want YYYY-MM-DD", node.Line, node.Value)
	}
	d.Time = t
	return nil
}

// =============================================================================
// STAGING FACTORY
// =============================================================================

// StagingFactory converts intake batches into staging rows.
type StagingFactory struct {
	clock pipeline.Clock
}

// NewStagingFactory creates a new staging factory.
func NewStagingFactory() *StagingFactory {
	return &StagingFactory{clock: pipeline.SystemClock{}}
}

// WithClock sets the clock used for CreatedAt.
func (f *StagingFactory) WithClock(c pipeline.Clock) *StagingFactory {
	f.clock = c
	return f
}

// ParseBatch parses a batch document. sourceFile is used when the document
// does not name its own source.
func (f *StagingFactory) ParseBatch(data []byte, sourceFile string) ([]pipeline.StagingRow, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse batch: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("%w: empty batch", pipeline.ErrInvalidInput)
	}

	var batch BatchFile
	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&batch.Rows); err != nil {
			return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidInput, err)
		}
	case yaml.MappingNode:
		if err := doc.Decode(&batch); err != nil {
			return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidInput, err)
		}
	default:
		return nil, fmt.Errorf("%w: batch must be a list of rows or a mapping with rows", pipeline.ErrInvalidInput)
	}

	if batch.Source == "" {
		batch.Source = sourceFile
	}
	return f.FromBatch(batch)
}

// FromBatch converts a decoded batch into pending staging rows.
func (f *StagingFactory) FromBatch(batch BatchFile) ([]pipeline.StagingRow, error) {
	if len(batch.Rows) == 0 {
		return nil, fmt.Errorf("%w: batch has no rows", pipeline.ErrInvalidInput)
	}

	now := f.clock.Now()
	rows := make([]pipeline.StagingRow, 0, len(batch.Rows))
	for i, e := range batch.Rows {
		if err := e.check(); err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", pipeline.ErrInvalidInput, i+1, err)
		}
		rows = append(rows, pipeline.StagingRow{
			CustomerRef: pipeline.CustomerID(*e.Customer),
			ProductRef:  pipeline.ProductID(*e.Product),
			Quantity:    *e.Quantity,
			UnitPrice:   e.UnitPrice.Decimal,
			OrderDate:   e.OrderDate.Time,
			SourceFile:  batch.Source,
			Status:      pipeline.StatusPending,
			CreatedAt:   now,
		})
	}
	return rows, nil
}

func (e StagingEntry) check() error {
	switch {
	case e.Customer == nil:
		return fmt.Errorf("customer is required")
	case e.Product == nil:
		return fmt.Errorf("product is required")
	case e.Quantity == nil:
		return fmt.Errorf("quantity is required")
	case e.UnitPrice == nil:
		return fmt.Errorf("unit_price is required")
	case e.OrderDate == nil:
		return fmt.Errorf("order_date is required")
	}
	return nil
}

// Ingest appends rows to the staging buffer in one transaction.
func (f *StagingFactory) Ingest(ctx context.Context, store pipeline.Store, rows []pipeline.StagingRow) ([]pipeline.StagingID, error) {
	var ids []pipeline.StagingID
	err := store.WithTx(ctx, func(tx pipeline.Tx) error {
		ids = ids[:0]
		for _, r := range rows {
			id, err := tx.InsertStaging(ctx, r)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ingest batch: %w", err)
	}
	return ids, nil
}
