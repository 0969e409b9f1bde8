/*
Package sqlite provides a SQLite-backed implementation of pipeline.Store.

PURPOSE:
  Persists the staging buffer, the normalized order tables, the payment
  reference table, the derived sales fact table and the run audit trail.
  In production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  pipeline.Store: Every table the pipeline touches, plus WithTx

KEY TABLES:
  customers, products:  Reference data (validator lookups, foreign keys)
  staging_orders:       Intake buffer, never deleted
  orders:               One row per (customer_id, order_date)
  order_lines:          One row per (order_id, product_id)
  payments:             Joined into fact_sales (latest per order)
  fact_sales:           Derived table keyed by (order_id, product_id)
  pipeline_runs:        Run lifecycle (started → success | failed)
  pipeline_errors:      Append-only error log

CONSTRAINTS:
  Uniqueness and foreign keys are declared in the schema and surface as
  pipeline sentinels:
  - orders(customer_id, order_date)    → pipeline.ErrDuplicateOrder
  - order_lines(order_id, product_id)  → pipeline.ErrDuplicateLine
  - any FOREIGN KEY failure            → pipeline.ErrUnknownReference

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead. WithTx holds the
  write lock for the whole unit, so fn must only use the Tx it is given.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/reconciler.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  rec := pipeline.New(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - pipeline/store.go: Interface definitions
  - pipeline/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/order-reconciler/pipeline"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements pipeline.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Reference data
	CREATE TABLE IF NOT EXISTS customers (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		list_price TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Normalized orders (one per customer per day)
	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		customer_id INTEGER NOT NULL REFERENCES customers(id),
		order_date TEXT NOT NULL,
		total TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		UNIQUE (customer_id, order_date)
	);

	CREATE TABLE IF NOT EXISTS order_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id INTEGER NOT NULL REFERENCES orders(id),
		product_id INTEGER NOT NULL REFERENCES products(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price TEXT NOT NULL,
		line_total TEXT NOT NULL,
		UNIQUE (order_id, product_id)
	);

	CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id INTEGER NOT NULL REFERENCES orders(id),
		method TEXT NOT NULL,
		status TEXT NOT NULL,
		amount TEXT NOT NULL,
		paid_at TEXT NOT NULL
	);

	-- For the latest-payment lookup in the fact join
	CREATE INDEX IF NOT EXISTS idx_payments_order_paid
		ON payments(order_id, paid_at DESC, id DESC);

	-- Staging buffer (never deleted)
	CREATE TABLE IF NOT EXISTS staging_orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		customer_ref INTEGER NOT NULL,
		product_ref INTEGER NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		order_date TEXT NOT NULL,
		source_file TEXT,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'valid', 'invalid')),
		processed INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Hot path: validation and load snapshots
	CREATE INDEX IF NOT EXISTS idx_staging_status_processed
		ON staging_orders(status, processed, retry_count);

	-- Derived sales facts (written only by the merge engine)
	CREATE TABLE IF NOT EXISTS fact_sales (
		order_id INTEGER NOT NULL,
		product_id INTEGER NOT NULL,
		customer_id INTEGER NOT NULL,
		order_date TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		line_total TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		last_updated TEXT NOT NULL,
		PRIMARY KEY (order_id, product_id)
	);

	-- Run audit
	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		process_name TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		status TEXT NOT NULL CHECK (status IN ('started', 'success', 'failed')),
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_process_start
		ON pipeline_runs(process_name, start_time DESC);

	CREATE TABLE IF NOT EXISTS pipeline_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES pipeline_runs(id),
		source_table TEXT NOT NULL,
		source_row_id INTEGER,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		logged_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_errors_run
		ON pipeline_errors(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (pipeline.Store interface)
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx pipeline.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore runs every pipeline.Tx operation against one querier.
type txStore struct {
	q querier
}

func (s *Store) direct() *txStore { return &txStore{q: s.db} }

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (s *Store) ListCustomerIDs(ctx context.Context) ([]pipeline.CustomerID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListCustomerIDs(ctx)
}

func (ts *txStore) ListCustomerIDs(ctx context.Context) ([]pipeline.CustomerID, error) {
	rows, err := ts.q.QueryContext(ctx, "SELECT id FROM customers ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []pipeline.CustomerID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, pipeline.CustomerID(id))
	}
	return ids, rows.Err()
}

func (s *Store) ListProductIDs(ctx context.Context) ([]pipeline.ProductID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListProductIDs(ctx)
}

func (ts *txStore) ListProductIDs(ctx context.Context) ([]pipeline.ProductID, error) {
	rows, err := ts.q.QueryContext(ctx, "SELECT id FROM products ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []pipeline.ProductID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, pipeline.ProductID(id))
	}
	return ids, rows.Err()
}

// SaveCustomer inserts or updates a customer.
func (s *Store) SaveCustomer(ctx context.Context, c pipeline.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, email, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email
	`, int64(c.ID), c.Name, nullString(c.Email), formatTime(c.CreatedAt))
	return err
}

// ListCustomers returns all customers.
func (s *Store) ListCustomers(ctx context.Context) ([]pipeline.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, email, created_at FROM customers ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.Customer
	for rows.Next() {
		var c pipeline.Customer
		var id int64
		var email sql.NullString
		var createdAt string
		if err := rows.Scan(&id, &c.Name, &email, &createdAt); err != nil {
			return nil, err
		}
		c.ID = pipeline.CustomerID(id)
		c.Email = email.String
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveProduct inserts or updates a product.
func (s *Store) SaveProduct(ctx context.Context, p pipeline.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, list_price, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			list_price = excluded.list_price
	`, int64(p.ID), p.Name, p.ListPrice.String(), formatTime(p.CreatedAt))
	return err
}

// ListProducts returns all products.
func (s *Store) ListProducts(ctx context.Context) ([]pipeline.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, list_price, created_at FROM products ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.Product
	for rows.Next() {
		var p pipeline.Product
		var id int64
		var price, createdAt string
		if err := rows.Scan(&id, &p.Name, &price, &createdAt); err != nil {
			return nil, err
		}
		p.ID = pipeline.ProductID(id)
		if p.ListPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("product %d list price: %w", id, err)
		}
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePayment records a payment against an existing order.
func (s *Store) SavePayment(ctx context.Context, p pipeline.Payment) (pipeline.PaymentID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (order_id, method, status, amount, paid_at)
		VALUES (?, ?, ?, ?, ?)
	`, int64(p.OrderID), p.Method, p.Status, p.Amount.String(), formatTime(p.PaidAt))
	if err != nil {
		return 0, mapConstraintError(err)
	}
	id, err := res.LastInsertId()
	return pipeline.PaymentID(id), err
}

// ListPayments returns the payments of an order, latest first.
func (s *Store) ListPayments(ctx context.Context, orderID pipeline.OrderID) ([]pipeline.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, method, status, amount, paid_at
		FROM payments WHERE order_id = ?
		ORDER BY paid_at DESC, id DESC
	`, int64(orderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.Payment
	for rows.Next() {
		var p pipeline.Payment
		var id, oid int64
		var amount, paidAt string
		if err := rows.Scan(&id, &oid, &p.Method, &p.Status, &amount, &paidAt); err != nil {
			return nil, err
		}
		p.ID = pipeline.PaymentID(id)
		p.OrderID = pipeline.OrderID(oid)
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("payment %d amount: %w", id, err)
		}
		p.PaidAt = parseTime(paidAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// STAGING
// =============================================================================

const stagingColumns = `id, customer_ref, product_ref, quantity, unit_price, order_date,
	source_file, status, processed, retry_count, created_at`

func (s *Store) GetStaging(ctx context.Context, id pipeline.StagingID) (*pipeline.StagingRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().GetStaging(ctx, id)
}

func (ts *txStore) GetStaging(ctx context.Context, id pipeline.StagingID) (*pipeline.StagingRow, error) {
	rows, err := ts.queryStaging(ctx, "SELECT "+stagingColumns+" FROM staging_orders WHERE id = ?", int64(id))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *Store) ListStaging(ctx context.Context, f pipeline.StagingFilter) ([]pipeline.StagingRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListStaging(ctx, f)
}

func (ts *txStore) ListStaging(ctx context.Context, f pipeline.StagingFilter) ([]pipeline.StagingRow, error) {
	query := "SELECT " + stagingColumns + " FROM staging_orders WHERE 1=1"
	var args []any

	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Processed != nil {
		query += " AND processed = ?"
		args = append(args, boolToInt(*f.Processed))
	}
	if f.MaxRetryCount != nil {
		query += " AND retry_count < ?"
		args = append(args, *f.MaxRetryCount)
	}
	if f.MinRetryCount != nil {
		query += " AND retry_count >= ?"
		args = append(args, *f.MinRetryCount)
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return ts.queryStaging(ctx, query, args...)
}

func (ts *txStore) queryStaging(ctx context.Context, query string, args ...any) ([]pipeline.StagingRow, error) {
	rows, err := ts.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.StagingRow
	for rows.Next() {
		var r pipeline.StagingRow
		var id, customer, product int64
		var price, orderDate, status, createdAt string
		var sourceFile sql.NullString
		var processed int
		if err := rows.Scan(&id, &customer, &product, &r.Quantity, &price, &orderDate,
			&sourceFile, &status, &processed, &r.RetryCount, &createdAt); err != nil {
			return nil, err
		}
		r.ID = pipeline.StagingID(id)
		r.CustomerRef = pipeline.CustomerID(customer)
		r.ProductRef = pipeline.ProductID(product)
		if r.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("staging row %d unit price: %w", id, err)
		}
		if r.OrderDate, err = pipeline.ParseDate(orderDate); err != nil {
			return nil, fmt.Errorf("staging row %d order date: %w", id, err)
		}
		r.SourceFile = sourceFile.String
		r.Status = pipeline.ValidationStatus(status)
		r.Processed = processed != 0
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) InsertStaging(ctx context.Context, row pipeline.StagingRow) (pipeline.StagingID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().InsertStaging(ctx, row)
}

func (ts *txStore) InsertStaging(ctx context.Context, row pipeline.StagingRow) (pipeline.StagingID, error) {
	if row.Status == "" {
		row.Status = pipeline.StatusPending
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	res, err := ts.q.ExecContext(ctx, `
		INSERT INTO staging_orders
		(customer_ref, product_ref, quantity, unit_price, order_date, source_file,
		 status, processed, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`,
		int64(row.CustomerRef),
		int64(row.ProductRef),
		row.Quantity,
		row.UnitPrice.String(),
		formatDate(row.OrderDate),
		nullString(row.SourceFile),
		string(row.Status),
		row.RetryCount,
		formatTime(row.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert staging row: %w", err)
	}
	id, err := res.LastInsertId()
	return pipeline.StagingID(id), err
}

func (s *Store) UpdateStaging(ctx context.Context, row pipeline.StagingRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().UpdateStaging(ctx, row)
}

func (ts *txStore) UpdateStaging(ctx context.Context, row pipeline.StagingRow) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE staging_orders SET
			customer_ref = ?, product_ref = ?, quantity = ?, unit_price = ?,
			order_date = ?, status = ?, retry_count = ?
		WHERE id = ? AND processed = 0 AND retry_count <= ?
	`,
		int64(row.CustomerRef),
		int64(row.ProductRef),
		row.Quantity,
		row.UnitPrice.String(),
		formatDate(row.OrderDate),
		string(row.Status),
		row.RetryCount,
		int64(row.ID),
		row.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to update staging row %d: %w", row.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Nothing matched: explain why.
	cur, err := ts.GetStaging(ctx, row.ID)
	if err != nil {
		return err
	}
	switch {
	case cur == nil:
		return fmt.Errorf("%w: %d", pipeline.ErrStagingRowNotFound, row.ID)
	case cur.Processed:
		return fmt.Errorf("%w: %d", pipeline.ErrStagingRowProcessed, row.ID)
	default:
		return fmt.Errorf("%w: retry count of staging row %d cannot decrease", pipeline.ErrInvalidInput, row.ID)
	}
}

func (s *Store) MarkProcessed(ctx context.Context, ids []pipeline.StagingID) error {
	return s.WithTx(ctx, func(tx pipeline.Tx) error { return tx.MarkProcessed(ctx, ids) })
}

func (ts *txStore) MarkProcessed(ctx context.Context, ids []pipeline.StagingID) error {
	for _, id := range ids {
		res, err := ts.q.ExecContext(ctx,
			"UPDATE staging_orders SET processed = 1 WHERE id = ? AND processed = 0", int64(id))
		if err != nil {
			return fmt.Errorf("failed to mark staging row %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			continue
		}
		cur, err := ts.GetStaging(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: %d", pipeline.ErrStagingRowNotFound, id)
		}
		return fmt.Errorf("%w: %d", pipeline.ErrStagingRowProcessed, id)
	}
	return nil
}

// StagingCounts returns row counts per (status, processed).
func (s *Store) StagingCounts(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, processed, COUNT(*) FROM staging_orders GROUP BY status, processed
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var processed, n int
		if err := rows.Scan(&status, &processed, &n); err != nil {
			return nil, err
		}
		if processed != 0 {
			status = "processed"
		}
		counts[status] += n
	}
	return counts, rows.Err()
}

// =============================================================================
// ORDERS AND LINES
// =============================================================================

func (s *Store) FindOrder(ctx context.Context, key pipeline.OrderKey) (*pipeline.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().FindOrder(ctx, key)
}

func (ts *txStore) FindOrder(ctx context.Context, key pipeline.OrderKey) (*pipeline.Order, error) {
	return ts.scanOrder(ts.q.QueryRowContext(ctx,
		"SELECT id, customer_id, order_date, total, created_at FROM orders WHERE customer_id = ? AND order_date = ?",
		int64(key.CustomerID), key.OrderDate,
	))
}

func (s *Store) GetOrder(ctx context.Context, id pipeline.OrderID) (*pipeline.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().GetOrder(ctx, id)
}

func (ts *txStore) GetOrder(ctx context.Context, id pipeline.OrderID) (*pipeline.Order, error) {
	return ts.scanOrder(ts.q.QueryRowContext(ctx,
		"SELECT id, customer_id, order_date, total, created_at FROM orders WHERE id = ?", int64(id),
	))
}

func (ts *txStore) scanOrder(row *sql.Row) (*pipeline.Order, error) {
	var id, customer int64
	var orderDate, total, createdAt string

	err := row.Scan(&id, &customer, &orderDate, &total, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return buildOrder(id, customer, orderDate, total, createdAt)
}

func buildOrder(id, customer int64, orderDate, total, createdAt string) (*pipeline.Order, error) {
	o := pipeline.Order{ID: pipeline.OrderID(id), CustomerID: pipeline.CustomerID(customer)}
	var err error
	if o.OrderDate, err = pipeline.ParseDate(orderDate); err != nil {
		return nil, fmt.Errorf("order %d date: %w", id, err)
	}
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("order %d total: %w", id, err)
	}
	o.CreatedAt = parseTime(createdAt)
	return &o, nil
}

// ListOrders returns orders, newest first. limit <= 0 means all.
func (s *Store) ListOrders(ctx context.Context, customerID pipeline.CustomerID, limit int) ([]pipeline.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, customer_id, order_date, total, created_at FROM orders WHERE 1=1"
	var args []any
	if customerID != 0 {
		query += " AND customer_id = ?"
		args = append(args, int64(customerID))
	}
	query += " ORDER BY order_date DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.Order
	for rows.Next() {
		var id, customer int64
		var orderDate, total, createdAt string
		if err := rows.Scan(&id, &customer, &orderDate, &total, &createdAt); err != nil {
			return nil, err
		}
		o, err := buildOrder(id, customer, orderDate, total, createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *Store) InsertOrder(ctx context.Context, o pipeline.Order) (pipeline.OrderID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().InsertOrder(ctx, o)
}

func (ts *txStore) InsertOrder(ctx context.Context, o pipeline.Order) (pipeline.OrderID, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	res, err := ts.q.ExecContext(ctx, `
		INSERT INTO orders (customer_id, order_date, total, created_at)
		VALUES (?, ?, ?, ?)
	`, int64(o.CustomerID), formatDate(o.OrderDate), o.Total.String(), formatTime(o.CreatedAt))
	if err != nil {
		return 0, mapConstraintError(err)
	}
	id, err := res.LastInsertId()
	return pipeline.OrderID(id), err
}

func (s *Store) SetOrderTotal(ctx context.Context, id pipeline.OrderID, total decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().SetOrderTotal(ctx, id, total)
}

func (ts *txStore) SetOrderTotal(ctx context.Context, id pipeline.OrderID, total decimal.Decimal) error {
	res, err := ts.q.ExecContext(ctx, "UPDATE orders SET total = ? WHERE id = ?", total.String(), int64(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", pipeline.ErrOrderNotFound, id)
	}
	return nil
}

const lineColumns = "id, order_id, product_id, quantity, unit_price, line_total"

func (s *Store) GetLine(ctx context.Context, orderID pipeline.OrderID, productID pipeline.ProductID) (*pipeline.Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().GetLine(ctx, orderID, productID)
}

func (ts *txStore) GetLine(ctx context.Context, orderID pipeline.OrderID, productID pipeline.ProductID) (*pipeline.Line, error) {
	lines, err := ts.queryLines(ctx,
		"SELECT "+lineColumns+" FROM order_lines WHERE order_id = ? AND product_id = ?",
		int64(orderID), int64(productID))
	if err != nil || len(lines) == 0 {
		return nil, err
	}
	return &lines[0], nil
}

func (s *Store) ListLines(ctx context.Context, orderID pipeline.OrderID) ([]pipeline.Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListLines(ctx, orderID)
}

func (ts *txStore) ListLines(ctx context.Context, orderID pipeline.OrderID) ([]pipeline.Line, error) {
	return ts.queryLines(ctx, "SELECT "+lineColumns+" FROM order_lines WHERE order_id = ? ORDER BY id", int64(orderID))
}

func (ts *txStore) queryLines(ctx context.Context, query string, args ...any) ([]pipeline.Line, error) {
	rows, err := ts.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.Line
	for rows.Next() {
		var l pipeline.Line
		var id, orderID, productID int64
		var price, total string
		if err := rows.Scan(&id, &orderID, &productID, &l.Quantity, &price, &total); err != nil {
			return nil, err
		}
		l.ID = pipeline.LineID(id)
		l.OrderID = pipeline.OrderID(orderID)
		l.ProductID = pipeline.ProductID(productID)
		if l.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("line %d unit price: %w", id, err)
		}
		if l.LineTotal, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("line %d total: %w", id, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) InsertLine(ctx context.Context, l pipeline.Line) (pipeline.LineID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().InsertLine(ctx, l)
}

func (ts *txStore) InsertLine(ctx context.Context, l pipeline.Line) (pipeline.LineID, error) {
	res, err := ts.q.ExecContext(ctx, `
		INSERT INTO order_lines (order_id, product_id, quantity, unit_price, line_total)
		VALUES (?, ?, ?, ?, ?)
	`, int64(l.OrderID), int64(l.ProductID), l.Quantity, l.UnitPrice.String(), l.LineTotal.String())
	if err != nil {
		return 0, mapConstraintError(err)
	}
	id, err := res.LastInsertId()
	return pipeline.LineID(id), err
}

func (s *Store) UpdateLine(ctx context.Context, l pipeline.Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().UpdateLine(ctx, l)
}

func (ts *txStore) UpdateLine(ctx context.Context, l pipeline.Line) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE order_lines SET quantity = ?, unit_price = ?, line_total = ?
		WHERE order_id = ? AND product_id = ?
	`, l.Quantity, l.UnitPrice.String(), l.LineTotal.String(), int64(l.OrderID), int64(l.ProductID))
	if err != nil {
		return mapConstraintError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: order %d product %d", pipeline.ErrLineNotFound, l.OrderID, l.ProductID)
	}
	return nil
}

func (s *Store) DeleteLine(ctx context.Context, orderID pipeline.OrderID, productID pipeline.ProductID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().DeleteLine(ctx, orderID, productID)
}

func (ts *txStore) DeleteLine(ctx context.Context, orderID pipeline.OrderID, productID pipeline.ProductID) error {
	res, err := ts.q.ExecContext(ctx,
		"DELETE FROM order_lines WHERE order_id = ? AND product_id = ?", int64(orderID), int64(productID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: order %d product %d", pipeline.ErrLineNotFound, orderID, productID)
	}
	return nil
}

// =============================================================================
// FACTS
// =============================================================================

func (s *Store) ListFactSources(ctx context.Context) ([]pipeline.FactSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListFactSources(ctx)
}

func (ts *txStore) ListFactSources(ctx context.Context) ([]pipeline.FactSource, error) {
	rows, err := ts.q.QueryContext(ctx, `
		WITH latest AS (
			SELECT order_id, method, status,
				ROW_NUMBER() OVER (PARTITION BY order_id ORDER BY paid_at DESC, id DESC) AS rn
			FROM payments
		)
		SELECT l.order_id, l.product_id, o.customer_id, o.order_date,
			l.quantity, l.line_total, p.method, p.status
		FROM order_lines l
		JOIN orders o ON o.id = l.order_id
		JOIN latest p ON p.order_id = l.order_id AND p.rn = 1
		ORDER BY l.order_id, l.product_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.FactSource
	for rows.Next() {
		var f pipeline.FactSource
		var orderID, productID, customerID int64
		var orderDate, total string
		if err := rows.Scan(&orderID, &productID, &customerID, &orderDate,
			&f.Quantity, &total, &f.PaymentMethod, &f.PaymentStatus); err != nil {
			return nil, err
		}
		f.OrderID = pipeline.OrderID(orderID)
		f.ProductID = pipeline.ProductID(productID)
		f.CustomerID = pipeline.CustomerID(customerID)
		if f.OrderDate, err = pipeline.ParseDate(orderDate); err != nil {
			return nil, err
		}
		if f.LineTotal, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) ListFacts(ctx context.Context) ([]pipeline.DerivedFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListFacts(ctx)
}

func (ts *txStore) ListFacts(ctx context.Context) ([]pipeline.DerivedFact, error) {
	rows, err := ts.q.QueryContext(ctx, `
		SELECT order_id, product_id, customer_id, order_date, quantity, line_total,
			payment_method, payment_status, last_updated
		FROM fact_sales ORDER BY order_id, product_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.DerivedFact
	for rows.Next() {
		var f pipeline.DerivedFact
		var orderID, productID, customerID int64
		var orderDate, total, updated string
		if err := rows.Scan(&orderID, &productID, &customerID, &orderDate, &f.Quantity, &total,
			&f.PaymentMethod, &f.PaymentStatus, &updated); err != nil {
			return nil, err
		}
		f.OrderID = pipeline.OrderID(orderID)
		f.ProductID = pipeline.ProductID(productID)
		f.CustomerID = pipeline.CustomerID(customerID)
		if f.OrderDate, err = pipeline.ParseDate(orderDate); err != nil {
			return nil, err
		}
		if f.LineTotal, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		f.LastUpdated = parseTime(updated)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) InsertFact(ctx context.Context, f pipeline.DerivedFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().InsertFact(ctx, f)
}

func (ts *txStore) InsertFact(ctx context.Context, f pipeline.DerivedFact) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO fact_sales
		(order_id, product_id, customer_id, order_date, quantity, line_total,
		 payment_method, payment_status, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		int64(f.OrderID), int64(f.ProductID), int64(f.CustomerID),
		formatDate(f.OrderDate), f.Quantity, f.LineTotal.String(),
		f.PaymentMethod, f.PaymentStatus, formatTime(f.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fact order=%d product=%d: %w", f.OrderID, f.ProductID, err)
	}
	return nil
}

func (s *Store) UpdateFact(ctx context.Context, f pipeline.DerivedFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().UpdateFact(ctx, f)
}

func (ts *txStore) UpdateFact(ctx context.Context, f pipeline.DerivedFact) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE fact_sales SET
			customer_id = ?, order_date = ?, quantity = ?, line_total = ?,
			payment_method = ?, payment_status = ?, last_updated = ?
		WHERE order_id = ? AND product_id = ?
	`,
		int64(f.CustomerID), formatDate(f.OrderDate), f.Quantity, f.LineTotal.String(),
		f.PaymentMethod, f.PaymentStatus, formatTime(f.LastUpdated),
		int64(f.OrderID), int64(f.ProductID),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fact order=%d product=%d does not exist", f.OrderID, f.ProductID)
	}
	return nil
}

// =============================================================================
// RUN AUDIT
// =============================================================================

func (s *Store) CreateRun(ctx context.Context, r pipeline.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().CreateRun(ctx, r)
}

func (ts *txStore) CreateRun(ctx context.Context, r pipeline.RunRecord) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, process_name, start_time, status)
		VALUES (?, ?, ?, ?)
	`, string(r.ID), r.ProcessName, formatTime(r.StartTime), string(r.Status))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *Store) SealRun(ctx context.Context, id pipeline.RunID, status pipeline.RunStatus, end time.Time, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().SealRun(ctx, id, status, end, msg)
}

func (ts *txStore) SealRun(ctx context.Context, id pipeline.RunID, status pipeline.RunStatus, end time.Time, msg string) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE pipeline_runs SET status = ?, end_time = ?, error_message = ?
		WHERE id = ? AND status = 'started'
	`, string(status), formatTime(end), nullString(msg), string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	cur, err := ts.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
	}
	return fmt.Errorf("%w: %s is %s", pipeline.ErrRunSealed, id, cur.Status)
}

const runColumns = "id, process_name, start_time, end_time, status, error_message"

func (s *Store) GetRun(ctx context.Context, id pipeline.RunID) (*pipeline.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().GetRun(ctx, id)
}

func (ts *txStore) GetRun(ctx context.Context, id pipeline.RunID) (*pipeline.RunRecord, error) {
	runs, err := ts.queryRuns(ctx, "SELECT "+runColumns+" FROM pipeline_runs WHERE id = ?", string(id))
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func (s *Store) ListRuns(ctx context.Context, f pipeline.RunFilter) ([]pipeline.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListRuns(ctx, f)
}

func (ts *txStore) ListRuns(ctx context.Context, f pipeline.RunFilter) ([]pipeline.RunRecord, error) {
	query := "SELECT " + runColumns + " FROM pipeline_runs WHERE 1=1"
	var args []any

	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.ProcessName != "" {
		query += " AND process_name = ?"
		args = append(args, f.ProcessName)
	}
	if !f.From.IsZero() {
		query += " AND start_time >= ?"
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		query += " AND start_time <= ?"
		args = append(args, formatTime(f.To))
	}
	query += " ORDER BY start_time DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return ts.queryRuns(ctx, query, args...)
}

func (ts *txStore) queryRuns(ctx context.Context, query string, args ...any) ([]pipeline.RunRecord, error) {
	rows, err := ts.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.RunRecord
	for rows.Next() {
		var r pipeline.RunRecord
		var id, start, status string
		var end, msg sql.NullString
		if err := rows.Scan(&id, &r.ProcessName, &start, &end, &status, &msg); err != nil {
			return nil, err
		}
		r.ID = pipeline.RunID(id)
		r.StartTime = parseTime(start)
		if end.Valid {
			t := parseTime(end.String)
			r.EndTime = &t
		}
		r.Status = pipeline.RunStatus(status)
		r.ErrorMessage = msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AppendError(ctx context.Context, e pipeline.ErrorRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().AppendError(ctx, e)
}

func (ts *txStore) AppendError(ctx context.Context, e pipeline.ErrorRecord) (int64, error) {
	var rowID sql.NullInt64
	if e.SourceRowID != nil {
		rowID = sql.NullInt64{Int64: *e.SourceRowID, Valid: true}
	}
	res, err := ts.q.ExecContext(ctx, `
		INSERT INTO pipeline_errors (run_id, source_table, source_row_id, kind, message, logged_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(e.RunID), e.SourceTable, rowID, string(e.Kind), e.Message, formatTime(e.LoggedAt))
	if err != nil {
		return 0, mapConstraintError(err)
	}
	return res.LastInsertId()
}

func (s *Store) ListErrors(ctx context.Context, runID pipeline.RunID) ([]pipeline.ErrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListErrors(ctx, runID)
}

// ListErrors returns the error log of a run, or of every run when runID is empty.
func (ts *txStore) ListErrors(ctx context.Context, runID pipeline.RunID) ([]pipeline.ErrorRecord, error) {
	query := "SELECT id, run_id, source_table, source_row_id, kind, message, logged_at FROM pipeline_errors"
	var args []any
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, string(runID))
	}
	query += " ORDER BY id"

	rows, err := ts.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.ErrorRecord
	for rows.Next() {
		var e pipeline.ErrorRecord
		var run, kind, loggedAt string
		var rowID sql.NullInt64
		if err := rows.Scan(&e.ID, &run, &e.SourceTable, &rowID, &kind, &e.Message, &loggedAt); err != nil {
			return nil, err
		}
		e.RunID = pipeline.RunID(run)
		e.Kind = pipeline.ErrorKind(kind)
		if rowID.Valid {
			v := rowID.Int64
			e.SourceRowID = &v
		}
		e.LoggedAt = parseTime(loggedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// children before parents
	tables := []string{
		"pipeline_errors", "pipeline_runs", "fact_sales", "payments",
		"order_lines", "orders", "staging_orders", "products", "customers",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func formatDate(t time.Time) string { return pipeline.Day(t).Format(pipeline.DateLayout) }

// mapConstraintError translates SQLite constraint failures into pipeline sentinels.
func mapConstraintError(err error) error {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return err
	}

	switch sqlErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		msg := sqlErr.Error()
		switch {
		case strings.Contains(msg, "orders.customer_id"):
			return fmt.Errorf("%w: %v", pipeline.ErrDuplicateOrder, err)
		case strings.Contains(msg, "order_lines.order_id"):
			return fmt.Errorf("%w: %v", pipeline.ErrDuplicateLine, err)
		}
	case sqlite3.ErrConstraintForeignKey:
		return fmt.Errorf("%w: %v", pipeline.ErrUnknownReference, err)
	}
	return err
}
