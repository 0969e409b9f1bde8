// Package store provides in-memory pipeline.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/order-reconciler/pipeline"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================
//
// WithTx works on a private copy of the state and swaps it in on success,
// which gives all-or-nothing semantics. Unique and foreign keys are checked
// the way the SQLite schema declares them.

type Memory struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	customers map[pipeline.CustomerID]pipeline.Customer
	products  map[pipeline.ProductID]pipeline.Product
	payments  map[pipeline.PaymentID]pipeline.Payment
	staging   map[pipeline.StagingID]pipeline.StagingRow
	orders    map[pipeline.OrderID]pipeline.Order
	orderKeys map[pipeline.OrderKey]pipeline.OrderID
	lines     map[pipeline.LineID]pipeline.Line
	lineKeys  map[pipeline.LineRef]pipeline.LineID
	facts     map[pipeline.FactKey]pipeline.DerivedFact
	runs      map[pipeline.RunID]pipeline.RunRecord
	errors    []pipeline.ErrorRecord

	nextStaging int64
	nextOrder   int64
	nextLine    int64
	nextPayment int64
	nextError   int64
}

func NewMemory() *Memory {
	return &Memory{st: &state{
		customers: make(map[pipeline.CustomerID]pipeline.Customer),
		products:  make(map[pipeline.ProductID]pipeline.Product),
		payments:  make(map[pipeline.PaymentID]pipeline.Payment),
		staging:   make(map[pipeline.StagingID]pipeline.StagingRow),
		orders:    make(map[pipeline.OrderID]pipeline.Order),
		orderKeys: make(map[pipeline.OrderKey]pipeline.OrderID),
		lines:     make(map[pipeline.LineID]pipeline.Line),
		lineKeys:  make(map[pipeline.LineRef]pipeline.LineID),
		facts:     make(map[pipeline.FactKey]pipeline.DerivedFact),
		runs:      make(map[pipeline.RunID]pipeline.RunRecord),
	}}
}

func (s *state) clone() *state {
	c := *s
	c.customers = cloneMap(s.customers)
	c.products = cloneMap(s.products)
	c.payments = cloneMap(s.payments)
	c.staging = cloneMap(s.staging)
	c.orders = cloneMap(s.orders)
	c.orderKeys = cloneMap(s.orderKeys)
	c.lines = cloneMap(s.lines)
	c.lineKeys = cloneMap(s.lineKeys)
	c.facts = cloneMap(s.facts)
	c.runs = cloneMap(s.runs)
	c.errors = append([]pipeline.ErrorRecord(nil), s.errors...)
	return &c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WithTx runs fn against a copy of the state and commits it if fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(tx pipeline.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	working := m.st.clone()
	if err := fn(&memTx{st: working}); err != nil {
		return err
	}
	m.st = working
	return nil
}

func (m *Memory) read() *memTx {
	return &memTx{st: m.st}
}

// =============================================================================
// SEEDING (reference data is an external collaborator)
// =============================================================================

// AddCustomer inserts or replaces a customer.
func (m *Memory) AddCustomer(c pipeline.Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.customers[c.ID] = c
}

// AddProduct inserts or replaces a product.
func (m *Memory) AddProduct(p pipeline.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.products[p.ID] = p
}

// AddPayment records a payment and returns its id.
func (m *Memory) AddPayment(p pipeline.Payment) (pipeline.PaymentID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.orders[p.OrderID]; !ok {
		return 0, fmt.Errorf("%w: order %d", pipeline.ErrUnknownReference, p.OrderID)
	}
	if p.ID == 0 {
		m.st.nextPayment++
		p.ID = pipeline.PaymentID(m.st.nextPayment)
	}
	m.st.payments[p.ID] = p
	return p.ID, nil
}

// =============================================================================
// LOCKED READ/WRITE WRAPPERS (single statement, outside WithTx)
// =============================================================================

func (m *Memory) ListCustomerIDs(ctx context.Context) ([]pipeline.CustomerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListCustomerIDs(ctx)
}

func (m *Memory) ListProductIDs(ctx context.Context) ([]pipeline.ProductID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListProductIDs(ctx)
}

func (m *Memory) GetStaging(ctx context.Context, id pipeline.StagingID) (*pipeline.StagingRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetStaging(ctx, id)
}

func (m *Memory) ListStaging(ctx context.Context, f pipeline.StagingFilter) ([]pipeline.StagingRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListStaging(ctx, f)
}

func (m *Memory) InsertStaging(ctx context.Context, row pipeline.StagingRow) (pipeline.StagingID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().InsertStaging(ctx, row)
}

func (m *Memory) UpdateStaging(ctx context.Context, row pipeline.StagingRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().UpdateStaging(ctx, row)
}

func (m *Memory) MarkProcessed(ctx context.Context, ids []pipeline.StagingID) error {
	return m.WithTx(ctx, func(tx pipeline.Tx) error { return tx.MarkProcessed(ctx, ids) })
}

func (m *Memory) FindOrder(ctx context.Context, key pipeline.OrderKey) (*pipeline.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().FindOrder(ctx, key)
}

func (m *Memory) GetOrder(ctx context.Context, id pipeline.OrderID) (*pipeline.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetOrder(ctx, id)
}

func (m *Memory) InsertOrder(ctx context.Context, o pipeline.Order) (pipeline.OrderID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().InsertOrder(ctx, o)
}

func (m *Memory) SetOrderTotal(ctx context.Context, id pipeline.OrderID, total decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SetOrderTotal(ctx, id, total)
}

func (m *Memory) GetLine(ctx context.Context, orderID pipeline.OrderID, productID pipeline.ProductID) (*pipeline.Line, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetLine(ctx, orderID, productID)
}

func (m *Memory) ListLines(ctx context.Context, orderID pipeline.OrderID) ([]pipeline.Line, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListLines(ctx, orderID)
}

func (m *Memory) InsertLine(ctx context.Context, l pipeline.Line) (pipeline.LineID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().InsertLine(ctx, l)
}

func (m *Memory) UpdateLine(ctx context.Context, l pipeline.Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().UpdateLine(ctx, l)
}

func (m *Memory) DeleteLine(ctx context.Context, orderID pipeline.OrderID, productID pipeline.ProductID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().DeleteLine(ctx, orderID, productID)
}

func (m *Memory) ListFactSources(ctx context.Context) ([]pipeline.FactSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListFactSources(ctx)
}

func (m *Memory) ListFacts(ctx context.Context) ([]pipeline.DerivedFact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListFacts(ctx)
}

func (m *Memory) InsertFact(ctx context.Context, f pipeline.DerivedFact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().InsertFact(ctx, f)
}

func (m *Memory) UpdateFact(ctx context.Context, f pipeline.DerivedFact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().UpdateFact(ctx, f)
}

func (m *Memory) CreateRun(ctx context.Context, r pipeline.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().CreateRun(ctx, r)
}

func (m *Memory) SealRun(ctx context.Context, id pipeline.RunID, status pipeline.RunStatus, end time.Time, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SealRun(ctx, id, status, end, msg)
}

func (m *Memory) GetRun(ctx context.Context, id pipeline.RunID) (*pipeline.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetRun(ctx, id)
}

func (m *Memory) ListRuns(ctx context.Context, f pipeline.RunFilter) ([]pipeline.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListRuns(ctx, f)
}

func (m *Memory) AppendError(ctx context.Context, e pipeline.ErrorRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().AppendError(ctx, e)
}

func (m *Memory) ListErrors(ctx context.Context, runID pipeline.RunID) ([]pipeline.ErrorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListErrors(ctx, runID)
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

type memTx struct {
	st *state
}

func (t *memTx) ListCustomerIDs(_ context.Context) ([]pipeline.CustomerID, error) {
	ids := make([]pipeline.CustomerID, 0, len(t.st.customers))
	for id := range t.st.customers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *memTx) ListProductIDs(_ context.Context) ([]pipeline.ProductID, error) {
	ids := make([]pipeline.ProductID, 0, len(t.st.products))
	for id := range t.st.products {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *memTx) GetStaging(_ context.Context, id pipeline.StagingID) (*pipeline.StagingRow, error) {
	row, ok := t.st.staging[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (t *memTx) ListStaging(_ context.Context, f pipeline.StagingFilter) ([]pipeline.StagingRow, error) {
	var out []pipeline.StagingRow
	for _, row := range t.st.staging {
		if f.Status != "" && row.Status != f.Status {
			continue
		}
		if f.Processed != nil && row.Processed != *f.Processed {
			continue
		}
		if f.MaxRetryCount != nil && row.RetryCount >= *f.MaxRetryCount {
			continue
		}
		if f.MinRetryCount != nil && row.RetryCount < *f.MinRetryCount {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) InsertStaging(_ context.Context, row pipeline.StagingRow) (pipeline.StagingID, error) {
	if row.Status == "" {
		row.Status = pipeline.StatusPending
	}
	t.st.nextStaging++
	row.ID = pipeline.StagingID(t.st.nextStaging)
	row.OrderDate = pipeline.Day(row.OrderDate)
	t.st.staging[row.ID] = row
	return row.ID, nil
}

func (t *memTx) UpdateStaging(_ context.Context, row pipeline.StagingRow) error {
	cur, ok := t.st.staging[row.ID]
	if !ok {
		return fmt.Errorf("%w: %d", pipeline.ErrStagingRowNotFound, row.ID)
	}
	if cur.Processed {
		return fmt.Errorf("%w: %d", pipeline.ErrStagingRowProcessed, row.ID)
	}
	if row.RetryCount < cur.RetryCount {
		return fmt.Errorf("%w: retry count of staging row %d cannot decrease", pipeline.ErrInvalidInput, row.ID)
	}
	cur.CustomerRef = row.CustomerRef
	cur.ProductRef = row.ProductRef
	cur.Quantity = row.Quantity
	cur.UnitPrice = row.UnitPrice
	cur.OrderDate = pipeline.Day(row.OrderDate)
	cur.Status = row.Status
	cur.RetryCount = row.RetryCount
	t.st.staging[row.ID] = cur
	return nil
}

func (t *memTx) MarkProcessed(_ context.Context, ids []pipeline.StagingID) error {
	for _, id := range ids {
		row, ok := t.st.staging[id]
		if !ok {
			return fmt.Errorf("%w: %d", pipeline.ErrStagingRowNotFound, id)
		}
		if row.Processed {
			return fmt.Errorf("%w: %d", pipeline.ErrStagingRowProcessed, id)
		}
		row.Processed = true
		t.st.staging[id] = row
	}
	return nil
}

func (t *memTx) FindOrder(_ context.Context, key pipeline.OrderKey) (*pipeline.Order, error) {
	id, ok := t.st.orderKeys[key]
	if !ok {
		return nil, nil
	}
	o := t.st.orders[id]
	return &o, nil
}

func (t *memTx) GetOrder(_ context.Context, id pipeline.OrderID) (*pipeline.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (t *memTx) InsertOrder(_ context.Context, o pipeline.Order) (pipeline.OrderID, error) {
	if _, ok := t.st.customers[o.CustomerID]; !ok {
		return 0, fmt.Errorf("%w: customer %d", pipeline.ErrUnknownReference, o.CustomerID)
	}
	key := o.Key()
	if _, dup := t.st.orderKeys[key]; dup {
		return 0, fmt.Errorf("%w: customer %d on %s", pipeline.ErrDuplicateOrder, key.CustomerID, key.OrderDate)
	}
	t.st.nextOrder++
	o.ID = pipeline.OrderID(t.st.nextOrder)
	o.OrderDate = pipeline.Day(o.OrderDate)
	t.st.orders[o.ID] = o
	t.st.orderKeys[key] = o.ID
	return o.ID, nil
}

func (t *memTx) SetOrderTotal(_ context.Context, id pipeline.OrderID, total decimal.Decimal) error {
	o, ok := t.st.orders[id]
	if !ok {
		return fmt.Errorf("%w: %d", pipeline.ErrOrderNotFound, id)
	}
	o.Total = total
	t.st.orders[id] = o
	return nil
}

func (t *memTx) GetLine(_ context.Context, orderID pipeline.OrderID, productID pipeline.ProductID) (*pipeline.Line, error) {
	id, ok := t.st.lineKeys[pipeline.LineRef{OrderID: orderID, ProductID: productID}]
	if !ok {
		return nil, nil
	}
	l := t.st.lines[id]
	return &l, nil
}

func (t *memTx) ListLines(_ context.Context, orderID pipeline.OrderID) ([]pipeline.Line, error) {
	var out []pipeline.Line
	for _, l := range t.st.lines {
		if l.OrderID == orderID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) InsertLine(_ context.Context, l pipeline.Line) (pipeline.LineID, error) {
	if _, ok := t.st.orders[l.OrderID]; !ok {
		return 0, fmt.Errorf("%w: order %d", pipeline.ErrUnknownReference, l.OrderID)
	}
	if _, ok := t.st.products[l.ProductID]; !ok {
		return 0, fmt.Errorf("%w: product %d", pipeline.ErrUnknownReference, l.ProductID)
	}
	ref := pipeline.LineRef{OrderID: l.OrderID, ProductID: l.ProductID}
	if _, dup := t.st.lineKeys[ref]; dup {
		return 0, fmt.Errorf("%w: order %d product %d", pipeline.ErrDuplicateLine, l.OrderID, l.ProductID)
	}
	t.st.nextLine++
	l.ID = pipeline.LineID(t.st.nextLine)
	t.st.lines[l.ID] = l
	t.st.lineKeys[ref] = l.ID
	return l.ID, nil
}

func (t *memTx) UpdateLine(_ context.Context, l pipeline.Line) error {
	ref := pipeline.LineRef{OrderID: l.OrderID, ProductID: l.ProductID}
	id, ok := t.st.lineKeys[ref]
	if !ok {
		return fmt.Errorf("%w: order %d product %d", pipeline.ErrLineNotFound, l.OrderID, l.ProductID)
	}
	l.ID = id
	t.st.lines[id] = l
	return nil
}

func (t *memTx) DeleteLine(_ context.Context, orderID pipeline.OrderID, productID pipeline.ProductID) error {
	ref := pipeline.LineRef{OrderID: orderID, ProductID: productID}
	id, ok := t.st.lineKeys[ref]
	if !ok {
		return fmt.Errorf("%w: order %d product %d", pipeline.ErrLineNotFound, orderID, productID)
	}
	delete(t.st.lines, id)
	delete(t.st.lineKeys, ref)
	return nil
}

// latestPayment picks the payment with the greatest (PaidAt, ID) per order.
func (t *memTx) latestPayment() map[pipeline.OrderID]pipeline.Payment {
	latest := make(map[pipeline.OrderID]pipeline.Payment)
	for _, p := range t.st.payments {
		cur, ok := latest[p.OrderID]
		if !ok || p.PaidAt.After(cur.PaidAt) || (p.PaidAt.Equal(cur.PaidAt) && p.ID > cur.ID) {
			latest[p.OrderID] = p
		}
	}
	return latest
}

func (t *memTx) ListFactSources(_ context.Context) ([]pipeline.FactSource, error) {
	payments := t.latestPayment()
	var out []pipeline.FactSource
	for _, l := range t.st.lines {
		p, ok := payments[l.OrderID]
		if !ok {
			continue
		}
		o := t.st.orders[l.OrderID]
		out = append(out, pipeline.FactSource{
			OrderID:       l.OrderID,
			ProductID:     l.ProductID,
			CustomerID:    o.CustomerID,
			OrderDate:     o.OrderDate,
			Quantity:      l.Quantity,
			LineTotal:     l.LineTotal,
			PaymentMethod: p.Method,
			PaymentStatus: p.Status,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderID != out[j].OrderID {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out, nil
}

func (t *memTx) ListFacts(_ context.Context) ([]pipeline.DerivedFact, error) {
	out := make([]pipeline.DerivedFact, 0, len(t.st.facts))
	for _, f := range t.st.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderID != out[j].OrderID {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out, nil
}

func (t *memTx) InsertFact(_ context.Context, f pipeline.DerivedFact) error {
	if _, dup := t.st.facts[f.Key()]; dup {
		return fmt.Errorf("fact order %d product %d already exists", f.OrderID, f.ProductID)
	}
	t.st.facts[f.Key()] = f
	return nil
}

func (t *memTx) UpdateFact(_ context.Context, f pipeline.DerivedFact) error {
	if _, ok := t.st.facts[f.Key()]; !ok {
		return fmt.Errorf("fact order %d product %d does not exist", f.OrderID, f.ProductID)
	}
	t.st.facts[f.Key()] = f
	return nil
}

func (t *memTx) CreateRun(_ context.Context, r pipeline.RunRecord) error {
	if _, dup := t.st.runs[r.ID]; dup {
		return fmt.Errorf("run %s already exists", r.ID)
	}
	t.st.runs[r.ID] = r
	return nil
}

func (t *memTx) SealRun(_ context.Context, id pipeline.RunID, status pipeline.RunStatus, end time.Time, msg string) error {
	r, ok := t.st.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
	}
	if r.Status != pipeline.RunStarted {
		return fmt.Errorf("%w: %s is %s", pipeline.ErrRunSealed, id, r.Status)
	}
	r.Status = status
	r.EndTime = &end
	r.ErrorMessage = msg
	t.st.runs[id] = r
	return nil
}

func (t *memTx) GetRun(_ context.Context, id pipeline.RunID) (*pipeline.RunRecord, error) {
	r, ok := t.st.runs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (t *memTx) ListRuns(_ context.Context, f pipeline.RunFilter) ([]pipeline.RunRecord, error) {
	var out []pipeline.RunRecord
	for _, r := range t.st.runs {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.ProcessName != "" && r.ProcessName != f.ProcessName {
			continue
		}
		if !f.From.IsZero() && r.StartTime.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && r.StartTime.After(f.To) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) AppendError(_ context.Context, e pipeline.ErrorRecord) (int64, error) {
	if _, ok := t.st.runs[e.RunID]; !ok {
		return 0, fmt.Errorf("%w: run %s", pipeline.ErrUnknownReference, e.RunID)
	}
	t.st.nextError++
	e.ID = t.st.nextError
	t.st.errors = append(t.st.errors, e)
	return e.ID, nil
}

func (t *memTx) ListErrors(_ context.Context, runID pipeline.RunID) ([]pipeline.ErrorRecord, error) {
	var out []pipeline.ErrorRecord
	for _, e := range t.st.errors {
		if runID == "" || e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}
