/*
handlers.go - HTTP API handlers for the order reconciliation pipeline

PURPOSE:
  Exposes the reconciliation pipeline via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the pipeline.

ENDPOINTS:
  Runs:
    POST   /api/runs                    Trigger a reconciliation run
    GET    /api/runs                    Run history (?status=&process=&from=&to=&limit=)
    GET    /api/runs/{id}               Run with its error log
    GET    /api/runs/{id}/errors        Error log of one run
    POST   /api/merge                   Trigger a fact table merge
    GET    /api/errors                  Error log of all runs

  Staging:
    POST   /api/staging                 Ingest a YAML/JSON batch (?source=)
    GET    /api/staging                 List rows (?status=&processed=&limit=)
    GET    /api/staging/summary         Row counts per status
    GET    /api/staging/quarantine      Rows eligible for retry
    GET    /api/staging/exhausted       Rows given up on
    GET    /api/staging/{id}            Single row
    POST   /api/staging/{id}/correction Correct a quarantined row

  Orders:
    GET    /api/orders                  List orders (?customer_id=&limit=)
    GET    /api/orders/{id}             Order with lines and payments
    PUT    /api/orders/{id}/lines/{productID}  Rewrite a line
    DELETE /api/orders/{id}/lines/{productID}  Remove a line
    POST   /api/orders/{id}/payments    Record a payment

  Facts:
    GET    /api/facts                   Sales fact table

  Reference data:
    GET/POST /api/customers, GET/POST /api/products

  Scenarios:
    GET    /api/scenarios               List demo scenarios
    POST   /api/scenarios/load          Load a demo scenario

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Database access
  - Runner: Serialized access to the Reconciler
  - Staging: Batch parsing

RUN OUTCOMES:
  A run that was started and sealed failed is still a recorded outcome:
  it is returned with 200, run.status = "failed" and the error attached.
  Only runs that could not be recorded at all answer 500.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, unknown references
  - 404: Resource not found
  - 409: Conflict (sealed run, processed row, exhausted row, run in progress)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/order-reconciler/factory"
	"github.com/warp/order-reconciler/pipeline"
	"github.com/warp/order-reconciler/store/sqlite"
)

// maxBatchBytes bounds an ingested batch body.
const maxBatchBytes = 10 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Runner  *Runner
	Staging *factory.StagingFactory
	Logger  *zap.Logger

	// Track currently loaded scenario
	mu              sync.RWMutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(store *sqlite.Store, runner *Runner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:   store,
		Runner:  runner,
		Staging: factory.NewStagingFactory(),
		Logger:  logger.Named("api"),
	}
}

func (h *Handler) reconciler() *pipeline.Reconciler { return h.Runner.Reconciler }

// =============================================================================
// RUN HANDLERS
// =============================================================================

// TriggerRun executes one reconciliation run (and a merge when configured).
// POST /api/runs
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	out, err := h.Runner.Run(r.Context())
	if err != nil && (errors.Is(err, ErrRunInProgress) || out.Report.Run.ID == "") {
		h.fail(w, "Failed to run reconciliation", err)
		return
	}

	resp := NewRunResponse(out)
	switch {
	case err == nil:
	case out.Merge != nil:
		// the run succeeded, its merge did not
		resp.Merge.Error = err.Error()
	default:
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// TriggerMerge executes one fact table merge.
// POST /api/merge
func (h *Handler) TriggerMerge(w http.ResponseWriter, r *http.Request) {
	report, err := h.Runner.Merge(r.Context())
	if err != nil && (errors.Is(err, ErrRunInProgress) || report.Run.ID == "") {
		h.fail(w, "Failed to merge facts", err)
		return
	}

	resp := NewMergeResponse(report)
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListRuns returns run history, newest first.
// GET /api/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := pipeline.RunFilter{
		Status:      pipeline.RunStatus(q.Get("status")),
		ProcessName: q.Get("process"),
	}

	var err error
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from (use RFC3339)", err)
		return
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to (use RFC3339)", err)
		return
	}
	if filter.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	runs, err := h.Store.ListRuns(r.Context(), filter)
	if err != nil {
		h.fail(w, "Failed to list runs", err)
		return
	}

	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = NewRunDTO(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// GetRun returns one run and its error log.
// GET /api/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := pipeline.RunID(chi.URLParam(r, "id"))

	run, err := h.Store.GetRun(ctx, id)
	if err != nil {
		h.fail(w, "Failed to get run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "Run not found", nil)
		return
	}

	errs, err := h.Store.ListErrors(ctx, id)
	if err != nil {
		h.fail(w, "Failed to list run errors", err)
		return
	}

	writeJSON(w, http.StatusOK, RunDetailResponse{
		Run:    NewRunDTO(*run),
		Errors: NewErrorRecordDTOs(errs),
	})
}

// ListRunErrors returns the error log of one run.
// GET /api/runs/{id}/errors
func (h *Handler) ListRunErrors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := pipeline.RunID(chi.URLParam(r, "id"))

	run, err := h.Store.GetRun(ctx, id)
	if err != nil {
		h.fail(w, "Failed to get run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "Run not found", nil)
		return
	}

	errs, err := h.Store.ListErrors(ctx, id)
	if err != nil {
		h.fail(w, "Failed to list run errors", err)
		return
	}
	writeJSON(w, http.StatusOK, NewErrorRecordDTOs(errs))
}

// ListErrors returns the error log of every run.
// GET /api/errors
func (h *Handler) ListErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := h.Store.ListErrors(r.Context(), "")
	if err != nil {
		h.fail(w, "Failed to list errors", err)
		return
	}
	writeJSON(w, http.StatusOK, NewErrorRecordDTOs(errs))
}

// =============================================================================
// STAGING HANDLERS
// =============================================================================

// IngestStaging appends a batch of rows to the staging buffer.
// POST /api/staging
func (h *Handler) IngestStaging(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBatchBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}

	source := r.URL.Query().Get("source")
	if source == "" {
		source = "api"
	}

	rows, err := h.Staging.ParseBatch(body, source)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch", err)
		return
	}

	ids, err := h.Staging.Ingest(r.Context(), h.Store, rows)
	if err != nil {
		h.fail(w, "Failed to ingest batch", err)
		return
	}

	resp := IngestResponse{Source: rows[0].SourceFile, Count: len(ids), StagingIDs: make([]int64, len(ids))}
	for i, id := range ids {
		resp.StagingIDs[i] = int64(id)
	}
	h.Logger.Info("batch ingested", zap.String("source", resp.Source), zap.Int("rows", resp.Count))
	writeJSON(w, http.StatusCreated, resp)
}

// ListStaging returns staging rows.
// GET /api/staging
func (h *Handler) ListStaging(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := pipeline.StagingFilter{Status: pipeline.ValidationStatus(q.Get("status"))}
	if filter.Status != "" && !filter.Status.IsValid() {
		writeError(w, http.StatusBadRequest, "Invalid status (use pending, valid or invalid)", nil)
		return
	}
	if p := q.Get("processed"); p != "" {
		processed, err := strconv.ParseBool(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid processed flag", err)
			return
		}
		filter.Processed = &processed
	}
	var err error
	if filter.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	rows, err := h.Store.ListStaging(r.Context(), filter)
	if err != nil {
		h.fail(w, "Failed to list staging rows", err)
		return
	}
	writeJSON(w, http.StatusOK, NewStagingRowDTOs(rows))
}

// StagingSummary returns row counts per status, processed rows counted apart.
// GET /api/staging/summary
func (h *Handler) StagingSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Store.StagingCounts(r.Context())
	if err != nil {
		h.fail(w, "Failed to count staging rows", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// ListQuarantine returns invalid rows that still have retries left.
// GET /api/staging/quarantine
func (h *Handler) ListQuarantine(w http.ResponseWriter, r *http.Request) {
	rows, err := h.reconciler().Retry().Quarantined(r.Context())
	if err != nil {
		h.fail(w, "Failed to list quarantined rows", err)
		return
	}
	writeJSON(w, http.StatusOK, NewStagingRowDTOs(rows))
}

// ListExhausted returns invalid rows with no retries left.
// GET /api/staging/exhausted
func (h *Handler) ListExhausted(w http.ResponseWriter, r *http.Request) {
	rows, err := h.reconciler().Retry().Exhausted(r.Context())
	if err != nil {
		h.fail(w, "Failed to list exhausted rows", err)
		return
	}
	writeJSON(w, http.StatusOK, NewStagingRowDTOs(rows))
}

// GetStaging returns a single staging row.
// GET /api/staging/{id}
func (h *Handler) GetStaging(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid staging id", err)
		return
	}

	row, err := h.Store.GetStaging(r.Context(), pipeline.StagingID(id))
	if err != nil {
		h.fail(w, "Failed to get staging row", err)
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "Staging row not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, NewStagingRowDTO(*row))
}

// CorrectStaging rewrites fields of a quarantined row so the next run retries it.
// POST /api/staging/{id}/correction
func (h *Handler) CorrectStaging(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid staging id", err)
		return
	}

	var req CorrectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	corr, err := req.toCorrection()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid correction", err)
		return
	}

	row, err := h.reconciler().Retry().Correct(r.Context(), pipeline.StagingID(id), corr)
	if err != nil {
		h.fail(w, "Failed to correct staging row", err)
		return
	}
	writeJSON(w, http.StatusOK, NewStagingRowDTO(row))
}

func (req CorrectionRequest) toCorrection() (pipeline.Correction, error) {
	var c pipeline.Correction
	if req.CustomerRef != nil {
		id := pipeline.CustomerID(*req.CustomerRef)
		c.CustomerRef = &id
	}
	if req.ProductRef != nil {
		id := pipeline.ProductID(*req.ProductRef)
		c.ProductRef = &id
	}
	c.Quantity = req.Quantity
	if req.UnitPrice != nil {
		price, err := decimal.NewFromString(*req.UnitPrice)
		if err != nil {
			return c, fmt.Errorf("unit_price: %w", err)
		}
		c.UnitPrice = &price
	}
	if req.OrderDate != nil {
		d, err := pipeline.ParseDate(*req.OrderDate)
		if err != nil {
			return c, fmt.Errorf("order_date (use YYYY-MM-DD): %w", err)
		}
		c.OrderDate = &d
	}
	return c, nil
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// ListOrders returns normalized orders, newest first.
// GET /api/orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var customerID int64
	if c := q.Get("customer_id"); c != "" {
		var err error
		if customerID, err = strconv.ParseInt(c, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid customer_id", err)
			return
		}
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	orders, err := h.Store.ListOrders(r.Context(), pipeline.CustomerID(customerID), limit)
	if err != nil {
		h.fail(w, "Failed to list orders", err)
		return
	}

	dtos := make([]OrderDTO, len(orders))
	for i, o := range orders {
		dtos[i] = toOrderDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetOrder returns an order with its lines and payments.
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order id", err)
		return
	}

	order, err := h.Store.GetOrder(ctx, pipeline.OrderID(id))
	if err != nil {
		h.fail(w, "Failed to get order", err)
		return
	}
	if order == nil {
		writeError(w, http.StatusNotFound, "Order not found", nil)
		return
	}

	lines, err := h.Store.ListLines(ctx, order.ID)
	if err != nil {
		h.fail(w, "Failed to list order lines", err)
		return
	}
	payments, err := h.Store.ListPayments(ctx, order.ID)
	if err != nil {
		h.fail(w, "Failed to list payments", err)
		return
	}

	dto := toOrderDTO(*order)
	for _, l := range lines {
		dto.Lines = append(dto.Lines, toLineDTO(l))
	}
	for _, p := range payments {
		dto.Payments = append(dto.Payments, toPaymentDTO(p))
	}
	writeJSON(w, http.StatusOK, dto)
}

// UpdateOrderLine rewrites quantity and unit price of a line and recomputes the order total.
// PUT /api/orders/{id}/lines/{productID}
func (h *Handler) UpdateOrderLine(w http.ResponseWriter, r *http.Request) {
	orderID, productID, ok := lineParams(w, r)
	if !ok {
		return
	}

	var req UpdateLineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	price, err := decimal.NewFromString(req.UnitPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unit_price", err)
		return
	}

	order, err := h.reconciler().UpdateLine(r.Context(), orderID, productID, req.Quantity, price)
	if err != nil {
		h.fail(w, "Failed to update line", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// DeleteOrderLine removes a line and recomputes the order total.
// DELETE /api/orders/{id}/lines/{productID}
func (h *Handler) DeleteOrderLine(w http.ResponseWriter, r *http.Request) {
	orderID, productID, ok := lineParams(w, r)
	if !ok {
		return
	}

	order, err := h.reconciler().DeleteLine(r.Context(), orderID, productID)
	if err != nil {
		h.fail(w, "Failed to delete line", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// CreatePayment records a payment against an order.
// POST /api/orders/{id}/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order id", err)
		return
	}

	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Method == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "method and status are required", nil)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	paidAt := time.Now().UTC()
	if req.PaidAt != nil {
		if paidAt, err = time.Parse(time.RFC3339, *req.PaidAt); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paid_at (use RFC3339)", err)
			return
		}
	}

	p := pipeline.Payment{
		OrderID: pipeline.OrderID(id),
		Method:  req.Method,
		Status:  req.Status,
		Amount:  amount,
		PaidAt:  paidAt,
	}
	if p.ID, err = h.Store.SavePayment(r.Context(), p); err != nil {
		if errors.Is(err, pipeline.ErrUnknownReference) {
			writeError(w, http.StatusNotFound, "Order not found", err)
			return
		}
		h.fail(w, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

// =============================================================================
// FACT HANDLERS
// =============================================================================

// ListFacts returns the sales fact table.
// GET /api/facts
func (h *Handler) ListFacts(w http.ResponseWriter, r *http.Request) {
	facts, err := h.Store.ListFacts(r.Context())
	if err != nil {
		h.fail(w, "Failed to list facts", err)
		return
	}

	dtos := make([]FactDTO, len(facts))
	for i, f := range facts {
		dtos[i] = toFactDTO(f)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REFERENCE DATA HANDLERS
// =============================================================================

// ListCustomers returns all customers.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Store.ListCustomers(r.Context())
	if err != nil {
		h.fail(w, "Failed to list customers", err)
		return
	}

	dtos := make([]CustomerDTO, len(customers))
	for i, c := range customers {
		dtos[i] = CustomerDTO{
			ID:        int64(c.ID),
			Name:      c.Name,
			Email:     c.Email,
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCustomer creates or renames a customer.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID <= 0 || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}

	c := pipeline.Customer{ID: pipeline.CustomerID(req.ID), Name: req.Name, Email: req.Email}
	if err := h.Store.SaveCustomer(r.Context(), c); err != nil {
		h.fail(w, "Failed to create customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, CustomerDTO{ID: req.ID, Name: req.Name, Email: req.Email})
}

// ListProducts returns all products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Store.ListProducts(r.Context())
	if err != nil {
		h.fail(w, "Failed to list products", err)
		return
	}

	dtos := make([]ProductDTO, len(products))
	for i, p := range products {
		dtos[i] = ProductDTO{
			ID:        int64(p.ID),
			Name:      p.Name,
			ListPrice: p.ListPrice.StringFixed(2),
			CreatedAt: p.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateProduct creates or reprices a product.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID <= 0 || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}
	price, err := decimal.NewFromString(req.ListPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid list_price", err)
		return
	}

	p := pipeline.Product{ID: pipeline.ProductID(req.ID), Name: req.Name, ListPrice: price}
	if err := h.Store.SaveProduct(r.Context(), p); err != nil {
		h.fail(w, "Failed to create product", err)
		return
	}
	writeJSON(w, http.StatusCreated, ProductDTO{ID: req.ID, Name: req.Name, ListPrice: price.StringFixed(2)})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		h.fail(w, "Failed to reset database", err)
		return
	}

	h.setScenario("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a pipeline error to its HTTP status. Internal errors are logged.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrRunInProgress):
		return http.StatusConflict
	case pipeline.IsNotFound(err):
		return http.StatusNotFound
	case pipeline.IsConflict(err):
		return http.StatusConflict
	case pipeline.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func parseIDParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%q is not a positive integer", chi.URLParam(r, name))
	}
	return id, nil
}

func lineParams(w http.ResponseWriter, r *http.Request) (pipeline.OrderID, pipeline.ProductID, bool) {
	orderID, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order id", err)
		return 0, 0, false
	}
	productID, err := parseIDParam(r, "productID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid product id", err)
		return 0, 0, false
	}
	return pipeline.OrderID(orderID), pipeline.ProductID(productID), true
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%q is not a non-negative integer", s)
	}
	return n, nil
}

func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func (h *Handler) setScenario(id string) {
	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
}

func (h *Handler) scenario() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentScenario
}
