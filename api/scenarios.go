/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with reference
	data and staged intake rows demonstrating specific pipeline behavior.
	Staged rows go through the same batch factory as POST /api/staging.

AVAILABLE SCENARIOS:

	shared-order:      Two rows for one customer and day become one order
	unknown-product:   A row referencing a missing product, fixed by correction
	retry-exhaustion:  A row that can never validate and is eventually given up on
	load-conflict:     Two rows on one order line at different prices; the load
	                   rolls back until one of them is corrected
	full-cycle:        Load and merge with no payments, then payments arrive for the next merge

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Seed customers 1-3 and products 5-7
 3. Ingest a staging batch via factory
 4. Optionally run the pipeline and add payments

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "unknown-product"}

	then POST /api/runs, GET /api/staging/quarantine, ...

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: LoadScenario, ListScenarios handlers
  - factory/staging.go: Batch format
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/order-reconciler/pipeline"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "shared-order",
		Name:        "Shared Order",
		Description: "Customer 3 buys two products on 2023-03-01; one order with two lines",
		Category:    "load",
	},
	{
		ID:          "unknown-product",
		Name:        "Unknown Product",
		Description: "Row for product 99 is quarantined; correct it to product 5 and rerun",
		Category:    "retry",
	},
	{
		ID:          "retry-exhaustion",
		Name:        "Retry Exhaustion",
		Description: "Row for unknown customer 42 stays invalid until its retries run out",
		Category:    "retry",
	},
	{
		ID:          "load-conflict",
		Name:        "Load Conflict",
		Description: "Two rows for the same order line at different prices; the load fails until one row is corrected",
		Category:    "load",
	},
	{
		ID:          "full-cycle",
		Name:        "Full Cycle",
		Description: "Loaded and merged before any payment exists; POST /api/merge after the seeded payments to build facts",
		Category:    "merge",
	},
}

const sharedOrderBatch = `
source: demo-shared-order.yaml
rows:
  - {customer: 3, product: 5, quantity: 2, unit_price: "10.00", order_date: 2023-03-01}
  - {customer: 3, product: 6, quantity: 1, unit_price: "4.50", order_date: 2023-03-01}
`

const unknownProductBatch = `
source: demo-unknown-product.yaml
rows:
  - {customer: 1, product: 99, quantity: 2, unit_price: "10.00", order_date: 2023-03-01}
  - {customer: 2, product: 7, quantity: 1, unit_price: "25.00", order_date: 2023-03-01}
`

const retryExhaustionBatch = `
source: demo-retry-exhaustion.yaml
rows:
  - {customer: 42, product: 5, quantity: 1, unit_price: "10.00", order_date: 2023-03-02}
  - {customer: 1, product: 6, quantity: 0, unit_price: "4.50", order_date: 2023-03-02}
`

const loadConflictBatch = `
source: demo-load-conflict.yaml
rows:
  - {customer: 2, product: 5, quantity: 1, unit_price: "10.00", order_date: 2023-03-03}
  - {customer: 2, product: 5, quantity: 3, unit_price: "9.50", order_date: 2023-03-03}
`

const fullCycleBatch = `
source: demo-full-cycle.yaml
rows:
  - {customer: 1, product: 5, quantity: 2, unit_price: "10.00", order_date: 2023-03-01}
  - {customer: 1, product: 7, quantity: 1, unit_price: "25.00", order_date: 2023-03-01}
  - {customer: 2, product: 6, quantity: 4, unit_price: "4.50", order_date: 2023-03-02}
`

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.scenario()
	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          current,
		Name:        current,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "shared-order":
		load = h.stagedScenario(sharedOrderBatch)
	case "unknown-product":
		load = h.stagedScenario(unknownProductBatch)
	case "retry-exhaustion":
		load = h.stagedScenario(retryExhaustionBatch)
	case "load-conflict":
		load = h.stagedScenario(loadConflictBatch)
	case "full-cycle":
		load = h.loadFullCycleScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		h.fail(w, "Failed to reset database", err)
		return
	}
	h.setScenario("")

	if err := h.seedReferenceData(ctx); err != nil {
		h.fail(w, "Failed to seed reference data", err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, statusFor(err), fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.setScenario(req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) seedReferenceData(ctx context.Context) error {
	customers := []pipeline.Customer{
		{ID: 1, Name: "Ada Lovelace", Email: "ada@example.com"},
		{ID: 2, Name: "Grace Hopper", Email: "grace@example.com"},
		{ID: 3, Name: "Linus Torvalds", Email: "linus@example.com"},
	}
	for _, c := range customers {
		if err := h.Store.SaveCustomer(ctx, c); err != nil {
			return err
		}
	}

	products := []pipeline.Product{
		{ID: 5, Name: "Widget", ListPrice: decimal.RequireFromString("10.00")},
		{ID: 6, Name: "Gadget", ListPrice: decimal.RequireFromString("4.50")},
		{ID: 7, Name: "Gizmo", ListPrice: decimal.RequireFromString("25.00")},
	}
	for _, p := range products {
		if err := h.Store.SaveProduct(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) stagedScenario(batch string) func(context.Context) error {
	return func(ctx context.Context) error {
		return h.ingest(ctx, batch)
	}
}

func (h *Handler) ingest(ctx context.Context, batch string) error {
	rows, err := h.Staging.ParseBatch([]byte(batch), "scenario")
	if err != nil {
		return err
	}
	_, err = h.Staging.Ingest(ctx, h.Store, rows)
	return err
}

func (h *Handler) loadFullCycleScenario(ctx context.Context) error {
	if err := h.ingest(ctx, fullCycleBatch); err != nil {
		return err
	}

	out, err := h.Runner.Run(ctx)
	if err != nil {
		return err
	}
	if out.Merge == nil {
		if _, err := h.Runner.Merge(ctx); err != nil {
			return err
		}
	}

	// payments land after the first merge, so no fact exists yet
	paidAt := time.Date(2023, 3, 4, 12, 0, 0, 0, time.UTC)
	for i, orderID := range out.Report.Load.OrdersCreated {
		order, err := h.Store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return fmt.Errorf("%w: %d", pipeline.ErrOrderNotFound, orderID)
		}
		p := pipeline.Payment{
			OrderID: orderID,
			Method:  []string{"card", "paypal"}[i%2],
			Status:  "settled",
			Amount:  order.Total,
			PaidAt:  paidAt.Add(time.Duration(i) * time.Hour),
		}
		if _, err := h.Store.SavePayment(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
