/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario sets up the expected state:
	- Reference data is seeded
	- Staging rows are pending and unprocessed
	- The full-cycle scenario has already loaded and paid its orders
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario_AllLoad(t *testing.T) {
	// GIVEN: Every advertised scenario
	// WHEN: Loading it into a fresh database
	// THEN: It loads and becomes the current scenario
	s := setupTestServer(t)

	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			s.loadScenario(t, sc.ID)

			current := decode[ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios/current", ""))
			assert.Equal(t, sc.ID, current.ID)

			customers, err := s.handler.Store.ListCustomers(context.Background())
			require.NoError(t, err)
			assert.Len(t, customers, 3)
		})
	}
}

func TestScenario_StagedRowsArePending(t *testing.T) {
	s := setupTestServer(t)
	s.loadScenario(t, "retry-exhaustion")

	counts := decode[map[string]int](t, s.do(t, http.MethodGet, "/api/staging/summary", ""))
	assert.Equal(t, map[string]int{"pending": 2}, counts)
}

func TestScenario_FullCycle(t *testing.T) {
	s := setupTestServer(t)
	s.loadScenario(t, "full-cycle")

	orders := decode[[]OrderDTO](t, s.do(t, http.MethodGet, "/api/orders", ""))
	require.Len(t, orders, 2)
	for _, o := range orders {
		detail := decode[OrderDTO](t, s.do(t, http.MethodGet, fmt.Sprintf("/api/orders/%d", o.ID), ""))
		require.Len(t, detail.Payments, 1)
		assert.Equal(t, o.Total, detail.Payments[0].Amount)
	}

	counts := decode[map[string]int](t, s.do(t, http.MethodGet, "/api/staging/summary", ""))
	assert.Equal(t, 3, counts["processed"])
}

func TestScenario_UnknownAndReset(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.loadScenario(t, "shared-order")
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/reset", "").Code)

	assert.Equal(t, "null\n", s.do(t, http.MethodGet, "/api/scenarios/current", "").Body.String())
	assert.Empty(t, decode[[]StagingRowDTO](t, s.do(t, http.MethodGet, "/api/staging", "")))
	assert.Len(t, decode[[]ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios", "")), len(scenarios))
}
