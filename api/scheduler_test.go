package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunNow(t *testing.T) {
	// GIVEN: Staged rows and a scheduler over the shared runner
	s := setupTestServer(t)
	s.loadScenario(t, "shared-order")
	sched := NewReconciliationScheduler(s.handler.Runner, nil)

	// WHEN: A tick runs
	sched.RunNow(context.Background())

	// THEN: The rows were loaded and the tick time recorded
	assert.False(t, sched.LastRun().IsZero())
	orders := decode[[]OrderDTO](t, s.do(t, http.MethodGet, "/api/orders", ""))
	assert.Len(t, orders, 1)
	assert.WithinDuration(t, sched.LastRun().Add(time.Hour), sched.GetNextRunTime(), time.Second)
}

func TestScheduler_SkipsWhileRunInProgress(t *testing.T) {
	// GIVEN: A manual run holds the runner
	s := setupTestServer(t)
	sched := NewReconciliationScheduler(s.handler.Runner, nil)
	s.handler.Runner.mu.Lock()

	// WHEN: A tick fires
	sched.RunNow(context.Background())
	s.handler.Runner.mu.Unlock()

	// THEN: The tick was skipped without recording a run
	assert.True(t, sched.LastRun().IsZero())
	runs := decode[map[string][]RunDTO](t, s.do(t, http.MethodGet, "/api/runs", ""))
	assert.Empty(t, runs["runs"])
}

func TestScheduler_StartStop(t *testing.T) {
	s := setupTestServer(t)
	s.loadScenario(t, "shared-order")

	sched := NewReconciliationScheduler(s.handler.Runner, nil)
	sched.Interval = time.Hour
	sched.Start()
	sched.Start() // second start is a no-op

	// Start ticks immediately
	require.Eventually(t, func() bool { return !sched.LastRun().IsZero() }, 5*time.Second, 10*time.Millisecond)
	sched.Stop()
	sched.Stop()

	runs := decode[map[string][]RunDTO](t, s.do(t, http.MethodGet, "/api/runs?process=reconcile_staging", ""))
	assert.Len(t, runs["runs"], 1)
}

func TestScheduler_Disabled(t *testing.T) {
	s := setupTestServer(t)
	sched := NewReconciliationScheduler(s.handler.Runner, nil)
	sched.Enabled = false

	sched.Start()
	sched.Stop()

	assert.True(t, sched.LastRun().IsZero())
}
