package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/order-reconciler/pipeline"
)

func TestRegistry_Observer(t *testing.T) {
	r := NewRegistry()

	r.RunFinished("reconcile_staging", pipeline.RunSuccess, time.Second)
	r.RunFinished("reconcile_staging", pipeline.RunFailed, time.Second)
	r.RowsValidated(3, 2, 1)
	r.RowsLoaded(3, 1, 3, 250*time.Millisecond)
	r.MergeApplied(pipeline.MergeResult{Inserted: 2, Updated: 1, Unchanged: 4, Stale: 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.Runs.WithLabelValues("reconcile_staging", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Runs.WithLabelValues("reconcile_staging", "failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.ValidatedRows.WithLabelValues("valid")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.ValidatedRows.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ExhaustedRows))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.LinesCreated))
	assert.Equal(t, 1, testutil.CollectAndCount(r.LoadDuration))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.MergeRows.WithLabelValues("inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.StaleFacts))
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.RowsLoaded(1, 1, 1, time.Second)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "reconciler_staging_rows_loaded_total 1"))
	assert.Contains(t, rec.Body.String(), "reconciler_load_duration_seconds_count 1")
}
