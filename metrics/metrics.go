// Package metrics exposes pipeline measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/order-reconciler/pipeline"
)

// Registry implements pipeline.Observer.
type Registry struct {
	reg *prometheus.Registry

	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	ValidatedRows *prometheus.CounterVec
	ExhaustedRows prometheus.Counter
	LoadedRows    prometheus.Counter
	LoadDuration  prometheus.Histogram
	OrdersCreated prometheus.Counter
	LinesCreated  prometheus.Counter
	MergeRows     *prometheus.CounterVec
	StaleFacts    prometheus.Gauge
}

var _ pipeline.Observer = (*Registry)(nil)

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_runs_total",
		Help: "Pipeline runs by process and terminal status.",
	}, []string{"process", "status"})
	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconciler_run_duration_seconds",
		Help:    "Wall time from run start to seal.",
		Buckets: prometheus.DefBuckets,
	}, []string{"process"})
	validated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_staging_rows_validated_total",
		Help: "Staging rows through the validator by verdict.",
	}, []string{"verdict"})
	exhausted := prometheus.NewCounter(prometheus.CounterOpts{Name: "reconciler_staging_rows_exhausted_total"})
	loaded := prometheus.NewCounter(prometheus.CounterOpts{Name: "reconciler_staging_rows_loaded_total"})
	loadDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconciler_load_duration_seconds",
		Help:    "Wall time of committed load units.",
		Buckets: prometheus.DefBuckets,
	})
	orders := prometheus.NewCounter(prometheus.CounterOpts{Name: "reconciler_orders_created_total"})
	lines := prometheus.NewCounter(prometheus.CounterOpts{Name: "reconciler_lines_created_total"})
	mergeRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_fact_merge_rows_total",
		Help: "Fact rows seen by the merge engine by action.",
	}, []string{"action"})
	stale := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reconciler_fact_stale_rows",
		Help: "Fact rows without a source row at the last merge.",
	})

	r.MustRegister(runs, runDuration, validated, exhausted, loaded, loadDuration, orders, lines, mergeRows, stale)
	return &Registry{
		reg:           r,
		Runs:          runs,
		RunDuration:   runDuration,
		ValidatedRows: validated,
		ExhaustedRows: exhausted,
		LoadedRows:    loaded,
		LoadDuration:  loadDuration,
		OrdersCreated: orders,
		LinesCreated:  lines,
		MergeRows:     mergeRows,
		StaleFacts:    stale,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

func (r *Registry) RunFinished(process string, status pipeline.RunStatus, elapsed time.Duration) {
	r.Runs.WithLabelValues(process, string(status)).Inc()
	r.RunDuration.WithLabelValues(process).Observe(elapsed.Seconds())
}

func (r *Registry) RowsValidated(valid, invalid, exhausted int) {
	r.ValidatedRows.WithLabelValues("valid").Add(float64(valid))
	r.ValidatedRows.WithLabelValues("invalid").Add(float64(invalid))
	r.ExhaustedRows.Add(float64(exhausted))
}

func (r *Registry) RowsLoaded(rows, orders, lines int, elapsed time.Duration) {
	r.LoadedRows.Add(float64(rows))
	r.LoadDuration.Observe(elapsed.Seconds())
	r.OrdersCreated.Add(float64(orders))
	r.LinesCreated.Add(float64(lines))
}

func (r *Registry) MergeApplied(res pipeline.MergeResult) {
	r.MergeRows.WithLabelValues("inserted").Add(float64(res.Inserted))
	r.MergeRows.WithLabelValues("updated").Add(float64(res.Updated))
	r.MergeRows.WithLabelValues("unchanged").Add(float64(res.Unchanged))
	r.StaleFacts.Set(float64(res.Stale))
}
