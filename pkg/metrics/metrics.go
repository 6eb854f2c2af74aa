// Package metrics records combine run metrics. A run is a batch job, so the
// metrics live in a private registry that is pushed to a Pushgateway when the
// run ends instead of being scraped.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/ekaya-inc/ekaya-combine/pkg/models"
)

// Metrics provides observability for combine runs.
type Metrics struct {
	registry *prometheus.Registry

	// Stage durations by stage kind and outcome
	StageDuration *prometheus.HistogramVec

	// Stage outcomes by stage kind and status
	StageResults *prometheus.CounterVec

	// Rows in each mapping table after the last verified mapping stage
	MappingRows *prometheus.GaugeVec

	// Duration of the whole run
	RunDuration prometheus.Gauge

	// Unix time of the last successful run
	LastSuccess prometheus.Gauge
}

// New creates a Metrics instance with every metric registered in its own
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "combine_stage_duration_seconds",
			Help:    "Duration of combine pipeline stages",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind", "status"}), // kind: "consent", "root_copy", "mapping", "load"

		StageResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "combine_stage_results_total",
			Help: "Total stage outcomes by kind and status",
		}, []string{"kind", "status"}),

		MappingRows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "combine_mapping_rows",
			Help: "Rows in a table's surrogate key mapping",
		}, []string{"table"}),

		RunDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "combine_run_duration_seconds",
			Help: "Duration of the last combine run",
		}),

		LastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "combine_last_success_timestamp_seconds",
			Help: "Unix time of the last successful combine run",
		}),
	}
}

// Registry returns the registry the metrics are registered in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStage records a finished stage.
func (m *Metrics) ObserveStage(name models.StageName, status models.StageStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.StageResults.WithLabelValues(name.Kind(), string(status)).Inc()
	if status != models.StageStatusSkipped {
		m.StageDuration.WithLabelValues(name.Kind(), string(status)).Observe(d.Seconds())
	}
}

// SetMappingRows records the size of a table's mapping.
func (m *Metrics) SetMappingRows(table string, rows int64) {
	if m != nil {
		m.MappingRows.WithLabelValues(table).Set(float64(rows))
	}
}

// ObserveRun records the outcome of a whole run.
func (m *Metrics) ObserveRun(status models.RunStatus, d time.Duration, finishedAt time.Time) {
	if m == nil {
		return
	}
	m.RunDuration.Set(d.Seconds())
	if status == models.RunStatusCompleted {
		m.LastSuccess.Set(float64(finishedAt.Unix()))
	}
}

// Push sends every metric to a Pushgateway, replacing the job's previous
// group. The run id is attached as the instance label.
func (m *Metrics) Push(ctx context.Context, url, job, runID string) error {
	if m == nil || url == "" {
		return nil
	}
	err := push.New(url, job).
		Gatherer(m.registry).
		Grouping("instance", runID).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
