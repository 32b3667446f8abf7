// Package metrics records Prometheus metrics for dataset loading and training.
// Every Recorder owns a private registry so several can coexist in one process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Example statuses
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Recorder holds the collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	// examplesTotal counts processed examples by mode and status
	examplesTotal *prometheus.CounterVec

	// exampleDuration tracks load plus preprocessing time per example
	exampleDuration *prometheus.HistogramVec

	batchesTotal *prometheus.CounterVec

	// trainingScalar exposes the latest value of each training scalar
	trainingScalar *prometheus.GaugeVec
	trainingStep   *prometheus.GaugeVec
}

// New creates a Recorder with its own registry. The Go runtime and process
// collectors are registered alongside the application metrics.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		examplesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mrivolprep_examples_total",
				Help: "Total number of examples loaded",
			},
			[]string{"mode", "status"},
		),
		exampleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mrivolprep_example_duration_seconds",
				Help:    "Example load and preprocessing latency in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"mode"},
		),
		batchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mrivolprep_batches_total",
				Help: "Total number of batches assembled",
			},
			[]string{"mode"},
		),
		trainingScalar: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mrivolprep_training_scalar",
				Help: "Latest value of a training scalar such as loss or accuracy",
			},
			[]string{"name"},
		),
		trainingStep: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mrivolprep_training_step",
				Help: "Step at which a training scalar was last written",
			},
			[]string{"name"},
		),
	}
}

// RecordExample records one example load attempt
func (r *Recorder) RecordExample(mode, status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.examplesTotal.WithLabelValues(mode, status).Inc()
	if status != StatusFailed {
		r.exampleDuration.WithLabelValues(mode).Observe(duration.Seconds())
	}
}

// RecordBatch records one assembled batch
func (r *Recorder) RecordBatch(mode string) {
	if r == nil {
		return
	}
	r.batchesTotal.WithLabelValues(mode).Inc()
}

// AddScalar publishes a named training scalar at a given step
func (r *Recorder) AddScalar(name string, value float64, step int) {
	if r == nil {
		return
	}
	r.trainingScalar.WithLabelValues(name).Set(value)
	r.trainingStep.WithLabelValues(name).Set(float64(step))
}

// Registry returns the registry the collectors live in
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
