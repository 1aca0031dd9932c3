// Package observability provides Prometheus metrics and OpenTelemetry tracing for the pipeline.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records pipeline activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	dispatchesTotal *prometheus.CounterVec
	completions     *prometheus.CounterVec
	barrierChecks   *prometheus.CounterVec
	timeoutsTotal   *prometheus.CounterVec
	jobTransitions  *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		dispatchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_stage_dispatches_total",
				Help: "Stage runs dispatched, by stage, mode and outcome",
			},
			[]string{"stage", "mode", "result"},
		),
		completions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_stage_completions_total",
				Help: "Stage completion signals handled, by stage and result",
			},
			[]string{"stage", "result"},
		),
		barrierChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_join_checks_total",
				Help: "Join barrier checks by outcome",
			},
			[]string{"outcome"},
		),
		timeoutsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_stage_timeouts_total",
				Help: "Stage runs failed by the watchdog",
			},
			[]string{"stage"},
		),
		jobTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_job_transitions_total",
				Help: "Job status transitions",
			},
			[]string{"status"},
		),
		stageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Time from dispatch to accepted completion",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"stage"},
		),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Dispatch(stage, mode, result string) {
	if m == nil {
		return
	}
	m.dispatchesTotal.WithLabelValues(stage, mode, result).Inc()
}

func (m *Metrics) Completion(stage, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(stage, result).Inc()
	if result == "accepted" && took > 0 {
		m.stageDuration.WithLabelValues(stage).Observe(took.Seconds())
	}
}

func (m *Metrics) BarrierCheck(outcome string) {
	if m == nil {
		return
	}
	m.barrierChecks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Timeout(stage string) {
	if m == nil {
		return
	}
	m.timeoutsTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) JobStatus(status string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(status).Inc()
}
