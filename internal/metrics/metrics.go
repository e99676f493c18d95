// Package metrics exposes the engine's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postflow/internal/platform"
	"postflow/internal/publish"
)

const namespace = "postflow"

type Metrics struct {
	Registry *prometheus.Registry

	PlatformCalls        *prometheus.CounterVec
	PlatformCallDuration *prometheus.HistogramVec
	PublishResults       *prometheus.CounterVec
	ItemTransitions      *prometheus.CounterVec
	ScheduleConflicts    prometheus.Counter
	SweepItems           *prometheus.CounterVec
	SweepDuration        prometheus.Histogram
}

// New registers every instrument on a fresh registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		PlatformCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_calls_total",
			Help:      "Outbound platform calls by operation and result.",
		}, []string{"platform", "op", "result"}),
		PlatformCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "platform_call_duration_seconds",
			Help:      "Latency of outbound platform calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"platform", "op"}),
		PublishResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_results_total",
			Help:      "Per-platform publish results by outcome.",
		}, []string{"platform", "outcome"}),
		ItemTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_transitions_total",
			Help:      "Scheduled item status transitions by target status.",
		}, []string{"to"}),
		ScheduleConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_conflicts_total",
			Help:      "Schedule or reschedule requests rejected for an occupied slot.",
		}),
		SweepItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_items_total",
			Help:      "Items seen by due sweeps by outcome.",
		}, []string{"outcome"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one due sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

var _ platform.Observer = (*Metrics)(nil)

func (m *Metrics) ObservePlatformCall(p publish.PlatformID, op string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, platform.ErrCircuitOpen):
		result = "circuit_open"
	case errors.Is(err, platform.ErrTimeout):
		result = "timeout"
	default:
		result = "error"
	}
	m.PlatformCalls.WithLabelValues(string(p), op, result).Inc()
	m.PlatformCallDuration.WithLabelValues(string(p), op).Observe(took.Seconds())
}

func (m *Metrics) ObserveResults(results []publish.PublishResult) {
	if m == nil {
		return
	}
	for _, r := range results {
		outcome := "success"
		if !r.Success {
			outcome = string(r.ErrorKind)
			if outcome == "" {
				outcome = string(publish.KindPublishFailed)
			}
		}
		m.PublishResults.WithLabelValues(string(r.Platform), outcome).Inc()
	}
}

func (m *Metrics) ObserveTransition(to publish.Status) {
	if m == nil {
		return
	}
	m.ItemTransitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.ScheduleConflicts.Inc()
}

// ObserveSweep records one sweep's counts keyed by outcome.
func (m *Metrics) ObserveSweep(took time.Duration, counts map[string]int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(took.Seconds())
	for outcome, n := range counts {
		if n > 0 {
			m.SweepItems.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
