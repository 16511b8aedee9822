package metrics

import (
	"net/http"
	"time"

	"sensoralert/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensoralert"

// Event results reported by the pipeline.
const (
	EventMatched   = "matched"
	EventUnmatched = "unmatched"
	EventInvalid   = "invalid"
	EventError     = "error"
)

// Collector owns the service registry and pipeline metrics.
// Params: private registry with Go/process collectors.
// Returns: observers for pipeline, lifecycle, and dispatcher.
type Collector struct {
	registry *prometheus.Registry

	events           *prometheus.CounterVec
	filterMatches    prometheus.Counter
	alerts           *prometheus.CounterVec
	dispatchAttempts *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
}

// New registers sensoralert metrics on a fresh registry.
func New() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Violation events processed, by result.",
		}, []string{"result"}),
		filterMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_matches_total",
			Help:      "Filters matched by violation events.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert lifecycle transitions.",
		}, []string{"transition"}),
		dispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Delivery attempts by channel and final attempt status.",
		}, []string{"channel", "status"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Delivery attempt duration by channel.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"channel"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.events,
		c.filterMatches,
		c.alerts,
		c.dispatchAttempts,
		c.dispatchDuration,
	)
	return c
}

// Handler exposes registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveEvent counts one processed violation and its matched filters.
// Params: result label and number of matched filters.
func (c *Collector) ObserveEvent(result string, matches int) {
	c.events.WithLabelValues(result).Inc()
	if matches > 0 {
		c.filterMatches.Add(float64(matches))
	}
}

// ObserveTransition counts one alert lifecycle transition.
func (c *Collector) ObserveTransition(transition string) {
	c.alerts.WithLabelValues(transition).Inc()
}

// ObserveAttempt records one finished delivery attempt.
func (c *Collector) ObserveAttempt(channel domain.Channel, status domain.ExecutionStatus, duration time.Duration) {
	c.dispatchAttempts.WithLabelValues(string(channel), string(status)).Inc()
	c.dispatchDuration.WithLabelValues(string(channel)).Observe(duration.Seconds())
}
