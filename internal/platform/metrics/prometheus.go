package metrics

import (
	"net/http"
	"time"

	"edgeway/contexts/edge-inference/request-router/domain/entities"
	"edgeway/contexts/edge-inference/request-router/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgeway"

var _ ports.MetricsRecorder = (*Recorder)(nil)

// Recorder owns a private registry so several gateways can run in one
// process without colliding on metric names.
type Recorder struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	dispatchTiming *prometheus.HistogramVec
	evictions      *prometheus.CounterVec
	deadLetters    *prometheus.CounterVec
	expirations    *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Completion requests by synchronous outcome.",
		}, []string{"outcome", "reason"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Backend dispatch attempts by result.",
		}, []string{"backend", "result"}),
		dispatchTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Backend dispatch latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"backend"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Queued requests evicted to make room for higher priorities.",
		}, []string{"priority"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Requests that exhausted their attempt budget.",
		}, []string{"priority"}),
		expirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expirations_total",
			Help:      "Requests terminated as expired.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Requests delivered to their callers.",
		}, []string{"priority"}),
	}
	r.registry.MustRegister(
		r.requests,
		r.dispatches,
		r.dispatchTiming,
		r.evictions,
		r.deadLetters,
		r.expirations,
		r.deliveries,
		collectors.NewGoCollector(),
	)
	return r
}

func (r *Recorder) RequestHandled(outcome string, reason string) {
	r.requests.WithLabelValues(outcome, reason).Inc()
}

func (r *Recorder) DispatchFinished(backend string, success bool, latency time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	r.dispatches.WithLabelValues(backend, result).Inc()
	r.dispatchTiming.WithLabelValues(backend).Observe(latency.Seconds())
}

func (r *Recorder) Evicted(priority entities.Priority) {
	r.evictions.WithLabelValues(string(priority)).Inc()
}

func (r *Recorder) DeadLettered(priority entities.Priority) {
	r.deadLetters.WithLabelValues(string(priority)).Inc()
}

func (r *Recorder) Expired(reason string) {
	r.expirations.WithLabelValues(reason).Inc()
}

func (r *Recorder) Delivered(priority entities.Priority) {
	r.deliveries.WithLabelValues(string(priority)).Inc()
}

// Observe registers gauges read from source on every scrape.
func (r *Recorder) Observe(source func() Gauges) {
	r.registry.MustRegister(newGaugeCollector(source))
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the text exposition for this recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
