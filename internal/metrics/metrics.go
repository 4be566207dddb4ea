// Package metrics exposes Prometheus metrics for routing, dispatch and health probing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orchestrator"

// Metrics holds all Prometheus collectors of the service. A nil *Metrics is a no-op.
type Metrics struct {
	// Registry owns the collectors; a private registry keeps tests independent
	Registry *prometheus.Registry

	routeRequests    *prometheus.CounterVec
	routeDuration    *prometheus.HistogramVec
	attempts         *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	fallbacks        prometheus.Counter
	estimatedCost    *prometheus.CounterVec
	outputTokens     *prometheus.CounterVec
	healthProbes     *prometheus.CounterVec
	modelLoad        *prometheus.GaugeVec
	modelReliability *prometheus.GaugeVec
	modelAvailable   *prometheus.GaugeVec
	httpRequests     *prometheus.CounterVec
}

// New creates a dedicated registry and registers every collector in it
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		routeRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_requests_total",
			Help:      "Routed task requests by outcome.",
		}, []string{"outcome"}),
		routeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_duration_seconds",
			Help:      "End-to-end duration of routed requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Dispatch attempts per model by result.",
		}, []string{"model", "result"}),
		attemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_attempt_duration_seconds",
			Help:      "Duration of executed dispatch attempts per model.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"}),
		fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Requests served by a model other than the top-ranked one.",
		}),
		estimatedCost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimated_cost_usd_total",
			Help:      "Estimated spend per model in USD.",
		}, []string{"model"}),
		outputTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_tokens_total",
			Help:      "Output tokens per model, reported or estimated.",
		}, []string{"model"}),
		healthProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Health probes per model by result.",
		}, []string{"model", "result"}),
		modelLoad: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_load",
			Help:      "In-flight dispatches per model.",
		}, []string{"model"}),
		modelReliability: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_reliability",
			Help:      "Rolling reliability estimate per model.",
		}, []string{"model"}),
		modelAvailable: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_available",
			Help:      "1 when the model is available for selection.",
		}, []string{"model"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRoute(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.routeRequests.WithLabelValues(outcome).Inc()
	m.routeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveAttempt(model, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(model, result).Inc()
	if d > 0 {
		m.attemptDuration.WithLabelValues(model).Observe(d.Seconds())
	}
}

func (m *Metrics) IncFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

// RecordUsage adds the cost and token estimate of a successful dispatch
func (m *Metrics) RecordUsage(model string, cost float64, tokens int) {
	if m == nil {
		return
	}
	m.estimatedCost.WithLabelValues(model).Add(cost)
	m.outputTokens.WithLabelValues(model).Add(float64(tokens))
}

func (m *Metrics) SetLoad(model string, load int) {
	if m == nil {
		return
	}
	m.modelLoad.WithLabelValues(model).Set(float64(load))
}

// ObserveProbe records one health probe and the model's resulting health
func (m *Metrics) ObserveProbe(model string, healthy bool, reliability float64, available bool) {
	if m == nil {
		return
	}
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	m.healthProbes.WithLabelValues(model, result).Inc()
	m.modelReliability.WithLabelValues(model).Set(reliability)
	avail := 0.0
	if available {
		avail = 1
	}
	m.modelAvailable.WithLabelValues(model).Set(avail)
}

func (m *Metrics) ObserveHTTP(route, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}
