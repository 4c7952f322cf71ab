// Package observability provides engine metrics, tracing, and the
// metrics/health HTTP endpoints. All state is constructor-injected so that
// multiple engine instances can coexist in one process.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// Metrics owns a private Prometheus registry with every engine metric
// registered on it.
type Metrics struct {
	registry *prometheus.Registry

	agentCallsTotal   *prometheus.CounterVec
	agentCallDuration *prometheus.HistogramVec
	agentRetriesTotal *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec

	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec
	cacheWritesTotal *prometheus.CounterVec

	batchDuration     prometheus.Histogram
	stateSavesTotal   prometheus.Counter
	agentHealthyGauge *prometheus.GaugeVec
}

// NewMetrics creates a metrics set on its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		agentCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_agent_calls_total",
				Help: "Total number of agent service calls",
			},
			[]string{"agent", "status"},
		),
		agentCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convoy_agent_call_duration_seconds",
				Help:    "Agent service call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		agentRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_agent_retries_total",
				Help: "Total number of agent call retries",
			},
			[]string{"agent"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "convoy_breaker_state",
				Help: "Circuit breaker state per agent (0=closed, 1=open, 2=half-open)",
			},
			[]string{"agent"},
		),

		cacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_cache_hits_total",
				Help: "Cache hits per tier",
			},
			[]string{"tier"},
		),
		cacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_cache_misses_total",
				Help: "Cache misses per tier",
			},
			[]string{"tier"},
		),
		cacheWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoy_cache_writes_total",
				Help: "Cache writes per tier",
			},
			[]string{"tier"},
		),

		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convoy_batch_duration_seconds",
				Help:    "Agent batch execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		stateSavesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "convoy_state_saves_total",
				Help: "Total conversation state saves",
			},
		),
		agentHealthyGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "convoy_agent_healthy",
				Help: "Agent health probe result (1=healthy, 0=unhealthy)",
			},
			[]string{"agent"},
		),
	}

	m.registry.MustRegister(
		m.agentCallsTotal,
		m.agentCallDuration,
		m.agentRetriesTotal,
		m.breakerState,
		m.cacheHitsTotal,
		m.cacheMissesTotal,
		m.cacheWritesTotal,
		m.batchDuration,
		m.stateSavesTotal,
		m.agentHealthyGauge,
	)

	return m
}

// Handler returns an HTTP handler serving this instance's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAgentCall records the outcome and duration of one agent call.
func (m *Metrics) RecordAgentCall(agent, status string, duration time.Duration) {
	m.agentCallsTotal.WithLabelValues(agent, status).Inc()
	m.agentCallDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordAgentRetry counts one retry attempt for an agent.
func (m *Metrics) RecordAgentRetry(agent string) {
	m.agentRetriesTotal.WithLabelValues(agent).Inc()
}

// SetBreakerState publishes the breaker state for an agent.
func (m *Metrics) SetBreakerState(agent string, state int) {
	m.breakerState.WithLabelValues(agent).Set(float64(state))
}

// RecordCacheHit counts a hit on the named tier.
func (m *Metrics) RecordCacheHit(tier string) {
	m.cacheHitsTotal.WithLabelValues(tier).Inc()
}

// RecordCacheMiss counts a miss on the named tier.
func (m *Metrics) RecordCacheMiss(tier string) {
	m.cacheMissesTotal.WithLabelValues(tier).Inc()
}

// RecordCacheWrite counts a write to the named tier.
func (m *Metrics) RecordCacheWrite(tier string) {
	m.cacheWritesTotal.WithLabelValues(tier).Inc()
}

// ObserveBatch records the duration of a whole agent batch.
func (m *Metrics) ObserveBatch(duration time.Duration) {
	m.batchDuration.Observe(duration.Seconds())
}

// RecordStateSave counts one conversation state save.
func (m *Metrics) RecordStateSave() {
	m.stateSavesTotal.Inc()
}

// SetAgentHealthy publishes a health probe result.
func (m *Metrics) SetAgentHealthy(agent string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.agentHealthyGauge.WithLabelValues(agent).Set(v)
}
