package flow

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsNamespace prefixes every engine metric.
const metricsNamespace = "flowrun"

// PrometheusMetrics instruments executions, steps, retries, retrievals, and
// LLM token spend. All collectors live on an owned registry so multiple
// engines (or tests) never collide; expose Registry() through promhttp to
// serve them.
//
// Label cardinality is bounded: statuses and node types only, never
// execution or node IDs.
type PrometheusMetrics struct {
	mu       sync.RWMutex
	enabled  bool
	registry *prometheus.Registry

	executionsTotal        *prometheus.CounterVec
	stepsTotal             *prometheus.CounterVec
	retriesTotal           prometheus.Counter
	retrievalRequestsTotal *prometheus.CounterVec
	retrievalBudgetDenials prometheus.Counter
	llmTokensTotal         *prometheus.CounterVec
	stepLatencyMs          *prometheus.HistogramVec
	retrievalLatencyMs     prometheus.Histogram
	inflightExecutions     prometheus.Gauge
	queueDepth             prometheus.Gauge
}

// NewPrometheusMetrics creates an enabled metrics set on a fresh registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	m := &PrometheusMetrics{enabled: true}
	m.initCollectors()
	return m
}

func (m *PrometheusMetrics) initCollectors() {
	m.registry = prometheus.NewRegistry()
	factory := promauto.With(m.registry)

	m.executionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "executions_total",
		Help:      "Workflow executions by final status.",
	}, []string{"status"})

	m.stepsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "steps_total",
		Help:      "Node steps by status and node type.",
	}, []string{"status", "node_type"})

	m.retriesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "retries_total",
		Help:      "Node retry attempts registered against control limits.",
	})

	m.retrievalRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "retrieval_requests_total",
		Help:      "Retrieval attempts by outcome status.",
	}, []string{"status"})

	m.retrievalBudgetDenials = factory.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "retrieval_budget_denials_total",
		Help:      "Retrieval attempts denied by the execution budget.",
	})

	m.llmTokensTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "llm_tokens_total",
		Help:      "LLM tokens consumed, by provider.",
	}, []string{"provider"})

	m.stepLatencyMs = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "step_latency_ms",
		Help:      "Node step duration in milliseconds.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 15),
	}, []string{"node_type", "status"})

	m.retrievalLatencyMs = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "retrieval_latency_ms",
		Help:      "Retrieval attempt duration in milliseconds.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 15),
	})

	m.inflightExecutions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "inflight_executions",
		Help:      "Executions currently running in this process.",
	})

	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "queue_depth",
		Help:      "Jobs waiting in the subscribed work queue.",
	})
}

// Registry exposes the underlying registry for promhttp handlers.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry
}

// Enable turns recording on.
func (m *PrometheusMetrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

// Disable turns recording off; recorded samples are kept.
func (m *PrometheusMetrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enabled reports whether recording is on.
func (m *PrometheusMetrics) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Reset discards every recorded sample by rebuilding the registry. Handlers
// bound to the old registry must re-fetch Registry() afterwards.
func (m *PrometheusMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCollectors()
}

func (m *PrometheusMetrics) on() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// RecordExecution counts one finished execution.
func (m *PrometheusMetrics) RecordExecution(status string) {
	if m == nil || !m.on() {
		return
	}
	m.executionsTotal.WithLabelValues(status).Inc()
}

// RecordStep counts one step and observes its latency.
func (m *PrometheusMetrics) RecordStep(nodeType, status string, durationMs int64) {
	if m == nil || !m.on() {
		return
	}
	m.stepsTotal.WithLabelValues(status, nodeType).Inc()
	m.stepLatencyMs.WithLabelValues(nodeType, status).Observe(float64(durationMs))
}

// RecordRetry counts one registered retry.
func (m *PrometheusMetrics) RecordRetry() {
	if m == nil || !m.on() {
		return
	}
	m.retriesTotal.Inc()
}

// RecordRetrieval counts one issued retrieval attempt.
func (m *PrometheusMetrics) RecordRetrieval(status string, durationMs int64) {
	if m == nil || !m.on() {
		return
	}
	m.retrievalRequestsTotal.WithLabelValues(status).Inc()
	m.retrievalLatencyMs.Observe(float64(durationMs))
}

// RecordBudgetDenial counts one budget-denied retrieval attempt.
func (m *PrometheusMetrics) RecordBudgetDenial() {
	if m == nil || !m.on() {
		return
	}
	m.retrievalBudgetDenials.Inc()
}

// RecordLLMTokens adds consumed tokens for a provider.
func (m *PrometheusMetrics) RecordLLMTokens(provider string, tokens int) {
	if m == nil || !m.on() || tokens <= 0 {
		return
	}
	m.llmTokensTotal.WithLabelValues(provider).Add(float64(tokens))
}

// ExecutionStarted bumps the inflight gauge.
func (m *PrometheusMetrics) ExecutionStarted() {
	if m == nil || !m.on() {
		return
	}
	m.inflightExecutions.Inc()
}

// ExecutionFinished drops the inflight gauge.
func (m *PrometheusMetrics) ExecutionFinished() {
	if m == nil || !m.on() {
		return
	}
	m.inflightExecutions.Dec()
}

// SetQueueDepth records the current work-queue backlog.
func (m *PrometheusMetrics) SetQueueDepth(n float64) {
	if m == nil || !m.on() {
		return
	}
	m.queueDepth.Set(n)
}
