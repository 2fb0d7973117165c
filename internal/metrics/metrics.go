// Package metrics provides Prometheus metrics for the voice-to-email pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voxmail"

// Metrics holds every collector of the service. A nil *Metrics records nothing.
type Metrics struct {
	// Pipeline metrics
	PipelinesStarted  prometheus.Counter
	PipelinesFinished *prometheus.CounterVec
	PipelinesActive   prometheus.Gauge
	Transitions       *prometheus.CounterVec
	StageLatency      *prometheus.HistogramVec

	// Upstream metrics
	UpstreamErrors *prometheus.CounterVec
	LLMTokens      *prometheus.CounterVec

	// Confirmation metrics
	PendingConfirmations prometheus.Gauge
	ConfirmationsDropped *prometheus.CounterVec
	EmailsDelivered      prometheus.Counter

	// Event metrics
	EventsPublished *prometheus.CounterVec
	EventPublishErr *prometheus.CounterVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PipelinesStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_started_total",
			Help:      "Total number of voice messages accepted for processing",
		}),
		PipelinesFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_finished_total",
			Help:      "Total number of pipeline runs by final outcome",
		}, []string{"outcome"}),
		PipelinesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipelines_active",
			Help:      "Number of pipeline runs in progress",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of orchestrator state transitions",
		}, []string{"from", "to"}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_seconds",
			Help:      "Latency of each pipeline stage in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),

		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total number of failed calls to external services",
		}, []string{"service", "kind"}),
		LLMTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Language-model tokens consumed",
		}, []string{"type"}),

		PendingConfirmations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_confirmations",
			Help:      "Drafts waiting for a yes/no reply",
		}),
		ConfirmationsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_dropped_total",
			Help:      "Pending drafts removed without an answer",
		}, []string{"reason"}),
		EmailsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_delivered_total",
			Help:      "Total number of emails handed to the SMTP server",
		}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Pipeline events published by sink",
		}, []string{"sink"}),
		EventPublishErr: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_errors_total",
			Help:      "Pipeline events that could not be published",
		}, []string{"sink"}),
	}
}

func (m *Metrics) RecordPipelineStart() {
	if m == nil {
		return
	}
	m.PipelinesStarted.Inc()
	m.PipelinesActive.Inc()
}

// RecordPipelineEnd records the final outcome of a run, e.g. "awaiting_confirmation" or "aborted".
func (m *Metrics) RecordPipelineEnd(outcome string) {
	if m == nil {
		return
	}
	m.PipelinesActive.Dec()
	m.PipelinesFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(seconds)
}

// RecordUpstreamError records a failed call; kind comes from fault.Kind.
func (m *Metrics) RecordUpstreamError(service, kind string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(service, kind).Inc()
}

func (m *Metrics) RecordTokens(prompt, completion int64) {
	if m == nil {
		return
	}
	m.LLMTokens.WithLabelValues("prompt").Add(float64(prompt))
	m.LLMTokens.WithLabelValues("completion").Add(float64(completion))
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingConfirmations.Set(float64(n))
}

func (m *Metrics) RecordConfirmationDropped(reason string) {
	if m == nil {
		return
	}
	m.ConfirmationsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDelivered() {
	if m == nil {
		return
	}
	m.EmailsDelivered.Inc()
}

func (m *Metrics) RecordEvent(sink string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.EventPublishErr.WithLabelValues(sink).Inc()
		return
	}
	m.EventsPublished.WithLabelValues(sink).Inc()
}
