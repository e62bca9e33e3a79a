// Package metrics owns the gateway's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fitbot"

// Webhook outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeIgnored   = "ignored"
	OutcomeSaturated = "saturated"
	OutcomeStoreDown = "store_unavailable"
	OutcomeTimeout   = "ack_timeout"
	OutcomeClosed    = "shutting_down"
)

// Processing results.
const (
	ResultDelivered = "delivered"
	ResultNoReply   = "no_reply"
	ResultFailed    = "failed"
)

// QueueSource reports live queue figures for the gauges.
type QueueSource interface {
	Depth() int
	Capacity() int
}

// Metrics holds collectors registered on a private registry, so tests and
// multiple gateways in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	Webhooks    *prometheus.CounterVec
	AckLatency  prometheus.Histogram
	Processed   *prometheus.CounterVec
	SendRetries *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound webhook deliveries by provider and admission outcome.",
		}, []string{"provider", "outcome"}),
		AckLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_ack_seconds",
			Help:      "Time from request arrival to the webhook acknowledgement.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		}),
		Processed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Dispatched events by channel and processing result.",
		}, []string{"channel", "result"}),
		SendRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_retries_total",
			Help:      "Retried collaborator calls by operation.",
		}, []string{"operation"}),
	}
}

// ObserveQueue registers depth and capacity gauges read from q at scrape time.
func (m *Metrics) ObserveQueue(q QueueSource) {
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_queue_depth",
		Help:      "Events waiting in the dispatch queue.",
	}, func() float64 { return float64(q.Depth()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_queue_capacity",
		Help:      "Configured dispatch queue capacity.",
	}, func() float64 { return float64(q.Capacity()) })
}

// WebhookOutcome counts one admission outcome. Safe on a nil receiver.
func (m *Metrics) WebhookOutcome(provider, outcome string) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveAck(seconds float64) {
	if m == nil {
		return
	}
	m.AckLatency.Observe(seconds)
}

func (m *Metrics) EventProcessed(channel, result string) {
	if m == nil {
		return
	}
	m.Processed.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) Retry(operation string) {
	if m == nil {
		return
	}
	m.SendRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
