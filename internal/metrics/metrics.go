// Package metrics exports the gateway's Prometheus metrics: one gauge for
// live sessions, counters for sent/received messages and errors, and a
// latency histogram for AI backend calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the gateway's Prometheus collectors behind a small
// API so components don't import prometheus directly.
type Registry struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	errors           *prometheus.CounterVec
	aiLatency        *prometheus.HistogramVec
}

var aiLatencyBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60}

// New creates the gateway's metric registry and registers the default
// process collector under the "whatsapp_api_" prefix and the Go runtime
// collector under its standard unprefixed "go_" names.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "whatsapp",
			Name:      "sessions_active",
			Help:      "Number of agent sessions currently connected.",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsapp",
			Name:      "messages_sent_total",
			Help:      "Total messages sent back to the chat network.",
		}, []string{"agentId"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsapp",
			Name:      "messages_received_total",
			Help:      "Total inbound messages accepted for dispatch.",
		}, []string{"agentId"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsapp",
			Name:      "errors_total",
			Help:      "Total errors tagged by code.",
		}, []string{"agentId", "code"}),
		aiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "whatsapp",
			Name:      "ai_latency_seconds",
			Help:      "AI backend call latency in seconds.",
			Buckets:   aiLatencyBuckets,
		}, []string{"agentId"}),
	}

	reg.MustRegister(
		r.sessionsActive,
		r.messagesSent,
		r.messagesReceived,
		r.errors,
		r.aiLatency,
		prometheus.NewProcessCollectorWithOptions(prometheus.ProcessCollectorOpts{
			Namespace: "whatsapp_api",
		}),
		prometheus.NewGoCollectorWithOptions(prometheus.GoCollectorOptions{
			RuntimeMetricSumForHist: map[string]string{},
		}),
	)

	return r
}

func (r *Registry) IncSessionsActive() { r.sessionsActive.Inc() }
func (r *Registry) DecSessionsActive() { r.sessionsActive.Dec() }

func (r *Registry) MessageSent(agentID string) {
	r.messagesSent.WithLabelValues(agentID).Inc()
}

func (r *Registry) MessageReceived(agentID string) {
	r.messagesReceived.WithLabelValues(agentID).Inc()
}

func (r *Registry) Error(agentID, code string) {
	r.errors.WithLabelValues(agentID, code).Inc()
}

func (r *Registry) ObserveAILatency(agentID string, d time.Duration) {
	r.aiLatency.WithLabelValues(agentID).Observe(d.Seconds())
}

// Handler returns the HTTP handler serving the Prometheus text
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
