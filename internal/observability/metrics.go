package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage names recorded in the establishment window.
const (
	StageCredentialMint = "credential_mint"
	StageUpstreamDial   = "upstream_dial"
	StageSDPExchange    = "sdp_exchange"
	StageVisionCall     = "vision_call"
)

// Metrics groups all Prometheus instruments used by the gateway.
type Metrics struct {
	registry *prometheus.Registry
	window   *establishWindow

	ActiveSessions    *prometheus.GaugeVec
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	CredentialMints   *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	EstablishLatency  *prometheus.HistogramVec
	OutboundDiscarded *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		window:   newEstablishWindow(256),
		ActiveSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of registered realtime sessions by transport.",
		}, []string{"transport"}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Client socket messages by direction and type.",
		}, []string{"direction", "type"}),
		CredentialMints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_mints_total",
			Help:      "Ephemeral credential mint attempts by flow and outcome.",
		}, []string{"flow", "outcome"}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream failures by stage and code.",
		}, []string{"stage", "code"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool name and final status.",
		}, []string{"tool", "status"}),
		EstablishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "establish_latency_ms",
			Help:      "Time from establishment request to an active upstream link, in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000, 10000},
		}, []string{"transport"}),
		OutboundDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_discarded_total",
			Help:      "Client-bound messages discarded because the session was closing.",
		}, []string{"type"}),
	}
}

func (m *Metrics) ObserveEstablish(transport string, d time.Duration) {
	if m == nil {
		return
	}
	m.EstablishLatency.WithLabelValues(transport).Observe(float64(d.Milliseconds()))
}

// ObserveStage records a stage latency sample under the transport carried by
// ctx.
func (m *Metrics) ObserveStage(ctx context.Context, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.window.observe(TransportFrom(ctx), stage, float64(d.Microseconds())/1000)
}

// ObserveMint counts one credential mint attempt by flow and outcome.
func (m *Metrics) ObserveMint(ctx context.Context, flow, outcome string) {
	if m == nil {
		return
	}
	m.CredentialMints.WithLabelValues(flow, outcome).Inc()
	m.window.recordOutcome(TransportFrom(ctx), outcome)
}

func (m *Metrics) SnapshotEstablishment() EstablishSnapshot {
	return m.window.snapshot()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
