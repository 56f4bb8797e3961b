package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for routed tool calls.
const (
	OutcomeForwarded     = "forwarded"
	OutcomeOverride      = "override"
	OutcomeOverrideError = "override_error"
	OutcomeUpstreamError = "upstream_error"
	OutcomeUnknownTool   = "unknown_tool"
	OutcomeNoSession     = "no_session"
	OutcomeConnectError  = "connect_error"
)

// Metrics holds the Prometheus collectors for the proxy.
type Metrics struct {
	registry *prometheus.Registry

	ToolCalls      *prometheus.CounterVec
	CallDuration   *prometheus.HistogramVec
	SessionsOpened prometheus.Counter
	SessionsClosed prometheus.Counter
	ActiveSessions prometheus.Gauge
	ServableTools  prometheus.Gauge
}

// New creates the proxy metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpoverride_tool_calls_total",
				Help: "Total number of routed tool calls by outcome",
			},
			[]string{"tool", "outcome"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpoverride_tool_call_duration_seconds",
				Help:    "Tool call duration in seconds by outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpoverride_sessions_opened_total",
			Help: "Total number of upstream session connections opened",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpoverride_sessions_closed_total",
			Help: "Total number of upstream session connections closed",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpoverride_active_sessions",
			Help: "Number of sessions with a registered upstream connection",
		}),
		ServableTools: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpoverride_servable_tools",
			Help: "Number of tools currently advertised to clients",
		}),
	}

	registry.MustRegister(
		m.ToolCalls,
		m.CallDuration,
		m.SessionsOpened,
		m.SessionsClosed,
		m.ActiveSessions,
		m.ServableTools,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCall records one routed call with its outcome and duration.
func (m *Metrics) ObserveCall(tool, outcome string, seconds float64) {
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.CallDuration.WithLabelValues(outcome).Observe(seconds)
}
