package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus sink fed by the metric event drainer.
//
// All series carry a tenant label so the control plane can slice usage and
// errors per tenant. The sink is written to by exactly one goroutine (the
// ring drainer); Prometheus collectors are safe for concurrent scrape.
type Metrics struct {
	// AgentExecutions counts completed executions.
	// Labels: tenant, status (success|<error_code>)
	AgentExecutions *prometheus.CounterVec

	// AgentDuration measures end-to-end execution latency in seconds.
	// Labels: tenant
	AgentDuration *prometheus.HistogramVec

	// ToolCalls counts tool invocations.
	// Labels: tool, status (success|error)
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// GuardDecisions counts guard pipeline outcomes.
	// Labels: stage, decision (allowed|rejected)
	GuardDecisions *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: tenant, model, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// HitlWaits counts human-in-the-loop waits.
	// Labels: tool, outcome (approved|rejected)
	HitlWaits *prometheus.CounterVec

	// McpServerStatus reports remote tool server health.
	// Labels: server; value encodes status (0 pending, 1 connected,
	// 2 failed, 3 disconnected)
	McpServerStatus *prometheus.GaugeVec

	// EventsDropped counts metric events discarded on ring overflow.
	EventsDropped prometheus.Counter
}

// NewMetrics creates and registers all collectors with the given registerer.
// Pass prometheus.DefaultRegisterer in production; a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AgentExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arcreactor_agent_executions_total",
				Help: "Total agent executions by tenant and status",
			},
			[]string{"tenant", "status"},
		),
		AgentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arcreactor_agent_duration_seconds",
				Help:    "End-to-end agent execution latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"tenant"},
		),
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arcreactor_tool_calls_total",
				Help: "Total tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arcreactor_tool_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		GuardDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arcreactor_guard_decisions_total",
				Help: "Guard pipeline decisions by stage",
			},
			[]string{"stage", "decision"},
		),
		TokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arcreactor_llm_tokens_total",
				Help: "Token consumption by tenant, model, and type",
			},
			[]string{"tenant", "model", "type"},
		),
		HitlWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arcreactor_hitl_waits_total",
				Help: "Human-in-the-loop approval waits by outcome",
			},
			[]string{"tool", "outcome"},
		),
		McpServerStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arcreactor_mcp_server_status",
				Help: "Remote tool server health (0 pending, 1 connected, 2 failed, 3 disconnected)",
			},
			[]string{"server"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "arcreactor_metric_events_dropped_total",
				Help: "Metric events discarded due to ring buffer overflow",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.AgentExecutions, m.AgentDuration,
			m.ToolCalls, m.ToolDuration,
			m.GuardDecisions, m.TokensUsed, m.HitlWaits,
			m.McpServerStatus, m.EventsDropped,
		)
	}
	return m
}
