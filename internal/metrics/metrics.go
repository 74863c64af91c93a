// Package metrics exposes Prometheus instrumentation for the agent runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors registered by the runtime.
//
// Tracked surfaces:
//   - Active WebSocket sessions and their lifetime
//   - Turn counts and latency by orchestration path
//   - Tool executions by route (builtin|external) and outcome
//   - Live external tool server subprocesses
//   - Rate limit denials
type Metrics struct {
	// ActiveSessions is the number of currently connected sessions.
	ActiveSessions prometheus.Gauge

	// SessionDuration measures session lifetime in seconds.
	SessionDuration prometheus.Histogram

	// TurnCounter counts completed turns.
	// Labels: path (plan|stream), outcome (complete|error|interrupted)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full turn latency in seconds.
	// Labels: path (plan|stream)
	TurnDuration *prometheus.HistogramVec

	// ToolExecutions counts tool dispatches.
	// Labels: route (builtin|external), tool, outcome (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: route (builtin|external)
	ToolDuration *prometheus.HistogramVec

	// LiveToolServers is the number of running external tool server
	// subprocesses across all users.
	LiveToolServers prometheus.Gauge

	// RateLimitDenials counts requests rejected by the rate limiter.
	RateLimitDenials prometheus.Counter
}

// New creates and registers all collectors with the default registry. Call
// once at startup.
func New() *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "inres_agent_active_sessions",
			Help: "Number of currently connected WebSocket sessions.",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "inres_agent_session_duration_seconds",
			Help:    "Session lifetime in seconds.",
			Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400},
		}),
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inres_agent_turns_total",
				Help: "Completed turns by orchestration path and outcome.",
			},
			[]string{"path", "outcome"},
		),
		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inres_agent_turn_duration_seconds",
				Help:    "Full turn latency in seconds.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"path"},
		),
		ToolExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inres_agent_tool_executions_total",
				Help: "Tool dispatches by route, tool name, and outcome.",
			},
			[]string{"route", "tool", "outcome"},
		),
		ToolDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inres_agent_tool_duration_seconds",
				Help:    "Tool execution time in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"route"},
		),
		LiveToolServers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "inres_agent_live_tool_servers",
			Help: "Running external tool server subprocesses.",
		}),
		RateLimitDenials: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inres_agent_rate_limit_denials_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}
}
