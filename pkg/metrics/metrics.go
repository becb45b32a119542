// Package metrics exposes Prometheus counters for turns, token usage, cost,
// permission decisions and checkpoint failures. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pilot/pkg/protocol"
)

const namespace = "pilot"

// Turn outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeStopped     = "stopped"
	OutcomeSpawnFailed = "spawn_failed"
)

// Metrics groups the engine's collectors.
type Metrics struct {
	Turns              *prometheus.CounterVec
	Tokens             *prometheus.CounterVec
	Cost               prometheus.Counter
	Permissions        *prometheus.CounterVec
	CheckpointFailures prometheus.Counter
	ActiveTurns        prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Agent turns by outcome.",
		}, []string{"outcome"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by the agent, by kind.",
		}, []string{"kind"}),
		Cost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_dollars_total",
			Help:      "Computed agent cost in dollars.",
		}),
		Permissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_decisions_total",
			Help:      "Resolved permission requests by decision and source.",
		}, []string{"decision", "source"}),
		CheckpointFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_failures_total",
			Help:      "Turns that proceeded without a checkpoint.",
		}),
		ActiveTurns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "1 while an agent process is running.",
		}),
	}
}

// TurnFinished counts a turn by outcome.
func (m *Metrics) TurnFinished(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

// Usage adds one usage record.
func (m *Metrics) Usage(u protocol.Usage) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues("input").Add(float64(max(u.InputTokens, 0)))
	m.Tokens.WithLabelValues("output").Add(float64(max(u.OutputTokens, 0)))
	m.Tokens.WithLabelValues("cache_creation").Add(float64(max(u.CacheCreationTokens, 0)))
	m.Tokens.WithLabelValues("cache_read").Add(float64(max(u.CacheReadTokens, 0)))
	m.Cost.Add(max(u.Cost, 0))
}

// PermissionResolved counts a permission decision.
func (m *Metrics) PermissionResolved(d protocol.Decision, src protocol.DecisionSource) {
	if m == nil {
		return
	}
	m.Permissions.WithLabelValues(string(d), string(src)).Inc()
}

// CheckpointFailed counts a turn that started without a checkpoint.
func (m *Metrics) CheckpointFailed() {
	if m == nil {
		return
	}
	m.CheckpointFailures.Inc()
}

// SetActive flips the active-turn gauge.
func (m *Metrics) SetActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.ActiveTurns.Set(1)
		return
	}
	m.ActiveTurns.Set(0)
}
