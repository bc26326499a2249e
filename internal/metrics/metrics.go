// Package metrics holds the Prometheus collectors of the orchestration engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crmpipe"

var (
	// TurnsTotal counts orchestration turns by outcome ("ok" or an error class).
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "turns_total",
			Help:      "Orchestration turns by outcome.",
		},
		[]string{"outcome"},
	)

	// TurnDuration measures a turn end to end.
	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "turn_duration_seconds",
			Help:      "Duration of orchestration turns in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)

	// ModelRounds counts model calls made by the tool-calling loop.
	ModelRounds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "model_rounds_total",
			Help:      "Model calls made by the tool-calling loop, fallback calls included.",
		},
	)

	// TokensTotal counts model tokens by direction ("prompt" or "completion").
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tokens_total",
			Help:      "Model tokens consumed by direction.",
		},
		[]string{"direction"},
	)

	// ActionsTotal counts dispatched actions by kind and outcome ("success" or "failure").
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "actions_total",
			Help:      "Dispatched actions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// DiscardsTotal counts proposals dropped by the action filter.
	DiscardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "discards_total",
			Help:      "Proposed actions discarded by the filter, by reason.",
		},
		[]string{"reason"},
	)

	// GuardSubstitutions counts final texts replaced by the hallucination guard.
	GuardSubstitutions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "guard_substitutions_total",
			Help:      "Final texts replaced with the clarifying fallback.",
		},
	)

	// TriggerEvents counts debounce trigger events ("accepted", "duplicate", "fired", "stale", "retried", "abandoned").
	TriggerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "events_total",
			Help:      "Debounce trigger events by type.",
		},
		[]string{"event"},
	)
)

// Outcome returns the label value for a success flag.
func Outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// ObserveTurn records one finished turn.
func ObserveTurn(outcome string, started time.Time) {
	TurnsTotal.WithLabelValues(outcome).Inc()
	TurnDuration.Observe(time.Since(started).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
