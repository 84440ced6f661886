package orchestrator

import (
	"time"

	"github.com/Veraticus/spendlot/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	units        *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	deferred     *prometheus.CounterVec
}

// NewMetrics registers the orchestrator collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		units: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spendlot",
			Subsystem: "orchestrator",
			Name:      "units_total",
			Help:      "Work units finished by kind and outcome",
		}, []string{"kind", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spendlot",
			Subsystem: "orchestrator",
			Name:      "unit_duration_seconds",
			Help:      "Time spent running a work unit",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}, []string{"kind"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spendlot",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0 closed, 1 half open, 2 open)",
		}, []string{"breaker_key"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spendlot",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker transitions by target state",
		}, []string{"breaker_key", "state"}),
		deferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spendlot",
			Subsystem: "breaker",
			Name:      "deferred_units_total",
			Help:      "Work units pushed past an open breaker's cooldown",
		}, []string{"breaker_key"}),
	}
}

func (m *Metrics) unitFinished(kind model.WorkKind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(string(kind), outcome).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (m *Metrics) breakerTransition(key string, state model.BreakerState) {
	if m == nil {
		return
	}
	value := 0.0
	switch state {
	case model.BreakerHalfOpen:
		value = 1
	case model.BreakerOpen:
		value = 2
	}
	m.breakerState.WithLabelValues(key).Set(value)
	m.transitions.WithLabelValues(key, string(state)).Inc()
}

func (m *Metrics) unitsDeferred(key string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.deferred.WithLabelValues(key).Add(float64(n))
}
