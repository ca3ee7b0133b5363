package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "connentity"

// Outcome labels for connentity_operations_total.
const (
	outcomeCommitted = "committed"
	outcomeNoop      = "noop"
	outcomeDuplicate = "duplicate"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

// Metrics holds the runtime's Prometheus collectors.
type Metrics struct {
	Operations     *prometheus.CounterVec
	CommitRetries  *prometheus.CounterVec
	TimersFired    prometheus.Counter
	ActiveEntities prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "Total number of dispatched operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		CommitRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commit_retries_total",
				Help:      "Total number of commit retries by reason (conflict, transient)",
			},
			[]string{"reason"},
		),
		TimersFired: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "timers_fired_total",
				Help:      "Total number of timers moved into the inbox",
			},
		),
		ActiveEntities: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_entities",
				Help:      "Number of entity keys with a running worker",
			},
		),
	}
}
