// Package metrics exposes prometheus instrumentation for the revision store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts record lifecycle activity. A nil *Metrics is a no-op so unit
// tests can skip registration.
type Metrics struct {
	mutations *prometheus.CounterVec
	conflicts prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		mutations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trustledger_record_mutations_total",
			Help: "Record mutations by action.",
		}, []string{"action"}),
		conflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trustledger_record_finalize_conflicts_total",
			Help: "Finalize attempts rejected because the revision was already locked.",
		}),
	}
}

func (m *Metrics) IncMutation(action string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(action).Inc()
}

func (m *Metrics) IncFinalizeConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}
