// Package metrics exposes prometheus instrumentation for the seal service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts seal activity. A nil *Metrics is a no-op so unit tests can
// skip registration.
type Metrics struct {
	sealed        prometheus.Counter
	verifications *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		sealed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trustledger_seals_created_total",
			Help: "Integrity seals created.",
		}),
		verifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trustledger_seal_verifications_total",
			Help: "Seal verifications by outcome.",
		}, []string{"result"}),
	}
}

func (m *Metrics) IncSealed() {
	if m == nil {
		return
	}
	m.sealed.Inc()
}

func (m *Metrics) IncVerified(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}
