package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the allocator's Prometheus metrics. A nil *Metrics is valid
// and records nothing, so tests can construct services without registering
// collectors.
type Metrics struct {
	Allocations *prometheus.CounterVec
	Exhaustions prometheus.Counter
}

// New creates and registers all allocator metrics.
func New() *Metrics {
	return &Metrics{
		Allocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trustledger_rmid_allocations_total",
			Help: "Total RM-IDs issued, partitioned by whether a new group was created",
		}, []string{"new_group"}),
		Exhaustions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trustledger_rmid_exhaustions_total",
			Help: "Total allocation attempts that failed on group-space exhaustion",
		}),
	}
}

func (m *Metrics) IncAllocations(newGroup bool) {
	if m == nil {
		return
	}
	label := "false"
	if newGroup {
		label = "true"
	}
	m.Allocations.WithLabelValues(label).Inc()
}

func (m *Metrics) IncExhaustions() {
	if m == nil {
		return
	}
	m.Exhaustions.Inc()
}
