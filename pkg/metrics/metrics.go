// Package metrics holds the Prometheus collectors for connection sessions
// and reachability probes. A nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelfreak/peerlink/pkg/types"
)

const namespace = "peerlink"

// Metrics groups the collectors exported by serve
type Metrics struct {
	connectOutcomes *prometheus.CounterVec
	connectDuration prometheus.Histogram
	reachability    *prometheus.CounterVec
	lost            prometheus.Counter
	bound           prometheus.Gauge
}

// New creates unregistered collectors
func New() *Metrics {
	return &Metrics{
		connectOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_total",
			Help:      "Connect attempts by terminal outcome.",
		}, []string{"outcome"}),
		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time from network request to terminal outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 20, 25, 30},
		}),
		reachability: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reachability_checks_total",
			Help:      "Reachability probes by result.",
		}, []string{"result"}),
		lost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "network_lost_total",
			Help:      "Bound networks lost after a successful connect.",
		}),
		bound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_bound",
			Help:      "1 while a session holds a network handle.",
		}),
	}
}

// Register adds every collector to reg
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.connectOutcomes, m.connectDuration, m.reachability, m.lost, m.bound} {
		if err := reg.Register(c); err != nil {
			return errors.Wrap(err, "failed to register collector")
		}
	}
	return nil
}

// ObserveConnect records one terminal connect outcome
func (m *Metrics) ObserveConnect(kind types.OutcomeKind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.connectOutcomes.WithLabelValues(kind.String()).Inc()
	m.connectDuration.Observe(elapsed.Seconds())
}

// ObserveReachability records one probe result
func (m *Metrics) ObserveReachability(reachable bool) {
	if m == nil {
		return
	}
	result := "unreachable"
	if reachable {
		result = "reachable"
	}
	m.reachability.WithLabelValues(result).Inc()
}

// ObserveLost records a lost event for the held network
func (m *Metrics) ObserveLost() {
	if m == nil {
		return
	}
	m.lost.Inc()
}

// SetBound tracks whether a handle is currently held
func (m *Metrics) SetBound(held bool) {
	if m == nil {
		return
	}
	if held {
		m.bound.Set(1)
	} else {
		m.bound.Set(0)
	}
}
