// Package metrics exposes Prometheus collectors for order placement, chunk
// outcomes, broker health and reconciliation.
package metrics

import (
	"net/http"

	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LegsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "spread_legs_submitted_total", Help: "Order legs accepted by the broker"},
		[]string{"side"},
	)
	LegTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "spread_legs_terminal_total", Help: "Order legs by terminal status"},
		[]string{"side", "status"},
	)
	ChunkOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "spread_chunk_outcomes_total", Help: "Spread chunks by execution outcome"},
		[]string{"outcome"},
	)
	UnwindFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "spread_unwind_failures_total", Help: "Compensating orders that did not fill"},
	)
	BrokerDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "spread_broker_degraded_total", Help: "Onsets of transient broker failure"},
		[]string{"op"},
	)
	BrokerDegradedNow = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "spread_broker_degraded_calls", Help: "Broker calls currently in a transient failure spell"},
	)
	ReconcileIncomplete = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "spread_reconcile_incomplete_total", Help: "Accounts whose positions did not match the reference"},
		[]string{"account"},
	)
)

func init() {
	prometheus.MustRegister(
		LegsSubmitted,
		LegTerminal,
		ChunkOutcomes,
		UnwindFailures,
		BrokerDegraded,
		BrokerDegradedNow,
		ReconcileIncomplete,
	)
}

// ObserveLeg counts a leg reaching a terminal status.
func ObserveLeg(side models.Side, status models.LegStatus) {
	LegTerminal.WithLabelValues(string(side), string(status)).Inc()
}

// RetryObserver feeds retry spells into the broker health collectors.
type RetryObserver struct{}

func (RetryObserver) Degraded(op string, err error) {
	BrokerDegraded.WithLabelValues(op).Inc()
	BrokerDegradedNow.Inc()
}

func (RetryObserver) Recovered(op string, attempts int) {
	BrokerDegradedNow.Dec()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
