// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connection, waiting, and pairing counts and counters for
// matchmaking, signaling throughput, admissions, and moderation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of admitted WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "videorelay_connections_total",
		Help: "Current number of admitted WebSocket connections",
	})

	// WaitingEndpoints is 1 while the waiting slot is occupied, else 0.
	WaitingEndpoints = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "videorelay_waiting_endpoints",
		Help: "Number of endpoints in the waiting slot",
	})

	// ActivePairs tracks the current number of paired endpoint couples.
	ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "videorelay_active_pairs",
		Help: "Current number of active pairings",
	})

	// MatchesTotal counts successful pairings.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "videorelay_matches_total",
		Help: "Total number of pairings made",
	})

	// SignalsTotal counts signaling messages by kind and result:
	// "relayed", "dropped", or "invalid".
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "videorelay_signals_total",
		Help: "Total number of signaling messages processed",
	}, []string{"kind", "result"})

	// AdmissionsRejected counts refused connection attempts by reason:
	// "banned", "rate_limited", "capacity", "origin", or "duplicate".
	AdmissionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "videorelay_admissions_rejected_total",
		Help: "Connection attempts refused before admission",
	}, []string{"reason"})

	// ReportsTotal counts abuse reports by result: "banned", "unpaired",
	// or "rate_limited".
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "videorelay_reports_total",
		Help: "Total number of abuse reports received",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		WaitingEndpoints,
		ActivePairs,
		MatchesTotal,
		SignalsTotal,
		AdmissionsRejected,
		ReportsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
