package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatserv_connections_active",
			Help: "Number of currently open client connections.",
		},
	)

	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatserv_actions_total",
			Help: "Total number of dispatched actions.",
		},
		[]string{"action"},
	)

	PeerDeliveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatserv_peer_deliveries_total",
			Help: "Total number of pings and notifications delivered to online peers.",
		},
	)

	StoreErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatserv_store_errors_total",
			Help: "Total number of persistence failures.",
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		ConnectionsActive,
		ActionsTotal,
		PeerDeliveriesTotal,
		StoreErrorsTotal,
	)
}
