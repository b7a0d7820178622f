package tracking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_ingest_total",
			Help: "Doctor location reports by outcome",
		},
		[]string{"outcome"},
	)

	routeFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_route_fetch_total",
			Help: "Route fetches by outcome",
		},
		[]string{"outcome"},
	)

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_active_sessions",
		Help: "Open tracking sessions",
	})
)
