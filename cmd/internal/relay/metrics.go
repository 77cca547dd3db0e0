package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sbstate_relay_connections",
		Help: "Open relay websocket sessions.",
	})

	changesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sbstate_relay_changes_total",
		Help: "Changes accepted by the relay, by outcome.",
	}, []string{"result"})

	deliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sbstate_relay_deliveries_total",
		Help: "Change envelopes queued to subscribers.",
	})
)
