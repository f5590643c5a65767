package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stsmap_queries_total",
			Help: "How many socketmap queries processed",
		},
		[]string{"zone", "result"},
	)

	resolvesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stsmap_resolves_total",
			Help: "How many policy resolutions performed",
		},
		[]string{"status"},
	)

	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stsmap_connections_active",
			Help: "Open socketmap client connections",
		},
	)
)

func init() {
	prometheus.MustRegister(queriesTotal, resolvesTotal, connectionsActive)
}
