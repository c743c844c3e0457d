package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_active",
		Help: "Currently live sessions",
	})

	metricSessionsJoined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_joined_total",
		Help: "Sessions created",
	})

	metricSessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_reaped_total",
		Help: "Sessions evicted for inactivity",
	})
)
