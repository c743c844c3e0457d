package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Accepted websocket connections",
	})

	metricFramesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_audio_frames_in_total",
		Help: "Inbound binary audio frames",
	})

	metricAudioOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_audio_chunks_out_total",
		Help: "Outbound binary audio chunks",
	})
)
