package turn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turn_state_transitions_total",
		Help: "Turn state transitions",
	}, []string{"from", "to"})

	metricTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turn_finished_total",
		Help: "Turns finished by outcome",
	}, []string{"outcome"})

	metricBargeIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turn_barge_in_total",
		Help: "Barge-in cancellations triggered by new speech",
	})

	metricRetrievalDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turn_retrieval_degraded_total",
		Help: "Turns that proceeded without context after retrieval failed or returned nothing",
	})

	metricFirstAudioMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "turn_first_audio_ms",
		Help:    "Latency from utterance end to first emitted audio chunk",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 10),
	})

	metricChunksEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turn_audio_chunks_emitted_total",
		Help: "Audio chunks emitted to the transport",
	})
)
