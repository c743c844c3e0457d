package vad

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_frames_total",
		Help: "Total audio frames processed",
	})

	metricStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_starts_total",
		Help: "Total speech start events",
	})

	metricEnds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_ends_total",
		Help: "Total speech end events",
	})

	metricGuardBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_guard_blocks_total",
		Help: "Frames above threshold blocked by guard window",
	})

	metricEventDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_event_drops_total",
		Help: "Segmenter events dropped due to a stalled consumer",
	})

	metricUtteranceMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vad_utterance_duration_ms",
		Help:    "Detected utterance duration",
		Buckets: prometheus.ExponentialBuckets(100, 1.6, 10),
	})
)
