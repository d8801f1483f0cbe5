// Package metrics holds the Prometheus collectors shared by the order engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpdatesPublished counts status updates by delivery path: live, buffered or dropped
	UpdatesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_status_updates_total",
			Help: "Status updates handled by the dispatcher, by delivery path",
		},
		[]string{"path"},
	)

	// BufferFlushed counts updates replayed from the buffer to a subscriber
	BufferFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "klear_buffer_flushed_total",
		Help: "Buffered status updates forwarded to a subscriber on attach",
	})

	// Subscribers is the number of live subscriber registrations in this process
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klear_live_subscribers",
		Help: "Live subscriber registrations held by this process",
	})

	// JobsProcessed counts job attempts by outcome: succeeded, retried, exhausted
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_jobs_processed_total",
			Help: "Order job attempts by outcome",
		},
		[]string{"outcome"},
	)

	// JobsInFlight is the number of order runs currently executing
	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klear_jobs_in_flight",
		Help: "Order pipeline runs currently executing",
	})

	// StageDuration observes time spent per pipeline stage
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "klear_pipeline_stage_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"stage"},
	)
)

const (
	PathLive     = "live"
	PathBuffered = "buffered"
	PathDropped  = "dropped"

	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeExhausted = "exhausted"
)
