// Package metrics holds the Prometheus collectors for chat streaming.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeUpstream  = "upstream_error"
	OutcomeCancelled = "cancelled"
	OutcomeInternal  = "internal_error"
)

var (
	StreamsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "projectchat",
		Name:      "streams_started_total",
		Help:      "Chat streaming sessions accepted, by mode.",
	}, []string{"mode"})

	StreamsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "projectchat",
		Name:      "streams_finished_total",
		Help:      "Chat streaming sessions finished, by outcome.",
	}, []string{"outcome"})

	StreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "projectchat",
		Name:      "stream_duration_seconds",
		Help:      "Wall time of a streaming session from validation to the terminal frame.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
	}, []string{"provider"})

	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "projectchat",
		Name:      "upstream_errors_total",
		Help:      "Errors reported by upstream AI vendors, by provider and kind.",
	}, []string{"provider", "kind"})

	TitleFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "projectchat",
		Name:      "title_fallbacks_total",
		Help:      "Chat titles produced by the deterministic fallback.",
	})
)
