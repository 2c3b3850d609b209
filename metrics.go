package tpu_sender

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "tpu_sender"

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "submissions_total",
		Help:      "Send calls by verdict (success, failure, resolution_error, invalid).",
	}, []string{"result"})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "attempts_total",
		Help:      "Per-destination transmissions by outcome and protocol.",
	}, []string{"outcome", "protocol"})

	sendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "send_duration_seconds",
		Help:      "Time spent on a single destination write, including connect.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
	})

	resolutionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "resolution_retries_total",
		Help:      "Retried cluster RPC calls during leader or contact-info resolution.",
	})

	addressCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "address_cache_total",
		Help:      "Leader address cache lookups by result (hit, miss).",
	}, []string{"result"})

	connectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "connections_open",
		Help:      "Pooled TPU connections currently held.",
	})
)
