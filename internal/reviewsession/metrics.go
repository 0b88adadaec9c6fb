package reviewsession

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// submissionsTotal counts reconciliation attempts by ledger outcome.
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codereview_submissions_total",
		Help: "Review submissions by outcome",
	}, []string{"outcome"})

	submitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "codereview_submit_duration_seconds",
		Help:    "Review submission latency including recovery",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 11),
	})

	documentFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codereview_document_fetches_total",
		Help: "Document content fetches by result",
	}, []string{"result"})

	sessionLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codereview_session_loads_total",
		Help: "Review session loads by result",
	}, []string{"result"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codereview_sessions_active",
		Help: "Review sessions held in memory",
	})
)
