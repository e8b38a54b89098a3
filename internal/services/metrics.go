package services

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

var (
	// articlesTotal counts articles reaching a terminal outcome in a cycle:
	// published, failed, deferred, duplicate or skipped.
	articlesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopub_articles_total",
			Help: "Articles processed, by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	// providerCalls counts AI and WordPress calls by result kind ("ok" on
	// success).
	providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopub_provider_calls_total",
			Help: "External provider calls, by provider and result kind.",
		},
		[]string{"provider", "kind"},
	)

	keyPoolExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autopub_keypool_exhausted_total",
			Help: "Times the API key pool had no eligible key.",
		},
	)

	stageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopub_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		},
		[]string{"stage"},
	)

	cleanupPurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopub_cleanup_deleted_total",
			Help: "Rows deleted by cleanup, by table.",
		},
		[]string{"table"},
	)

	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopub_cycles_total",
			Help: "Pipeline cycles, by result (completed, deferred, canceled).",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(articlesTotal, providerCalls, keyPoolExhausted, stageLatency, cleanupPurged, cyclesTotal)
}

func callKind(err error) string {
	if err == nil {
		return "ok"
	}
	return string(domain.KindOf(err))
}
