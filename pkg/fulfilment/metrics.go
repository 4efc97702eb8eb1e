package fulfilment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeCancelled = "cancelled"
	outcomeSkipped   = "skipped"
	outcomeSideCache = "side_cache"
)

type metrics struct {
	downloads   *prometheus.CounterVec
	redirects   prometheus.Counter
	jobs        *prometheus.CounterVec
	jobDuration prometheus.Histogram
	sideCache   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	return &metrics{
		downloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exset_fulfilment_file_downloads_total",
			Help: "Constituent and auxiliary file downloads by outcome.",
		}, []string{"outcome"}),
		redirects: f.NewCounter(prometheus.CounterOpts{
			Name: "exset_fulfilment_redirects_total",
			Help: "Upstream fetches answered through a redirect.",
		}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exset_fulfilment_jobs_total",
			Help: "Finished jobs by terminal state.",
		}, []string{"state"}),
		jobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "exset_fulfilment_job_duration_seconds",
			Help:    "Time from receiving a job to its terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		sideCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exset_fulfilment_side_cache_writes_total",
			Help: "Side cache write-through attempts by outcome.",
		}, []string{"outcome"}),
	}
}
