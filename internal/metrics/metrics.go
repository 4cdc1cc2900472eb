// Package metrics registers the Prometheus instruments the worker and
// engine report into. The chi server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts terminal job transitions by kind and outcome.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grimoire",
		Name:      "jobs_processed_total",
		Help:      "Jobs reaching a terminal transition.",
	}, []string{"kind", "outcome"})

	// JobsReclaimed counts jobs returned to the queue by stale-heartbeat
	// reclamation.
	JobsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grimoire",
		Name:      "jobs_reclaimed_total",
		Help:      "Active jobs reclaimed after heartbeat loss.",
	})

	// Positions counts crawled positions by quality classification.
	Positions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grimoire",
		Name:      "positions_total",
		Help:      "Crawled positions by quality.",
	}, []string{"quality"})

	// ImagesDownloaded counts successfully persisted assets.
	ImagesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grimoire",
		Name:      "images_downloaded_total",
		Help:      "Assets downloaded and validated.",
	})

	// ImageFailures counts downloads that exhausted their retries.
	ImageFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grimoire",
		Name:      "image_failures_total",
		Help:      "Asset downloads that exhausted retries.",
	})

	// JobDuration observes wall time of completed crawl jobs.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "grimoire",
		Name:      "job_duration_seconds",
		Help:      "Wall time of completed jobs.",
		Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
	})

	// PositionDuration observes wall time per crawled position.
	PositionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "grimoire",
		Name:      "position_duration_seconds",
		Help:      "Wall time per crawled position.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})
)
