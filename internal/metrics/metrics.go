// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	thumbnailsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datc_thumbnails_generated_total",
		Help: "Total number of thumbnails generated successfully",
	})

	generationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datc_generation_failures_total",
		Help: "Thumbnail generation failures by reason",
	}, []string{"reason"}) // reason=resolve|extract|undersized

	generationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "datc_generation_duration_seconds",
		Help:    "Wall-clock duration of thumbnail generation jobs",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "datc_queue_depth",
		Help: "Current job queue depth by priority class",
	}, []string{"queue"}) // queue=high|normal

	storageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datc_storage_bytes",
		Help: "Storage counter value (bytes tracked in the coordinator store)",
	})

	cleanupRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datc_cleanup_runs_total",
		Help: "Total number of cleanup passes executed",
	})

	videosEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datc_videos_evicted_total",
		Help: "Total number of video folders removed by cleanup",
	})

	thumbnailRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datc_thumbnail_requests_total",
		Help: "Thumbnail requests by outcome",
	}, []string{"outcome"}) // outcome=hit|generated|not_ready|failed|overloaded|invalid
)

// IncThumbnailsGenerated records a successful generation.
func IncThumbnailsGenerated() { thumbnailsGenerated.Inc() }

// IncGenerationFailure records a failed generation by reason.
func IncGenerationFailure(reason string) { generationFailures.WithLabelValues(reason).Inc() }

// ObserveGenerationDuration records the duration of one generation job.
func ObserveGenerationDuration(seconds float64) { generationDuration.Observe(seconds) }

// SetQueueDepth records the current depth of a job queue.
func SetQueueDepth(queue string, depth float64) { queueDepth.WithLabelValues(queue).Set(depth) }

// SetStorageBytes records the current storage counter value.
func SetStorageBytes(bytes float64) { storageBytes.Set(bytes) }

// IncCleanupRun records one cleanup pass.
func IncCleanupRun() { cleanupRuns.Inc() }

// AddVideosEvicted records folders removed during cleanup.
func AddVideosEvicted(n int) { videosEvicted.Add(float64(n)) }

// IncThumbnailRequest records a request outcome.
func IncThumbnailRequest(outcome string) { thumbnailRequests.WithLabelValues(outcome).Inc() }
