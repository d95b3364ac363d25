package recognize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ocr_jobs_processed_total",
	Help: "Recognition jobs reaching a terminal status.",
}, []string{"status", "result_type"})

var engineAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ocr_engine_attempts_total",
	Help: "OCR engine attempts by engine and outcome.",
}, []string{"engine", "outcome"})

var processingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ocr_job_processing_seconds",
	Help:    "Wall-clock duration from dequeue to terminal transition.",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
})
