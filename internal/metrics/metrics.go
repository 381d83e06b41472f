// Package metrics exposes Prometheus collectors for the capture core.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	blobsWrittenTotal      prometheus.Counter
	blobBytesWrittenTotal  prometheus.Counter
	blobsDeduplicatedTotal prometheus.Counter
	blobsCorruptTotal      prometheus.Counter
	capturesTotal          *prometheus.CounterVec
	derivationsTotal       *prometheus.CounterVec
	retentionDeletedTotal  *prometheus.CounterVec
	retentionConflictTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		blobsWrittenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capvault_blobs_written_total",
				Help: "Total number of new blobs written to the content store.",
			},
		)

		blobBytesWrittenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capvault_blob_bytes_written_total",
				Help: "Total bytes written to the content store.",
			},
		)

		blobsDeduplicatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capvault_blobs_deduplicated_total",
				Help: "Total number of puts satisfied by an existing blob.",
			},
		)

		blobsCorruptTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capvault_blobs_corrupt_total",
				Help: "Total number of integrity violations detected on read.",
			},
		)

		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capvault_captures_total",
				Help: "Total number of captures recorded, labeled by outcome and origin.",
			},
			[]string{"outcome", "origin"},
		)

		derivationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capvault_derivations_total",
				Help: "Total number of processor runs, labeled by processor and outcome.",
			},
			[]string{"processor", "outcome"},
		)

		retentionDeletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capvault_retention_deleted_total",
				Help: "Total objects deleted by retention sweeps, labeled by zone and kind.",
			},
			[]string{"zone", "kind"},
		)

		retentionConflictTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capvault_retention_conflicts_total",
				Help: "Total blobs skipped by RAW sweeps because a live catalog entry still references them.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// BlobWritten records a new blob of the given size.
func BlobWritten(size int64) {
	Init()
	blobsWrittenTotal.Inc()
	if size > 0 {
		blobBytesWrittenTotal.Add(float64(size))
	}
}

// BlobDeduplicated records a put that found its blob already stored.
func BlobDeduplicated() {
	Init()
	blobsDeduplicatedTotal.Inc()
}

// BlobCorrupt records an integrity violation detected on read.
func BlobCorrupt() {
	Init()
	blobsCorruptTotal.Inc()
}

// ObserveCapture increments the capture counter for the given outcome.
func ObserveCapture(outcome, origin string) {
	Init()
	capturesTotal.WithLabelValues(outcome, origin).Inc()
}

// ObserveDerivation increments the derivation counter.
func ObserveDerivation(processor, outcome string) {
	Init()
	derivationsTotal.WithLabelValues(processor, outcome).Inc()
}

// ObserveRetentionDelete records one object deleted by a sweep.
func ObserveRetentionDelete(zone, kind string) {
	Init()
	retentionDeletedTotal.WithLabelValues(zone, kind).Inc()
}

// ObserveRetentionConflict records a blob spared by the reverse lookup.
func ObserveRetentionConflict() {
	Init()
	retentionConflictTotal.Inc()
}
