package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var assembliesActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "fleet_ingest_assemblies_active",
	Help: "Image assemblies currently open.",
})

var chunksAccepted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fleet_ingest_chunks_accepted_total",
	Help: "Chunks accepted into assemblies.",
})

var chunkBytes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fleet_ingest_chunk_bytes_total",
	Help: "Decoded chunk bytes accepted into assemblies.",
})

var chunksDuplicate = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fleet_ingest_chunks_duplicate_total",
	Help: "Identical chunk redeliveries discarded.",
})

var completedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fleet_ingest_completed_total",
	Help: "Assemblies closed, by outcome (success or failure code).",
}, []string{"result"})

var nacksTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fleet_ingest_nacks_total",
	Help: "Chunk retransmission requests published.",
})

var finalizeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "fleet_ingest_finalize_seconds",
	Help:    "Time to verify, upload, and record a completed image.",
	Buckets: prometheus.ExponentialBuckets(0.01, 3, 8),
})
