package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DocumentsTotal counts per-document outcomes across Submit calls.
	DocumentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestd",
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Documents processed by outcome",
		},
		[]string{"outcome"},
	)

	// SubmitDuration observes end-to-end batch latency.
	SubmitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ingestd",
			Subsystem: "ingest",
			Name:      "submit_duration_seconds",
			Help:      "Duration of Submit calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// BatchSize observes submitted batch sizes.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ingestd",
			Subsystem: "ingest",
			Name:      "batch_size",
			Help:      "Number of documents per Submit call",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// SweepResolvedTotal counts stale pending attempts resolved by the
	// sweeper, by terminal state.
	SweepResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestd",
			Subsystem: "ingest",
			Name:      "sweep_resolved_total",
			Help:      "Stale pending attempts resolved by the sweeper",
		},
		[]string{"state"},
	)
)

func observeReport(r *Report) {
	DocumentsTotal.WithLabelValues(string(StatusInserted)).Add(float64(r.Inserted))
	DocumentsTotal.WithLabelValues(string(StatusUpserted)).Add(float64(r.Upserted))
	DocumentsTotal.WithLabelValues(string(StatusSkipped)).Add(float64(r.Skipped))
	DocumentsTotal.WithLabelValues(string(StatusConflict)).Add(float64(r.Conflicts))
	DocumentsTotal.WithLabelValues(string(StatusFailed)).Add(float64(r.Failed))
	SubmitDuration.Observe(r.Elapsed.Seconds())
	BatchSize.Observe(float64(len(r.Items)))
}
