// Package backend provides Prometheus metrics for backend monitoring.
package backend

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallsTotal counts backend calls.
	// Labels: operation (insert, upsert, lookup, row_count), result (success, error)
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestd",
			Subsystem: "backend",
			Name:      "calls_total",
			Help:      "Total number of backend calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	// CallDuration tracks how long backend calls take.
	// Labels: operation (insert, upsert, lookup, row_count)
	CallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingestd",
			Subsystem: "backend",
			Name:      "call_duration_seconds",
			Help:      "Duration of backend calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// RowsWritten counts rows written to the backend.
	// Labels: operation (insert, upsert)
	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestd",
			Subsystem: "backend",
			Name:      "rows_written_total",
			Help:      "Total number of rows written to the backend",
		},
		[]string{"operation"},
	)
)

// ObserveCall records one backend call for metrics.
func ObserveCall(operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	CallsTotal.WithLabelValues(operation, result).Inc()
	CallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// InstrumentedStore wraps a Store and records metrics for every call.
type InstrumentedStore struct {
	inner Store
}

// NewInstrumentedStore wraps store with Prometheus instrumentation.
func NewInstrumentedStore(store Store) *InstrumentedStore {
	return &InstrumentedStore{inner: store}
}

func (s *InstrumentedStore) EnsureCollection(ctx context.Context, collection string, vectorSize int) error {
	start := time.Now()
	err := s.inner.EnsureCollection(ctx, collection, vectorSize)
	ObserveCall("ensure_collection", start, err)
	return err
}

func (s *InstrumentedStore) Insert(ctx context.Context, collection string, rows []Row) (int, error) {
	start := time.Now()
	n, err := s.inner.Insert(ctx, collection, rows)
	ObserveCall("insert", start, err)
	if err == nil {
		RowsWritten.WithLabelValues("insert").Add(float64(n))
	}
	return n, err
}

func (s *InstrumentedStore) Upsert(ctx context.Context, collection string, rows []Row) (int, error) {
	start := time.Now()
	n, err := s.inner.Upsert(ctx, collection, rows)
	ObserveCall("upsert", start, err)
	if err == nil {
		RowsWritten.WithLabelValues("upsert").Add(float64(n))
	}
	return n, err
}

func (s *InstrumentedStore) Lookup(ctx context.Context, collection string, ids []string) ([]StoredRow, error) {
	start := time.Now()
	rows, err := s.inner.Lookup(ctx, collection, ids)
	ObserveCall("lookup", start, err)
	return rows, err
}

func (s *InstrumentedStore) RowCount(ctx context.Context, collection string) (int, error) {
	start := time.Now()
	n, err := s.inner.RowCount(ctx, collection)
	ObserveCall("row_count", start, err)
	return n, err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
