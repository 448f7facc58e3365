// Package metrics exposes loader counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/johndauphine/cdcload/internal/loader"
	"github.com/johndauphine/cdcload/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BatchesTotal counts batches by node and outcome (ok, error, skipped)
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcload_batches_total",
			Help: "Total number of batches processed",
		},
		[]string{"node", "status"},
	)

	// RowsTotal counts row outcomes by node and operation
	RowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcload_rows_total",
			Help: "Total number of row mutations by outcome",
		},
		[]string{"node", "op"},
	)

	// StatementsTotal counts statements executed on the target
	StatementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcload_statements_total",
			Help: "Total statements executed on the target",
		},
		[]string{"node"},
	)

	// BytesTotal counts stream bytes consumed
	BytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcload_stream_bytes_total",
			Help: "Total change stream bytes read",
		},
		[]string{"node"},
	)

	// BatchDuration tracks wall time per loaded batch
	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdcload_batch_duration_seconds",
			Help:    "Batch load time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	// DatabaseSeconds accumulates time spent in target statements
	DatabaseSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcload_database_seconds_total",
			Help: "Time spent executing statements on the target",
		},
		[]string{"node"},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(BatchesTotal)
		prometheus.MustRegister(RowsTotal)
		prometheus.MustRegister(StatementsTotal)
		prometheus.MustRegister(BytesTotal)
		prometheus.MustRegister(BatchDuration)
		prometheus.MustRegister(DatabaseSeconds)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveBatch records one batch outcome and its counters.
func ObserveBatch(node, status string, s loader.Statistics, elapsed time.Duration) {
	BatchesTotal.WithLabelValues(node, status).Inc()
	BytesTotal.WithLabelValues(node).Add(float64(s.Bytes))
	if status != "ok" {
		return
	}
	StatementsTotal.WithLabelValues(node).Add(float64(s.Statements))
	DatabaseSeconds.WithLabelValues(node).Add(s.DatabaseTime.Seconds())
	BatchDuration.WithLabelValues(node).Observe(elapsed.Seconds())

	for op, n := range map[string]int64{
		"insert":          s.Inserts,
		"update":          s.Updates,
		"delete":          s.Deletes,
		"fallback_insert": s.FallbackInserts,
		"fallback_update": s.FallbackUpdates,
		"missing_delete":  s.MissingDeletes,
		"unchanged":       s.UnchangedUpdates,
		"ignored":         s.IgnoredRows,
		"filtered":        s.FilteredRows,
	} {
		if n > 0 {
			RowsTotal.WithLabelValues(node, op).Add(float64(n))
		}
	}
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Info("Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
