// Package metrics exposes Prometheus instrumentation for monitoring cycles.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thesiswatch",
		Name:      "cycles_total",
		Help:      "Evaluation cycles by outcome (complete, partial, failed)",
	}, []string{"outcome"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "thesiswatch",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one ticker cycle",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	FetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thesiswatch",
		Name:      "fetches_total",
		Help:      "External fetches by source and outcome (ok, cache_hit, error)",
	}, []string{"source", "outcome"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "thesiswatch",
		Name:      "fetch_duration_seconds",
		Help:      "Latency of external fetches including retries",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	SolvesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thesiswatch",
		Name:      "solves_total",
		Help:      "Reverse valuation solves by method and outcome (solved or failure code)",
	}, []string{"method", "outcome"})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thesiswatch",
		Name:      "change_events_total",
		Help:      "Change events logged by type and severity",
	}, []string{"type", "severity"})

	ExtractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thesiswatch",
		Name:      "extractions_total",
		Help:      "Evidence extraction calls by provider and outcome (found, absent, rejected, error)",
	}, []string{"provider", "outcome"})
)

// ObserveFetch records one fetch
func ObserveFetch(source string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	FetchesTotal.WithLabelValues(source, outcome).Inc()
	FetchDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
}

// Serve exposes /metrics on addr until ctx is done
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
