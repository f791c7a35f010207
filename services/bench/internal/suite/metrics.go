package suite

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks suite progress on a private registry so concurrent suites
// in one process never collide.
type Metrics struct {
	registry      *prometheus.Registry
	runsTotal     *prometheus.CounterVec
	failuresTotal *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// NewMetrics builds the suite metric set.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tfbench_runs_total",
			Help: "Benchmark runs completed, by verdict.",
		}, []string{"verdict"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tfbench_failures_total",
			Help: "Benchmark run failures, by category.",
		}, []string{"category"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tfbench_stage_duration_seconds",
			Help:    "Wall time spent per pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
	}
	m.registry.MustRegister(m.runsTotal, m.failuresTotal, m.stageDuration)
	return m
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(verdict, category string, timings map[string]float64) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(verdict).Inc()
	if category != "" {
		m.failuresTotal.WithLabelValues(category).Inc()
	}
	for stage, seconds := range timings {
		m.stageDuration.WithLabelValues(stage).Observe(seconds)
	}
}

// Serve exposes /metrics, /healthz, and /readyz on addr until ctx is
// cancelled. It blocks; run it in a goroutine beside the suite.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *log.Logger) error {
	if m == nil || addr == "" {
		return nil
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if logger != nil {
		logger.Printf("[INFO] metrics listening on %s", addr)
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
