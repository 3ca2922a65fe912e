// Package metrics exposes the pipeline's Prometheus instrumentation,
// including the measured staleness bound the SLO contract requires.
package metrics

import (
	"cmp"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_events_published_total",
			Help: "Change events published to the event log by partition",
		},
		[]string{"partition"},
	)

	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_events_applied_total",
			Help: "Change events processed by the invalidation consumer",
		},
		[]string{"partition", "action", "outcome"},
	)

	ApplyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_apply_errors_total",
			Help: "Cache apply failures by partition",
		},
		[]string{"partition"},
	)

	CheckpointErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_checkpoint_errors_total",
			Help: "Checkpoint persistence failures by partition",
		},
		[]string{"partition"},
	)

	OrderingViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_ordering_violations_total",
			Help: "Fatal per-partition commit-sequence regressions",
		},
		[]string{"partition"},
	)

	PartitionPaused = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagecache_partition_paused",
			Help: "1 when a consumer partition is paused or halted",
		},
		[]string{"partition"},
	)

	StalenessSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagecache_staleness_seconds",
			Help:    "Commit-to-cache-apply latency, the enforced staleness bound",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"partition"},
	)

	SLOBreaches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_staleness_slo_breaches_total",
			Help: "Events applied later than the configured staleness SLO",
		},
		[]string{"partition"},
	)

	Reads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_reads_total",
			Help: "Query coordinator reads by result status and source",
		},
		[]string{"status", "source"},
	)

	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagecache_dispatches_total",
			Help: "Scrape dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options.
// The server gracefully shuts down when the provided context is canceled.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts, logger *zap.Logger) {
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting metrics server", zap.String("addr", effectiveOpts.Addr))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}
