package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edgeflare/pagecache/pkg/cache"
	"github.com/edgeflare/pagecache/pkg/checkpoint"
	"github.com/edgeflare/pagecache/pkg/config"
	"github.com/edgeflare/pagecache/pkg/consumer"
	"github.com/edgeflare/pagecache/pkg/eventlog"
	"github.com/edgeflare/pagecache/pkg/logreader"
	"github.com/edgeflare/pagecache/pkg/metrics"
	"github.com/edgeflare/pagecache/pkg/query"
	"github.com/edgeflare/pagecache/pkg/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: log reader, consumer and query API",
	RunE:  runPipeline,
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	doneChan := make(chan struct{})

	var wg sync.WaitGroup

	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.Addr}, logger)
	}

	log, err := newEventLog(cfg, logger)
	if err != nil {
		return err
	}
	defer log.Close()

	c, err := newCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	recordStore, err := store.NewPG(ctx, cfg.Source.ConnString)
	if err != nil {
		return fmt.Errorf("record store: %w", err)
	}
	defer recordStore.Close()
	if err := recordStore.Bootstrap(ctx); err != nil {
		return err
	}

	checkpoints, err := checkpoint.NewPGWithPool(ctx, recordStore.Pool())
	if err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}

	policy, err := consumer.NewPolicy(cfg.Consumer.Rules, cfg.Consumer.DefaultAction)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	cons := consumer.New(log, c, checkpoints, policy, cfg.Consumer.Config, logger)
	cons.Start(ctx)

	cfg.Source.Partitions = log.Partitions()
	reader := logreader.New(cfg.Source, log, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reader.Run(ctx); err != nil && ctx.Err() == nil {
			errChan <- fmt.Errorf("log reader: %w", err)
		}
	}()

	var dispatcher query.Dispatcher
	if cfg.Query.DispatcherURL != "" {
		dispatcher = query.NewHTTPDispatcher(cfg.Query.DispatcherURL, cfg.Query.DispatchTimeout)
	}
	coord := query.NewCoordinator(c, recordStore, dispatcher, cfg.Query.Config, logger)
	query.NewServer(coord, logger).Start(ctx, &wg, query.ServerOpts{Addr: cfg.Query.ListenAddr})

	select {
	case <-sigChan:
		logger.Info("received termination signal, shutting down")
		cancel()
	case err := <-errChan:
		logger.Error("pipeline error", zap.Error(err))
		cancel()
	}

	go func() {
		cons.Wait()
		wg.Wait()
		close(doneChan)
	}()

	select {
	case <-doneChan:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10 seconds")
	}

	return nil
}

func newEventLog(cfg *config.Config, logger *zap.Logger) (eventlog.Log, error) {
	switch cfg.Log.Backend {
	case "nats":
		return eventlog.NewNATS(cfg.Log.NATS, logger)
	case "kafka":
		return eventlog.NewKafka(cfg.Log.Kafka, logger)
	case "memory", "":
		return eventlog.NewMemory(cfg.Log.Partitions), nil
	default:
		return nil, fmt.Errorf("unknown event log backend: %q", cfg.Log.Backend)
	}
}

func newCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		return cache.NewRedis(ctx, cfg.Cache.Redis)
	case "lru", "":
		return cache.NewLRU(cfg.Cache.Size)
	default:
		return nil, fmt.Errorf("unknown cache backend: %q", cfg.Cache.Backend)
	}
}
