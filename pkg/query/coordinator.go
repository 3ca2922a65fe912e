// Package query serves page reads cache-aside: cache first, record store on
// miss, async scrape dispatch when the page is unknown. Results carry an
// explicit freshness status instead of pretending every answer is current.
package query

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edgeflare/pagecache/pkg/cache"
	"github.com/edgeflare/pagecache/pkg/cdc"
	"github.com/edgeflare/pagecache/pkg/metrics"
	"github.com/edgeflare/pagecache/pkg/store"
)

// Status is the freshness contract of a read result.
type Status string

const (
	// StatusFresh means the value reflects the latest applied change.
	StatusFresh Status = "fresh"
	// StatusStale means a previously cached value was served because the
	// record store could not answer.
	StatusStale Status = "stale"
	// StatusPending means no value is available yet; a scrape may have been
	// dispatched.
	StatusPending Status = "pending"
)

// Source is where a result's value came from.
type Source string

const (
	SourceCache      Source = "cache"
	SourceStore      Source = "store"
	SourceDispatcher Source = "dispatcher"
)

// Result is the answer to a page read.
type Result struct {
	Key    string `json:"key"`
	Value  []byte `json:"-"`
	Status Status `json:"status"`
	Source Source `json:"source"`
}

// Dispatcher requests a scrape of a page that is not in the record store.
type Dispatcher interface {
	Dispatch(ctx context.Context, pageURL, key string) error
}

// Config tunes the coordinator.
type Config struct {
	// TTL applies to entries populated from the record store.
	TTL time.Duration `mapstructure:"ttl"`
	// DispatchTimeout bounds each fire-and-forget scrape dispatch.
	DispatchTimeout time.Duration `mapstructure:"dispatchTimeout"`
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 15 * time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 5 * time.Second
	}
}

// Coordinator answers page reads against the cache and record store.
type Coordinator struct {
	cache    cache.Cache
	store    store.Store
	dispatch Dispatcher
	cfg      Config
	logger   *zap.Logger

	// flight collapses concurrent misses for one key into a single store
	// read, so a cold hot key does not stampede Postgres.
	flight singleflight.Group
	now    func() time.Time
}

// NewCoordinator assembles a coordinator. dispatch may be nil, in which case
// unknown pages are reported pending without a scrape request.
func NewCoordinator(c cache.Cache, s store.Store, dispatch Dispatcher, cfg Config, logger *zap.Logger) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cache:    c,
		store:    s,
		dispatch: dispatch,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// ReadURL normalizes rawURL, derives its record key and reads it. The URL is
// kept so an unknown page can be dispatched for scraping.
func (c *Coordinator) ReadURL(ctx context.Context, rawURL string) (Result, error) {
	normalized, err := cdc.NormalizeURL(rawURL)
	if err != nil {
		return Result{}, err
	}
	return c.read(ctx, cdc.Key(normalized), normalized)
}

// Read reads by record key. With no URL in hand, unknown pages cannot be
// dispatched for scraping and come back pending.
func (c *Coordinator) Read(ctx context.Context, key string) (Result, error) {
	return c.read(ctx, key, "")
}

func (c *Coordinator) read(ctx context.Context, key, pageURL string) (Result, error) {
	res, err := c.doRead(ctx, key, pageURL)
	if err == nil {
		metrics.Reads.WithLabelValues(string(res.Status), string(res.Source)).Inc()
	}
	return res, err
}

func (c *Coordinator) doRead(ctx context.Context, key, pageURL string) (Result, error) {
	entry, err := c.cache.Get(ctx, key)
	switch {
	case err == nil && entry.Deleted && !entry.Expired(c.now()):
		// Live tombstone: the row was deleted moments ago. Reads inside the
		// negative-cache window report known-absent without hitting the
		// store, absorbing the delete/read race.
		return Result{Key: key, Status: StatusPending, Source: SourceCache}, nil

	case err == nil && !entry.Deleted && !entry.Expired(c.now()):
		return Result{Key: key, Value: entry.Value, Status: StatusFresh, Source: SourceCache}, nil

	case err != nil && !errors.Is(err, cache.ErrMiss):
		return Result{}, err
	}

	// Miss, expired entry, or expired tombstone: go to the record store.
	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.readThrough(ctx, key, pageURL)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// readThrough reads the record store and repopulates the cache. Store errors
// degrade to the last cached value when one survives; a read never hard-fails
// just because Postgres is down while the cache still holds an answer.
func (c *Coordinator) readThrough(ctx context.Context, key, pageURL string) (Result, error) {
	rec, err := c.store.GetByKey(ctx, key)
	switch {
	case err == nil:
		value, merr := rec.CacheValue()
		if merr != nil {
			return Result{}, merr
		}
		// Version-guarded: if the consumer applied a newer change while we
		// were reading, this populate loses and that is correct.
		if _, perr := c.cache.PutIfNewer(ctx, cache.Entry{
			Key:     key,
			Value:   value,
			Version: rec.ModSeq,
		}, c.cfg.TTL); perr != nil {
			c.logger.Warn("cache populate failed", zap.String("key", key), zap.Error(perr))
		}
		return Result{Key: key, Value: value, Status: StatusFresh, Source: SourceStore}, nil

	case errors.Is(err, store.ErrNotFound):
		c.dispatchScrape(pageURL, key)
		return Result{Key: key, Status: StatusPending, Source: SourceDispatcher}, nil

	default:
		if entry, cerr := c.cache.Get(ctx, key); cerr == nil && !entry.Deleted && len(entry.Value) > 0 {
			c.logger.Warn("record store unavailable, serving stale",
				zap.String("key", key), zap.Error(err))
			return Result{Key: key, Value: entry.Value, Status: StatusStale, Source: SourceCache}, nil
		}
		c.logger.Warn("record store unavailable, no cached fallback",
			zap.String("key", key), zap.Error(err))
		return Result{Key: key, Status: StatusPending, Source: SourceStore}, nil
	}
}

// dispatchScrape fires a scrape request without blocking the read. Dispatch
// failures are logged and counted; the caller already reported pending and
// retrying is the scrape service's problem.
func (c *Coordinator) dispatchScrape(pageURL, key string) {
	if c.dispatch == nil || pageURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DispatchTimeout)
		defer cancel()
		if err := c.dispatch.Dispatch(ctx, pageURL, key); err != nil {
			metrics.Dispatches.WithLabelValues("error").Inc()
			c.logger.Warn("scrape dispatch failed", zap.String("url", pageURL), zap.Error(err))
			return
		}
		metrics.Dispatches.WithLabelValues("ok").Inc()
	}()
}
