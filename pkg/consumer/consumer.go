// Package consumer implements the invalidation consumer: one worker per
// event-log partition, pulling change events in order and applying them to
// the cache through version-guarded mutations. Partitions are isolated; a
// halted or paused partition never blocks the others.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/edgeflare/pagecache/pkg/cache"
	"github.com/edgeflare/pagecache/pkg/cdc"
	"github.com/edgeflare/pagecache/pkg/checkpoint"
	"github.com/edgeflare/pagecache/pkg/eventlog"
	"github.com/edgeflare/pagecache/pkg/metrics"
)

// ErrOrderingViolation means a partition delivered a commit sequence lower
// than one already seen for the same key, and the position rules out
// redelivery. Continuing could pin permanently stale data, so the partition
// halts instead.
var ErrOrderingViolation = errors.New("commit sequence regression")

// State is a partition worker's position in its processing cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateApplying
	StateCheckpointing
	StatePaused
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateApplying:
		return "applying"
	case StateCheckpointing:
		return "checkpointing"
	case StatePaused:
		return "paused"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config tunes the consumer.
type Config struct {
	// FetchMax and FetchWait bound each poll of the event log.
	FetchMax  int           `mapstructure:"fetchMax"`
	FetchWait time.Duration `mapstructure:"fetchWait"`

	// TTL applies to refreshed entries; NegativeTTL to delete tombstones.
	TTL         time.Duration `mapstructure:"ttl"`
	NegativeTTL time.Duration `mapstructure:"negativeTTL"`

	// ApplyRetryMax bounds cache-write retries before the partition pauses.
	ApplyRetryMax uint64 `mapstructure:"applyRetryMax"`

	// RetryInitialInterval seeds the exponential backoff used for apply and
	// checkpoint retries.
	RetryInitialInterval time.Duration `mapstructure:"retryInitialInterval"`

	// StalenessSLO is the commit-to-apply latency budget; slower applies
	// count as breaches.
	StalenessSLO time.Duration `mapstructure:"stalenessSLO"`

	// OrderingWindow is how many keys per partition are tracked for
	// sequence-regression detection.
	OrderingWindow int `mapstructure:"orderingWindow"`
}

func (c *Config) applyDefaults() {
	if c.FetchMax <= 0 {
		c.FetchMax = 64
	}
	if c.FetchWait <= 0 {
		c.FetchWait = time.Second
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 30 * time.Second
	}
	if c.ApplyRetryMax == 0 {
		c.ApplyRetryMax = 5
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 500 * time.Millisecond
	}
	if c.StalenessSLO <= 0 {
		c.StalenessSLO = 5 * time.Second
	}
	if c.OrderingWindow <= 0 {
		c.OrderingWindow = 4096
	}
}

// Consumer runs one worker per partition of the event log.
type Consumer struct {
	log         eventlog.Log
	cache       cache.Cache
	checkpoints checkpoint.Store
	policy      *Policy
	cfg         Config
	logger      *zap.Logger

	workers map[int32]*partitionWorker
	wg      sync.WaitGroup
}

// New assembles a consumer over every partition of log.
func New(log eventlog.Log, c cache.Cache, cp checkpoint.Store, policy *Policy, cfg Config, logger *zap.Logger) *Consumer {
	cfg.applyDefaults()
	cons := &Consumer{
		log:         log,
		cache:       c,
		checkpoints: cp,
		policy:      policy,
		cfg:         cfg,
		logger:      logger,
		workers:     make(map[int32]*partitionWorker),
	}
	for p := int32(0); p < log.Partitions(); p++ {
		cons.workers[p] = newPartitionWorker(p, cons)
	}
	return cons
}

// Start launches all partition workers. They stop when ctx is canceled;
// Wait blocks until they have.
func (c *Consumer) Start(ctx context.Context) {
	for _, w := range c.workers {
		c.wg.Add(1)
		go func(w *partitionWorker) {
			defer c.wg.Done()
			w.run(ctx)
		}(w)
	}
}

// Wait blocks until every worker has stopped.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

// Pause stops a partition's processing after the in-flight event completes.
// Its checkpoint is preserved.
func (c *Consumer) Pause(partition int32) error {
	w, ok := c.workers[partition]
	if !ok {
		return eventlog.ErrUnknownPartition
	}
	w.pause.Store(true)
	return nil
}

// Resume restarts a paused partition from its checkpoint.
func (c *Consumer) Resume(partition int32) error {
	w, ok := c.workers[partition]
	if !ok {
		return eventlog.ErrUnknownPartition
	}
	w.pause.Store(false)
	select {
	case w.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// Status reports each partition's current state.
func (c *Consumer) Status() map[int32]State {
	out := make(map[int32]State, len(c.workers))
	for p, w := range c.workers {
		out[p] = State(w.state.Load())
	}
	return out
}

type partitionWorker struct {
	partition int32
	c         *Consumer
	label     string

	state    atomic.Int32
	pause    atomic.Bool
	resumeCh chan struct{}

	// lastSeq tracks recently seen commit sequences per key to detect
	// ordering violations; appliedOffset distinguishes redelivery.
	lastSeq       *lru.Cache[string, int64]
	appliedOffset uint64
}

func newPartitionWorker(partition int32, c *Consumer) *partitionWorker {
	seen, _ := lru.New[string, int64](c.cfg.OrderingWindow)
	return &partitionWorker{
		partition: partition,
		c:         c,
		label:     strconv.Itoa(int(partition)),
		resumeCh:  make(chan struct{}, 1),
		lastSeq:   seen,
	}
}

func (w *partitionWorker) setState(s State) {
	w.state.Store(int32(s))
	if s == StatePaused || s == StateFailed {
		metrics.PartitionPaused.WithLabelValues(w.label).Set(1)
	} else {
		metrics.PartitionPaused.WithLabelValues(w.label).Set(0)
	}
}

func (w *partitionWorker) run(ctx context.Context) {
	logger := w.c.logger.With(zap.Int32("partition", w.partition))

	offset, err := w.loadCheckpoint(ctx)
	if err != nil {
		logger.Error("load checkpoint", zap.Error(err))
		w.setState(StateFailed)
		return
	}
	w.appliedOffset = offset

	var from uint64
	if offset > 0 {
		from = offset + 1
	}
	cursor, err := w.c.log.Open(ctx, w.partition, from)
	if err != nil {
		logger.Error("open partition cursor", zap.Error(err))
		w.setState(StateFailed)
		return
	}
	defer cursor.Close()

	logger.Info("partition worker started", zap.Uint64("resumeOffset", from))

	for {
		if ctx.Err() != nil {
			return
		}
		if w.pause.Load() {
			w.setState(StatePaused)
			logger.Info("partition paused")
			select {
			case <-ctx.Done():
				return
			case <-w.resumeCh:
				logger.Info("partition resumed")
			}
			continue
		}

		w.setState(StateFetching)
		msgs, err := cursor.Fetch(ctx, w.c.cfg.FetchMax, w.c.cfg.FetchWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			if err := w.process(ctx, msg, logger); err != nil {
				if errors.Is(err, ErrOrderingViolation) {
					metrics.OrderingViolations.WithLabelValues(w.label).Inc()
					logger.Error("halting partition",
						zap.Error(err),
						zap.String("key", msg.Event.Key),
						zap.Int64("seq", msg.Event.Seq),
						zap.Uint64("offset", msg.Offset))
					w.setState(StateFailed)
					return
				}
				// ctx canceled mid-apply
				return
			}
		}
		w.setState(StateIdle)
	}
}

func (w *partitionWorker) loadCheckpoint(ctx context.Context) (uint64, error) {
	var offset uint64
	op := func() error {
		var err error
		offset, err = w.c.checkpoints.Load(ctx, w.partition)
		if errors.Is(err, checkpoint.ErrNotFound) {
			offset = 0
			return nil
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(w.newBackOff(), ctx)); err != nil {
		return 0, err
	}
	return offset, nil
}

// newBackOff returns an exponential backoff that never gives up on its own;
// callers bound it with WithMaxRetries or context cancellation.
func (w *partitionWorker) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.c.cfg.RetryInitialInterval
	b.MaxElapsedTime = 0
	return b
}

// process applies one event and checkpoints it. A crash between the two
// causes redelivery on restart, which the version guard absorbs.
func (w *partitionWorker) process(ctx context.Context, msg eventlog.Message, logger *zap.Logger) error {
	ev := msg.Event

	if err := ev.Validate(); err != nil {
		// Malformed events can never become applicable; skip past them so
		// the partition is not wedged, but account for them loudly.
		metrics.ApplyErrors.WithLabelValues(w.label).Inc()
		logger.Error("skipping malformed event", zap.Error(err), zap.Uint64("offset", msg.Offset))
		return w.saveCheckpoint(ctx, msg.Offset)
	}

	if err := w.checkOrdering(ev, msg.Offset); err != nil {
		return err
	}

	w.setState(StateApplying)
	if err := w.applyWithRetry(ctx, ev, logger); err != nil {
		return err
	}

	w.setState(StateCheckpointing)
	if err := w.saveCheckpoint(ctx, msg.Offset); err != nil {
		return err
	}

	w.observeStaleness(ev)
	return nil
}

// checkOrdering flags a commit-sequence regression for a key unless the
// message position shows it is an at-least-once redelivery.
func (w *partitionWorker) checkOrdering(ev cdc.ChangeEvent, offset uint64) error {
	if last, ok := w.lastSeq.Get(ev.Key); ok && ev.Seq < last && offset > w.appliedOffset {
		return fmt.Errorf("%w: key %s seq %d after %d", ErrOrderingViolation, ev.Key, ev.Seq, last)
	}
	if last, ok := w.lastSeq.Get(ev.Key); !ok || ev.Seq > last {
		w.lastSeq.Add(ev.Key, ev.Seq)
	}
	return nil
}

// applyWithRetry retries transient cache failures with backoff; when the
// bounded attempts are exhausted it pauses the partition and, once resumed,
// starts over on the same event. Nothing is ever skipped.
func (w *partitionWorker) applyWithRetry(ctx context.Context, ev cdc.ChangeEvent, logger *zap.Logger) error {
	for {
		op := func() error { return w.apply(ctx, ev) }
		b := backoff.WithContext(backoff.WithMaxRetries(w.newBackOff(), w.c.cfg.ApplyRetryMax), ctx)
		err := backoff.Retry(op, b)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		metrics.ApplyErrors.WithLabelValues(w.label).Inc()
		logger.Error("cache apply failed, pausing partition",
			zap.Error(err), zap.String("key", ev.Key), zap.Int64("seq", ev.Seq))
		w.pause.Store(true)
		w.setState(StatePaused)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.resumeCh:
			w.pause.Store(false)
			w.setState(StateApplying)
			logger.Info("partition resumed, retrying event", zap.String("key", ev.Key))
		}
	}
}

func (w *partitionWorker) apply(ctx context.Context, ev cdc.ChangeEvent) error {
	switch ev.Op {
	case cdc.OpDelete:
		err := w.c.cache.Delete(ctx, ev.Key, ev.Seq, w.c.cfg.NegativeTTL)
		if err != nil {
			return err
		}
		metrics.EventsApplied.WithLabelValues(w.label, "delete", "applied").Inc()
		return nil

	case cdc.OpInsert, cdc.OpUpdate:
		switch w.c.policy.ActionFor(eventURL(ev)) {
		case ActionRefresh:
			value, err := json.Marshal(ev.Payload)
			if err != nil {
				return err
			}
			applied, err := w.c.cache.PutIfNewer(ctx, cache.Entry{
				Key:     ev.Key,
				Value:   value,
				Version: ev.Seq,
			}, w.c.cfg.TTL)
			if err != nil {
				return err
			}
			metrics.EventsApplied.WithLabelValues(w.label, "refresh", outcome(applied)).Inc()
			return nil

		default:
			evicted, err := w.c.cache.Invalidate(ctx, ev.Key, ev.Seq)
			if err != nil {
				return err
			}
			metrics.EventsApplied.WithLabelValues(w.label, "invalidate", outcome(evicted)).Inc()
			return nil
		}
	}
	return nil
}

// saveCheckpoint persists the offset, retrying until it succeeds or the
// context is canceled. Advancing past an unpersisted event is never allowed.
func (w *partitionWorker) saveCheckpoint(ctx context.Context, offset uint64) error {
	op := func() error {
		if err := w.c.checkpoints.Save(ctx, w.partition, offset); err != nil {
			metrics.CheckpointErrors.WithLabelValues(w.label).Inc()
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(w.newBackOff(), ctx)); err != nil {
		return err
	}
	w.appliedOffset = offset
	return nil
}

func (w *partitionWorker) observeStaleness(ev cdc.ChangeEvent) {
	if ev.TsMs <= 0 {
		return
	}
	lag := time.Since(time.UnixMilli(ev.TsMs))
	if lag < 0 {
		return
	}
	metrics.StalenessSeconds.WithLabelValues(w.label).Observe(lag.Seconds())
	if lag > w.c.cfg.StalenessSLO {
		metrics.SLOBreaches.WithLabelValues(w.label).Inc()
	}
}

// eventURL is the key-class identity for policy resolution: the record URL
// when the payload carries one, the opaque key otherwise.
func eventURL(ev cdc.ChangeEvent) string {
	if u, ok := ev.Payload["url"].(string); ok && u != "" {
		return u
	}
	return ev.Key
}

func outcome(applied bool) string {
	if applied {
		return "applied"
	}
	return "skipped"
}
