package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeflare/pagecache/pkg/cache"
	"github.com/edgeflare/pagecache/pkg/cdc"
	"github.com/edgeflare/pagecache/pkg/checkpoint"
	"github.com/edgeflare/pagecache/pkg/eventlog"
)

func testConfig() Config {
	return Config{
		FetchMax:             16,
		FetchWait:            20 * time.Millisecond,
		NegativeTTL:          time.Minute,
		ApplyRetryMax:        2,
		RetryInitialInterval: time.Millisecond,
	}
}

func mustPolicy(t *testing.T, def Action) *Policy {
	t.Helper()
	p, err := NewPolicy(nil, def)
	require.NoError(t, err)
	return p
}

func updateEvent(key string, seq int64, partition int32) cdc.ChangeEvent {
	return cdc.ChangeEvent{
		Key:       key,
		Op:        cdc.OpUpdate,
		Payload:   map[string]any{"url": "https://example.com/" + key, "mod_seq": seq},
		Seq:       seq,
		Partition: partition,
		TsMs:      time.Now().UnixMilli(),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// flakyCache wraps a Cache and fails mutations while an error is set.
type flakyCache struct {
	cache.Cache
	mu   sync.Mutex
	fail error
}

func (f *flakyCache) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *flakyCache) failing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *flakyCache) PutIfNewer(ctx context.Context, e cache.Entry, ttl time.Duration) (bool, error) {
	if err := f.failing(); err != nil {
		return false, err
	}
	return f.Cache.PutIfNewer(ctx, e, ttl)
}

func (f *flakyCache) Invalidate(ctx context.Context, key string, version int64) (bool, error) {
	if err := f.failing(); err != nil {
		return false, err
	}
	return f.Cache.Invalidate(ctx, key, version)
}

func (f *flakyCache) Delete(ctx context.Context, key string, version int64, negTTL time.Duration) error {
	if err := f.failing(); err != nil {
		return err
	}
	return f.Cache.Delete(ctx, key, version, negTTL)
}

// countingCache records how many mutations reached the cache per key.
type countingCache struct {
	cache.Cache
	mu    sync.Mutex
	calls map[string]int
}

func newCountingCache(inner cache.Cache) *countingCache {
	return &countingCache{Cache: inner, calls: make(map[string]int)}
}

func (c *countingCache) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

func (c *countingCache) PutIfNewer(ctx context.Context, e cache.Entry, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	c.calls[e.Key]++
	c.mu.Unlock()
	return c.Cache.PutIfNewer(ctx, e, ttl)
}

func TestConsumerAppliesAndCheckpoints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := eventlog.NewMemory(1)
	lru, err := cache.NewLRU(128)
	require.NoError(t, err)
	cps := checkpoint.NewMemory()

	_, err = log.Append(ctx, updateEvent("k1", 10, 0))
	require.NoError(t, err)
	_, err = log.Append(ctx, updateEvent("k2", 11, 0))
	require.NoError(t, err)

	cons := New(log, lru, cps, mustPolicy(t, ActionRefresh), testConfig(), zap.NewNop())
	cons.Start(ctx)
	t.Cleanup(cons.Wait)

	waitFor(t, func() bool {
		offset, err := cps.Load(ctx, 0)
		return err == nil && offset == 2
	}, "checkpoint never reached offset 2")

	e, err := lru.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), e.Version)
	e, err = lru.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, int64(11), e.Version)
}

func TestConsumerIdempotentRedelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := eventlog.NewMemory(1)
	lru, err := cache.NewLRU(128)
	require.NoError(t, err)
	cps := checkpoint.NewMemory()

	// v1 at seq 10, v2 at seq 11, then seq 10 redelivered.
	for _, seq := range []int64{10, 11, 10} {
		_, err := log.Append(ctx, updateEvent("k1", seq, 0))
		require.NoError(t, err)
	}

	cons := New(log, lru, cps, mustPolicy(t, ActionRefresh), testConfig(), zap.NewNop())
	cons.Start(ctx)
	t.Cleanup(cons.Wait)

	waitFor(t, func() bool {
		offset, err := cps.Load(ctx, 0)
		return err == nil && offset == 3
	}, "consumer never processed all three deliveries")

	e, err := lru.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), e.Version, "stale redelivery must not overwrite v2")
}

func TestConsumerDeleteWritesTombstone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := eventlog.NewMemory(1)
	lru, err := cache.NewLRU(128)
	require.NoError(t, err)
	cps := checkpoint.NewMemory()

	_, err = log.Append(ctx, updateEvent("k1", 10, 0))
	require.NoError(t, err)
	_, err = log.Append(ctx, cdc.ChangeEvent{
		Key: "k1", Op: cdc.OpDelete, Seq: 10, Partition: 0, TsMs: time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	cons := New(log, lru, cps, mustPolicy(t, ActionRefresh), testConfig(), zap.NewNop())
	cons.Start(ctx)
	t.Cleanup(cons.Wait)

	waitFor(t, func() bool {
		offset, err := cps.Load(ctx, 0)
		return err == nil && offset == 2
	}, "delete never checkpointed")

	e, err := lru.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, e.Deleted, "delete must leave a tombstone, not a value")
}

func TestConsumerInvalidatePolicyEvicts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := eventlog.NewMemory(1)
	lru, err := cache.NewLRU(128)
	require.NoError(t, err)
	cps := checkpoint.NewMemory()

	// Seed the cache as if a read had populated it at version 9.
	_, err = lru.PutIfNewer(ctx, cache.Entry{Key: "k1", Value: []byte("old"), Version: 9}, 0)
	require.NoError(t, err)

	_, err = log.Append(ctx, updateEvent("k1", 10, 0))
	require.NoError(t, err)

	cons := New(log, lru, cps, mustPolicy(t, ActionInvalidate), testConfig(), zap.NewNop())
	cons.Start(ctx)
	t.Cleanup(cons.Wait)

	waitFor(t, func() bool {
		offset, err := cps.Load(ctx, 0)
		return err == nil && offset == 1
	}, "update never checkpointed")

	_, err = lru.Get(ctx, "k1")
	assert.ErrorIs(t, err, cache.ErrMiss, "invalidate policy must evict the stale entry")
}

func TestConsumerPartitionIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := eventlog.NewMemory(2)
	lru, err := cache.NewLRU(128)
	require.NoError(t, err)
	cps := checkpoint.NewMemory()

	// Partition 0 gets a genuine regression: seq 10 then seq 5 for the same
	// key at a later offset.
	_, err = log.Append(ctx, updateEvent("bad", 10, 0))
	require.NoError(t, err)
	_, err = log.Append(ctx, updateEvent("bad", 5, 0))
	require.NoError(t, err)

	cons := New(log, lru, cps, mustPolicy(t, ActionRefresh), testConfig(), zap.NewNop())
	cons.Start(ctx)
	t.Cleanup(cons.Wait)

	waitFor(t, func() bool {
		return cons.Status()[0] == StateFailed
	}, "partition 0 never halted on the regression")

	// Partition 1 keeps flowing after 0 has halted.
	_, err = log.Append(ctx, updateEvent("good", 20, 1))
	require.NoError(t, err)

	waitFor(t, func() bool {
		offset, err := cps.Load(ctx, 1)
		return err == nil && offset == 1
	}, "partition 1 stalled behind the halted partition")

	e, err := lru.Get(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, int64(20), e.Version)

	// The halted partition advanced past the good event only.
	offset, err := cps.Load(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), offset)
}

func TestConsumerRestartResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()

	log := eventlog.NewMemory(1)
	counting := newCountingCache(mustNewLRU(t))
	cps := checkpoint.NewMemory()

	_, err := log.Append(ctx, updateEvent("k1", 10, 0))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	cons := New(log, counting, cps, mustPolicy(t, ActionRefresh), testConfig(), zap.NewNop())
	cons.Start(runCtx)
	waitFor(t, func() bool {
		offset, err := cps.Load(ctx, 0)
		return err == nil && offset == 1
	}, "first run never checkpointed")
	cancel()
	cons.Wait()

	// Restart against the same log and checkpoint store; only the new event
	// should be fetched, so k1 is applied exactly once overall.
	_, err = log.Append(ctx, updateEvent("k2", 11, 0))
	require.NoError(t, err)

	runCtx, cancel = context.WithCancel(ctx)
	defer cancel()
	cons = New(log, counting, cps, mustPolicy(t, ActionRefresh), testConfig(), zap.NewNop())
	cons.Start(runCtx)
	t.Cleanup(cons.Wait)

	waitFor(t, func() bool {
		offset, err := cps.Load(ctx, 0)
		return err == nil && offset == 2
	}, "second run never advanced the checkpoint")

	assert.Equal(t, 1, counting.count("k1"))
	assert.Equal(t, 1, counting.count("k2"))
}

func TestConsumerPauseAndResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := eventlog.NewMemory(1)
	lru := mustNewLRU(t)
	cps := checkpoint.NewMemory()

	cons := New(log, lru, cps, mustPolicy(t, ActionRefresh), testConfig(), zap.NewNop())
	require.NoError(t, cons.Pause(0))
	cons.Start(ctx)
	t.Cleanup(cons.Wait)

	waitFor(t, func() bool {
		return cons.Status()[0] == StatePaused
	}, "partition never paused")

	_, err := log.Append(ctx, updateEvent("k1", 10, 0))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, err = lru.Get(ctx, "k1")
	assert.ErrorIs(t, err, cache.ErrMiss, "paused partition must not apply events")

	require.NoError(t, cons.Resume(0))
	waitFor(t, func() bool {
		offset, err := cps.Load(ctx, 0)
		return err == nil && offset == 1
	}, "resumed partition never applied the event")

	e, err := lru.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), e.Version)
}

func TestConsumerApplyFailurePausesThenRetriesOnResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := eventlog.NewMemory(1)
	flaky := &flakyCache{Cache: mustNewLRU(t)}
	flaky.setFail(errors.New("cache unavailable"))
	cps := checkpoint.NewMemory()

	_, err := log.Append(ctx, updateEvent("k1", 10, 0))
	require.NoError(t, err)

	cons := New(log, flaky, cps, mustPolicy(t, ActionRefresh), testConfig(), zap.NewNop())
	cons.Start(ctx)
	t.Cleanup(cons.Wait)

	waitFor(t, func() bool {
		return cons.Status()[0] == StatePaused
	}, "partition never paused after exhausting apply retries")

	// Nothing was checkpointed while the apply kept failing.
	_, err = cps.Load(ctx, 0)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	flaky.setFail(nil)
	require.NoError(t, cons.Resume(0))

	waitFor(t, func() bool {
		offset, err := cps.Load(ctx, 0)
		return err == nil && offset == 1
	}, "event not retried after resume")

	e, err := flaky.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), e.Version)
}

func TestConsumerCheckpointFailureBlocksAdvancement(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := eventlog.NewMemory(1)
	lru := mustNewLRU(t)
	cps := checkpoint.NewMemory()
	cps.SetSaveErr(errors.New("checkpoint store unavailable"))

	_, err := log.Append(ctx, updateEvent("k1", 10, 0))
	require.NoError(t, err)

	cons := New(log, lru, cps, mustPolicy(t, ActionRefresh), testConfig(), zap.NewNop())
	cons.Start(ctx)
	t.Cleanup(cons.Wait)

	// The apply lands, but the offset must not advance while persistence
	// fails.
	waitFor(t, func() bool {
		_, err := lru.Get(ctx, "k1")
		return err == nil
	}, "event never applied")
	_, err = cps.Load(ctx, 0)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	cps.SetSaveErr(nil)
	waitFor(t, func() bool {
		offset, err := cps.Load(ctx, 0)
		return err == nil && offset == 1
	}, "checkpoint never recovered after the store came back")
}

func TestConsumerSkipsMalformedEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := eventlog.NewMemory(1)
	lru := mustNewLRU(t)
	cps := checkpoint.NewMemory()

	// Missing key: never applicable, must not wedge the partition.
	_, err := log.Append(ctx, cdc.ChangeEvent{Op: cdc.OpUpdate, Seq: 1, Partition: 0})
	require.NoError(t, err)
	_, err = log.Append(ctx, updateEvent("k1", 10, 0))
	require.NoError(t, err)

	cons := New(log, lru, cps, mustPolicy(t, ActionRefresh), testConfig(), zap.NewNop())
	cons.Start(ctx)
	t.Cleanup(cons.Wait)

	waitFor(t, func() bool {
		offset, err := cps.Load(ctx, 0)
		return err == nil && offset == 2
	}, "partition wedged on the malformed event")

	e, err := lru.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), e.Version)
}

func TestConsumerRedeliveryAtCheckpointBoundaryIsNotViolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := eventlog.NewMemory(1)
	lru := mustNewLRU(t)
	cps := checkpoint.NewMemory()

	_, err := log.Append(ctx, updateEvent("k1", 10, 0))
	require.NoError(t, err)
	_, err = log.Append(ctx, updateEvent("k1", 11, 0))
	require.NoError(t, err)

	// Crash after applying but before checkpointing offset 2: on restart the
	// log replays from offset 2, whose seq is not a regression.
	require.NoError(t, cps.Save(ctx, 0, 1))

	cons := New(log, lru, cps, mustPolicy(t, ActionRefresh), testConfig(), zap.NewNop())
	cons.Start(ctx)
	t.Cleanup(cons.Wait)

	waitFor(t, func() bool {
		offset, err := cps.Load(ctx, 0)
		return err == nil && offset == 2
	}, "redelivered event treated as a violation")
	assert.NotEqual(t, StateFailed, cons.Status()[0])
}

func mustNewLRU(t *testing.T) *cache.LRU {
	t.Helper()
	l, err := cache.NewLRU(128)
	require.NoError(t, err)
	return l
}
