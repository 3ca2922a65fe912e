package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeflare/pagecache/pkg/cache"
	"github.com/edgeflare/pagecache/pkg/cdc"
	"github.com/edgeflare/pagecache/pkg/checkpoint"
	"github.com/edgeflare/pagecache/pkg/consumer"
	"github.com/edgeflare/pagecache/pkg/eventlog"
	"github.com/edgeflare/pagecache/pkg/store"
)

type dispatched struct {
	url string
	key string
}

type fakeDispatcher struct {
	ch chan dispatched
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{ch: make(chan dispatched, 8)}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, pageURL, key string) error {
	f.ch <- dispatched{url: pageURL, key: key}
	return nil
}

func (f *fakeDispatcher) waitForDispatch(t *testing.T) dispatched {
	t.Helper()
	select {
	case d := <-f.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no scrape dispatched")
		return dispatched{}
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *cache.LRU, *store.Memory, *fakeDispatcher) {
	t.Helper()
	lru, err := cache.NewLRU(128)
	require.NoError(t, err)
	mem := store.NewMemory()
	disp := newFakeDispatcher()
	coord := NewCoordinator(lru, mem, disp, Config{TTL: time.Minute}, zap.NewNop())
	return coord, lru, mem, disp
}

func TestReadMissPopulatesFromStore(t *testing.T) {
	ctx := context.Background()
	coord, lru, mem, _ := newTestCoordinator(t)

	rec := store.Record{Key: "k1", URL: "https://example.com/a", Title: "A"}
	seq := mem.Put(rec)

	res, err := coord.Read(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusFresh, res.Status)
	assert.Equal(t, SourceStore, res.Source)
	assert.Contains(t, string(res.Value), `"title":"A"`)

	// The populate carried the row's mod_seq as the cache version.
	entry, err := lru.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, seq, entry.Version)

	// Second read is served from the cache.
	res, err = coord.Read(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusFresh, res.Status)
	assert.Equal(t, SourceCache, res.Source)
}

func TestReadUnknownPageDispatchesScrape(t *testing.T) {
	ctx := context.Background()
	coord, _, _, disp := newTestCoordinator(t)

	res, err := coord.ReadURL(ctx, "https://example.com/missing")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, SourceDispatcher, res.Source)
	assert.Empty(t, res.Value)

	d := disp.waitForDispatch(t)
	assert.Equal(t, "https://example.com/missing", d.url)
	assert.Equal(t, res.Key, d.key)
}

func TestReadByKeyUnknownPageCannotDispatch(t *testing.T) {
	ctx := context.Background()
	coord, _, _, disp := newTestCoordinator(t)

	res, err := coord.Read(ctx, "nosuchkey")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)

	select {
	case d := <-disp.ch:
		t.Fatalf("dispatched %v without a URL", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReadTombstoneReportsPendingWithoutStoreRead(t *testing.T) {
	ctx := context.Background()
	coord, lru, mem, disp := newTestCoordinator(t)

	// The row exists again in the store, but the tombstone window has not
	// elapsed; reads inside it must not stampede the store.
	mem.Put(store.Record{Key: "k1", URL: "https://example.com/a"})
	require.NoError(t, lru.Delete(ctx, "k1", 10, time.Minute))

	res, err := coord.Read(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, SourceCache, res.Source)

	select {
	case d := <-disp.ch:
		t.Fatalf("unexpected dispatch %v during tombstone window", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReadStoreOutageServesStale(t *testing.T) {
	ctx := context.Background()
	coord, lru, mem, _ := newTestCoordinator(t)

	// A value that has expired but is still resident.
	_, err := lru.PutIfNewer(ctx, cache.Entry{Key: "k1", Value: []byte(`{"title":"old"}`), Version: 5}, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	mem.SetErr(errors.New("connection refused"))

	res, err := coord.Read(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusStale, res.Status)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, []byte(`{"title":"old"}`), res.Value)
}

func TestReadStoreOutageWithoutFallbackIsPending(t *testing.T) {
	ctx := context.Background()
	coord, _, mem, _ := newTestCoordinator(t)

	mem.SetErr(errors.New("connection refused"))

	res, err := coord.Read(ctx, "k1")
	require.NoError(t, err, "store outage must not surface as a read error")
	assert.Equal(t, StatusPending, res.Status)
	assert.Empty(t, res.Value)
}

func TestReadExpiredEntryRefreshesFromStore(t *testing.T) {
	ctx := context.Background()
	coord, lru, mem, _ := newTestCoordinator(t)

	_, err := lru.PutIfNewer(ctx, cache.Entry{Key: "k1", Value: []byte(`{"title":"old"}`), Version: 5}, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	mem.Put(store.Record{Key: "k1", URL: "https://example.com/a", Title: "new"})

	res, err := coord.Read(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusFresh, res.Status)
	assert.Equal(t, SourceStore, res.Source)
	assert.Contains(t, string(res.Value), `"title":"new"`)
}

func TestReadURLSpellingsShareOneKey(t *testing.T) {
	ctx := context.Background()
	coord, _, mem, _ := newTestCoordinator(t)

	key, err := cdc.KeyForURL("https://example.com/a")
	require.NoError(t, err)
	mem.Put(store.Record{Key: key, URL: "https://example.com/a"})

	a, err := coord.ReadURL(ctx, "HTTPS://EXAMPLE.COM/a")
	require.NoError(t, err)
	b, err := coord.ReadURL(ctx, "https://example.com:443/a")
	require.NoError(t, err)

	assert.Equal(t, key, a.Key)
	assert.Equal(t, key, b.Key)
	assert.Equal(t, StatusFresh, a.Status)
}

// End to end: an unseen page is dispatched for scraping, the scrape writes a
// record, and the CDC cycle makes the key readable without another store read.
func TestScrapeWriteCycleMakesKeyReadable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lru, err := cache.NewLRU(128)
	require.NoError(t, err)
	mem := store.NewMemory()
	disp := newFakeDispatcher()
	coord := NewCoordinator(lru, mem, disp, Config{TTL: time.Minute}, zap.NewNop())

	res, err := coord.ReadURL(ctx, "https://example.com/new")
	require.NoError(t, err)
	require.Equal(t, StatusPending, res.Status)
	d := disp.waitForDispatch(t)

	// The scrape service writes the record and the pipeline carries the
	// commit to the cache.
	log := eventlog.NewMemory(1)
	policy, err := consumer.NewPolicy(nil, consumer.ActionRefresh)
	require.NoError(t, err)
	cons := consumer.New(log, lru, checkpoint.NewMemory(), policy, consumer.Config{
		FetchWait:            20 * time.Millisecond,
		RetryInitialInterval: time.Millisecond,
	}, zap.NewNop())
	cons.Start(ctx)
	t.Cleanup(cons.Wait)

	seq := mem.Put(store.Record{Key: d.key, URL: d.url, Title: "scraped"})
	_, err = log.Append(ctx, cdc.ChangeEvent{
		Key:       d.key,
		Op:        cdc.OpInsert,
		Payload:   map[string]any{"url": d.url, "title": "scraped"},
		Seq:       seq,
		Partition: 0,
		TsMs:      time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	deadline := time.After(3 * time.Second)
	for {
		res, err = coord.Read(ctx, d.key)
		require.NoError(t, err)
		if res.Status == StatusFresh && res.Source == SourceCache {
			assert.Contains(t, string(res.Value), "scraped")
			return
		}
		select {
		case <-deadline:
			t.Fatalf("key never became readable from cache, last: %+v", res)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
