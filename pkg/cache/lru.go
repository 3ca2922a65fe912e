package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is an in-process Cache backed by a bounded least-recently-used store.
// The LRU itself is thread-safe, but the version-guarded mutations are
// check-then-act, so a single mutex serializes them.
type LRU struct {
	mu    sync.Mutex
	cache *lru.Cache[string, Entry]
	now   func() time.Time
}

// NewLRU creates an LRU cache holding at most maxSize entries.
func NewLRU(maxSize int) (*LRU, error) {
	c, err := lru.New[string, Entry](maxSize)
	if err != nil {
		return nil, err
	}
	return &LRU{cache: c, now: time.Now}, nil
}

func (l *LRU) Get(_ context.Context, key string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.cache.Get(key)
	if !ok {
		return Entry{}, ErrMiss
	}
	return e, nil
}

func (l *LRU) PutIfNewer(_ context.Context, e Entry, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.cache.Peek(e.Key); ok && cur.Version >= e.Version {
		return false, nil
	}
	if ttl > 0 {
		e.ExpiresAt = l.now().Add(ttl)
	}
	l.cache.Add(e.Key, e)
	return true, nil
}

func (l *LRU) Invalidate(_ context.Context, key string, version int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.cache.Peek(key)
	if !ok {
		return false, nil
	}
	if cur.Version > version {
		return false, nil
	}
	l.cache.Remove(key)
	return true, nil
}

func (l *LRU) Delete(_ context.Context, key string, version int64, negTTL time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Delete events carry the before-image sequence, which can equal the
	// last applied update, so the guard is strictly-newer-wins only.
	if cur, ok := l.cache.Peek(key); ok && cur.Version > version {
		return nil
	}
	tomb := Entry{Key: key, Version: version, Deleted: true}
	if negTTL > 0 {
		tomb.ExpiresAt = l.now().Add(negTTL)
	}
	l.cache.Add(key, tomb)
	return nil
}

func (l *LRU) Len(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Len(), nil
}

func (l *LRU) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Purge()
	return nil
}
