package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua scripts make version-compare-and-mutate atomic on the server. Entries
// are hashes {val, ver, del, exp}; exp is carried as a field (unix ms) rather
// than a bare key TTL so the read path can still see expired values and
// degrade to stale serving.
var (
	putIfNewerScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then return 0 end
redis.call('HSET', KEYS[1], 'ver', ARGV[1], 'val', ARGV[2], 'del', '0', 'exp', ARGV[3])
if tonumber(ARGV[4]) > 0 then redis.call('EXPIRE', KEYS[1], ARGV[4]) end
return 1`)

	invalidateScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
if cur and tonumber(cur) > tonumber(ARGV[1]) then return 0 end
return redis.call('DEL', KEYS[1])`)

	deleteScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
if cur and tonumber(cur) > tonumber(ARGV[1]) then return 0 end
redis.call('HSET', KEYS[1], 'ver', ARGV[1], 'val', '', 'del', '1', 'exp', ARGV[2])
if tonumber(ARGV[3]) > 0 then redis.call('EXPIRE', KEYS[1], ARGV[3]) end
return 1`)
)

// Redis is a Cache backed by a shared Redis instance, for deployments where
// several query coordinators must observe the same invalidations. Bounding
// and eviction are delegated to Redis (maxmemory + LRU policy).
type Redis struct {
	client    *redis.Client
	keyPrefix string
	// hardTTL caps how long an entry may linger for stale serving after its
	// logical expiry. Zero keeps entries until Redis evicts them.
	hardTTL time.Duration
	now     func() time.Time
}

// RedisConfig carries connection settings for the Redis cache backend.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"keyPrefix"`
	HardTTL   time.Duration `mapstructure:"hardTTL"`
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "pagecache"
	}
	return &Redis{client: client, keyPrefix: prefix, hardTTL: cfg.HardTTL, now: time.Now}, nil
}

func (r *Redis) redisKey(key string) string {
	return r.keyPrefix + ":" + key
}

func (r *Redis) Get(ctx context.Context, key string) (Entry, error) {
	vals, err := r.client.HGetAll(ctx, r.redisKey(key)).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	if len(vals) == 0 {
		return Entry{}, ErrMiss
	}

	ver, err := strconv.ParseInt(vals["ver"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("redis entry %s has bad version %q", key, vals["ver"])
	}
	e := Entry{
		Key:     key,
		Value:   []byte(vals["val"]),
		Version: ver,
		Deleted: vals["del"] == "1",
	}
	if expMs, err := strconv.ParseInt(vals["exp"], 10, 64); err == nil && expMs > 0 {
		e.ExpiresAt = time.UnixMilli(expMs)
	}
	return e, nil
}

func (r *Redis) PutIfNewer(ctx context.Context, e Entry, ttl time.Duration) (bool, error) {
	var expMs int64
	if ttl > 0 {
		expMs = r.now().Add(ttl).UnixMilli()
	}
	n, err := putIfNewerScript.Run(ctx, r.client, []string{r.redisKey(e.Key)},
		e.Version, e.Value, expMs, int64(r.hardTTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("redis put %s: %w", e.Key, err)
	}
	return n == 1, nil
}

func (r *Redis) Invalidate(ctx context.Context, key string, version int64) (bool, error) {
	n, err := invalidateScript.Run(ctx, r.client, []string{r.redisKey(key)}, version).Int()
	if err != nil {
		return false, fmt.Errorf("redis invalidate %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) Delete(ctx context.Context, key string, version int64, negTTL time.Duration) error {
	var expMs int64
	if negTTL > 0 {
		expMs = r.now().Add(negTTL).UnixMilli()
	}
	ttlSec := int64(negTTL.Seconds())
	if r.hardTTL > 0 && r.hardTTL > negTTL {
		ttlSec = int64(r.hardTTL.Seconds())
	}
	if _, err := deleteScript.Run(ctx, r.client, []string{r.redisKey(key)},
		version, expMs, ttlSec).Int(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("redis dbsize: %w", err)
	}
	return int(n), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
