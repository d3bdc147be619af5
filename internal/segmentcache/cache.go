package segmentcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one externally-existing segment, keyed in the snapshot by its
// normalized name.
type Entry struct {
	ExternalID string    `json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Cache holds per-account snapshots of segments that already exist on the
// platform. Snapshots are disposable — the platform stays authoritative.
// Implementations must be safe for concurrent use.
type Cache interface {
	Replace(ctx context.Context, accountRef string, entries map[string]Entry, syncedAt time.Time) error
	Lookup(ctx context.Context, accountRef, normalizedName string) (Entry, bool, error)
	SyncedAt(ctx context.Context, accountRef string) (time.Time, bool, error)
	Ping(ctx context.Context) error
}

// RedisCache implements Cache using go-redis/v9. One hash per account plus a
// synced-at marker.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Replace swaps the snapshot wholesale. DEL + HSET + SET run in one MULTI/EXEC
// so readers never observe a half-written snapshot.
func (c *RedisCache) Replace(ctx context.Context, accountRef string, entries map[string]Entry, syncedAt time.Time) error {
	fields := make(map[string]string, len(entries))
	for name, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry %q: %w", name, err)
		}
		fields[name] = string(b)
	}

	key := SnapshotKey(accountRef)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(fields) > 0 {
		pipe.HSet(ctx, key, fields)
	}
	pipe.Set(ctx, SyncedAtKey(accountRef), syncedAt.UTC().Format(time.RFC3339Nano), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (c *RedisCache) Lookup(ctx context.Context, accountRef, normalizedName string) (Entry, bool, error) {
	val, err := c.client.HGet(ctx, SnapshotKey(accountRef), normalizedName).Result()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup segment: %w", err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal entry: %w", err)
	}
	return e, true, nil
}

func (c *RedisCache) SyncedAt(ctx context.Context, accountRef string) (time.Time, bool, error) {
	val, err := c.client.Get(ctx, SyncedAtKey(accountRef)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get synced at: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse synced at: %w", err)
	}
	return t, true, nil
}
