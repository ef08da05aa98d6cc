// Package cache is the fingerprinted response cache for device command
// output. Entries live in the shared Redis store under a dedicated key
// prefix, keyed by a stable hash of (device host, command text) so that the
// same command against the same device always lands on the same key.
//
// Failures are never cached; only successful command output enters the cache.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomnet/tom/internal/config"
	"github.com/tomnet/tom/internal/metrics"
)

type (
	// Entry is the stored value for one (device, command) pair.
	Entry struct {
		RawOutput string `json:"raw_output"`
		CachedAt  int64  `json:"cached_at"`
		TTLS      int    `json:"ttl_s"`
	}

	// Cache reads and writes response cache entries. A disabled cache
	// returns misses and drops writes so callers need no special casing.
	Cache struct {
		rdb        *redis.Client
		prefix     string
		enabled    bool
		defaultTTL int
		maxTTL     int
	}

	// DeviceSummary describes the cached state of one device for the
	// administrative inspection endpoint.
	DeviceSummary struct {
		Device  string `json:"device"`
		Entries int    `json:"entries"`
	}
)

// New constructs a Cache from the shared cache configuration section.
func New(rdb *redis.Client, cfg config.Cache) (*Cache, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "tom"
	}
	return &Cache{
		rdb:        rdb,
		prefix:     prefix,
		enabled:    cfg.Enabled,
		defaultTTL: cfg.DefaultTTL,
		maxTTL:     cfg.MaxTTL,
	}, nil
}

// Enabled reports whether the cache accepts reads and writes.
func (c *Cache) Enabled() bool { return c.enabled }

// Fingerprint returns the stable cache key hash for a (host, command) pair.
// The NUL separator keeps distinct pairs from colliding on concatenation.
func Fingerprint(host, command string) string {
	sum := sha256.Sum256([]byte(host + "\x00" + command))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) entryKey(host, command string) string {
	return c.prefix + ":cache:" + Fingerprint(host, command)
}

func (c *Cache) deviceKey(host string) string {
	return c.prefix + ":cache:device:" + host
}

// ClampTTL bounds a requested TTL by the configured maximum, substituting the
// default when the request does not specify one. Oversized values are
// clamped, not rejected.
func (c *Cache) ClampTTL(requested int) int {
	ttl := requested
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if c.maxTTL > 0 && ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	return ttl
}

// Get looks up the cached output for a command. The second return value is
// false on a miss (including expired entries and a disabled cache).
func (c *Cache) Get(ctx context.Context, host, command string) (*Entry, bool, error) {
	if !c.enabled {
		return nil, false, nil
	}
	data, err := c.rdb.Get(ctx, c.entryKey(host, command)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", host, err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("cache entry for %s is corrupt: %w", host, err)
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return &entry, true, nil
}

// Put stores a successful command output with the requested TTL (clamped).
// The entry is also indexed by device so per-device invalidation can find it.
func (c *Cache) Put(ctx context.Context, host, command, output string, requestedTTL int) error {
	if !c.enabled {
		return nil
	}
	ttl := c.ClampTTL(requestedTTL)
	entry := Entry{
		RawOutput: output,
		CachedAt:  time.Now().Unix(),
		TTLS:      ttl,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	key := c.entryKey(host, command)
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, key, data, time.Duration(ttl)*time.Second)
	pipe.SAdd(ctx, c.deviceKey(host), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache put %s: %w", host, err)
	}
	return nil
}

// InvalidateDevice removes all cached entries for one device and returns the
// number of live entries removed.
func (c *Cache) InvalidateDevice(ctx context.Context, host string) (int, error) {
	keys, err := c.rdb.SMembers(ctx, c.deviceKey(host)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache invalidate %s: %w", host, err)
	}
	removed := 0
	if len(keys) > 0 {
		n, err := c.rdb.Del(ctx, keys...).Result()
		if err != nil {
			return 0, fmt.Errorf("cache invalidate %s: %w", host, err)
		}
		removed = int(n)
	}
	if err := c.rdb.Del(ctx, c.deviceKey(host)).Err(); err != nil {
		return removed, fmt.Errorf("cache invalidate %s index: %w", host, err)
	}
	return removed, nil
}

// InvalidateAll clears the entire response cache and returns the number of
// entries removed.
func (c *Cache) InvalidateAll(ctx context.Context) (int, error) {
	removed := 0
	iter := c.rdb.Scan(ctx, 0, c.prefix+":cache:*", 256).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 256 {
			n, err := c.rdb.Del(ctx, batch...).Result()
			if err != nil {
				return removed, fmt.Errorf("cache invalidate all: %w", err)
			}
			removed += int(n)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("cache invalidate all: %w", err)
	}
	if len(batch) > 0 {
		n, err := c.rdb.Del(ctx, batch...).Result()
		if err != nil {
			return removed, fmt.Errorf("cache invalidate all: %w", err)
		}
		removed += int(n)
	}
	return removed, nil
}

// Summaries lists devices with cached entries. Expired entries are pruned
// from the device indexes as a side effect.
func (c *Cache) Summaries(ctx context.Context) ([]DeviceSummary, error) {
	var out []DeviceSummary
	iter := c.rdb.Scan(ctx, 0, c.prefix+":cache:device:*", 256).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()
		device := indexKey[len(c.prefix+":cache:device:"):]
		members, err := c.rdb.SMembers(ctx, indexKey).Result()
		if err != nil {
			return nil, fmt.Errorf("cache summaries: %w", err)
		}
		live := 0
		for _, member := range members {
			n, err := c.rdb.Exists(ctx, member).Result()
			if err != nil {
				return nil, fmt.Errorf("cache summaries: %w", err)
			}
			if n > 0 {
				live++
			} else {
				c.rdb.SRem(ctx, indexKey, member)
			}
		}
		if live > 0 {
			out = append(out, DeviceSummary{Device: device, Entries: live})
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache summaries: %w", err)
	}
	return out, nil
}

// Age returns the entry's age in whole seconds at the time of the call.
func (e *Entry) Age() int64 {
	return time.Now().Unix() - e.CachedAt
}
