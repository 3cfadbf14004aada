// Package cache is a read-through cache over Redis with penetration and
// breakdown protection. Lookups are parameterized over a loader that fetches
// from the backing store on a miss.
//
// Penetration (ids that never exist) is blocked by caching a short-lived
// empty marker. Breakdown (a miss storm on one hot key) has two variants:
// a per-key rebuild mutex that serializes loaders, and logical expiration
// that serves stale data while one asynchronous rebuild runs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/voucherlab/seckill/internal/lock"
)

const (
	// nullMarkerTTL bounds how long a nonexistent id keeps shielding the
	// backing store.
	nullMarkerTTL = 2 * time.Minute

	rebuildLockTTL  = 10 * time.Second
	rebuildTimeout  = 5 * time.Second
	mutexRetryDelay = 50 * time.Millisecond
	maxMutexRetries = 10
)

// ErrCacheBusy is returned when a mutex-variant read exhausts its retries
// waiting for another caller's rebuild.
var ErrCacheBusy = errors.New("cache rebuild contended")

type Client struct {
	client redis.Cmdable
	logger *logrus.Logger

	// rebuild bounds the number of in-flight asynchronous rebuilds.
	rebuild chan struct{}
}

func NewClient(client redis.Cmdable, logger *logrus.Logger, rebuildWorkers int) *Client {
	if rebuildWorkers <= 0 {
		rebuildWorkers = 10
	}
	return &Client{
		client:  client,
		logger:  logger,
		rebuild: make(chan struct{}, rebuildWorkers),
	}
}

// Set serializes value as JSON and stores it under key with a physical TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, buf, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete drops a key, used for invalidation after a backing-store write.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// logicalEntry wraps a payload with an application-level staleness marker,
// decoupled from Redis eviction.
type logicalEntry struct {
	Data     json.RawMessage `json:"data"`
	ExpireAt time.Time       `json:"expireAt"`
}

// SetWithLogicalExpire stores value with an embedded expiry and no physical
// TTL, so a stale entry can still be served while it is rebuilt.
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, value any, valid time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	entry := logicalEntry{
		Data:     data,
		ExpireAt: time.Now().Add(valid),
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, buf, 0).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// cachedValue resolves key against the cache. done reports whether the read
// is settled: a decoded value, a cached null marker (nil result) or a store
// error. Undecodable entries count as misses and get rebuilt.
func cachedValue[T any](ctx context.Context, c *Client, key string) (*T, bool, error) {
	raw, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, fmt.Errorf("cache get %s: %w", key, err)
	}
	if raw == "" {
		return nil, true, nil
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("dropping undecodable cache entry")
		return nil, false, nil
	}
	return &v, true, nil
}

// dropUndecodable deletes a corrupt entry so the key reads as absent, the
// same treatment cachedValue gives undecodable physical-TTL entries.
func dropUndecodable(ctx context.Context, c *Client, key string, cause error) error {
	c.logger.WithError(cause).WithField("key", key).Warn("dropping undecodable cache entry")
	if err := c.Delete(ctx, key); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("drop undecodable cache entry failed")
	}
	return nil
}

// populate writes the loader's result back: real values get a TTL, absent
// ids get the empty marker.
func populate[T any](ctx context.Context, c *Client, key string, v *T, ttl time.Duration) {
	var err error
	if v == nil {
		err = c.client.Set(ctx, key, "", nullMarkerTTL).Err()
	} else {
		err = c.Set(ctx, key, v, ttl)
	}
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("cache populate failed")
	}
}

// GetWithPassThrough reads key through the cache with penetration protection
// only: concurrent misses may each invoke the loader.
func GetWithPassThrough[T any](ctx context.Context, c *Client, keyPrefix string, id uint64, ttl time.Duration, loader func(context.Context, uint64) (*T, error)) (*T, error) {
	key := fmt.Sprintf("%s%d", keyPrefix, id)

	if v, done, err := cachedValue[T](ctx, c, key); done {
		return v, err
	}

	v, err := loader(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	populate(ctx, c, key, v, ttl)
	return v, nil
}

// GetWithMutex reads key through the cache with a per-key rebuild mutex, so
// a miss storm results in exactly one loader call. Callers that lose the
// race wait briefly and re-read, bounded by maxMutexRetries.
func GetWithMutex[T any](ctx context.Context, c *Client, keyPrefix string, id uint64, ttl time.Duration, loader func(context.Context, uint64) (*T, error)) (*T, error) {
	key := fmt.Sprintf("%s%d", keyPrefix, id)

	for attempt := 0; attempt < maxMutexRetries; attempt++ {
		if v, done, err := cachedValue[T](ctx, c, key); done {
			return v, err
		}

		mu := lock.NewMutex(c.client, key)
		ok, err := mu.TryLock(ctx, rebuildLockTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Another caller owns the rebuild; wait for its write.
			time.Sleep(mutexRetryDelay)
			continue
		}

		v, err := rebuildUnderMutex(ctx, c, key, id, ttl, loader)
		if uerr := mu.Unlock(ctx); uerr != nil {
			c.logger.WithError(uerr).WithField("key", key).Warn("release rebuild lock failed")
		}
		return v, err
	}

	return nil, ErrCacheBusy
}

func rebuildUnderMutex[T any](ctx context.Context, c *Client, key string, id uint64, ttl time.Duration, loader func(context.Context, uint64) (*T, error)) (*T, error) {
	// The previous lock holder may have repopulated the key while this
	// caller was acquiring; re-check before hitting the backing store.
	if v, done, err := cachedValue[T](ctx, c, key); done {
		return v, err
	}

	v, err := loader(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	populate(ctx, c, key, v, ttl)
	return v, nil
}

// GetWithLogicalExpire reads a preloaded hot key. A read past the logical
// expiry returns the stale value immediately and schedules at most one
// asynchronous rebuild on the bounded worker pool. Absence means the id is
// not part of the preloaded set.
func GetWithLogicalExpire[T any](ctx context.Context, c *Client, keyPrefix string, id uint64, valid time.Duration, loader func(context.Context, uint64) (*T, error)) (*T, error) {
	key := fmt.Sprintf("%s%d", keyPrefix, id)

	raw, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}

	var entry logicalEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, dropUndecodable(ctx, c, key, err)
	}
	var v T
	if err := json.Unmarshal(entry.Data, &v); err != nil {
		return nil, dropUndecodable(ctx, c, key, err)
	}

	if time.Now().Before(entry.ExpireAt) {
		return &v, nil
	}

	// Stale. Whoever wins the rebuild lock hands the loader to the pool;
	// everyone serves the stale value without blocking.
	mu := lock.NewMutex(c.client, key)
	ok, err := mu.TryLock(ctx, rebuildLockTTL)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("rebuild lock failed")
		return &v, nil
	}
	if !ok {
		return &v, nil
	}

	select {
	case c.rebuild <- struct{}{}:
		go func() {
			defer func() { <-c.rebuild }()
			rebuildLogical(c, mu, key, id, valid, loader)
		}()
	default:
		// Pool saturated: give the lock back and stay stale.
		if err := mu.Unlock(ctx); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("release rebuild lock failed")
		}
	}

	return &v, nil
}

func rebuildLogical[T any](c *Client, mu *lock.Mutex, key string, id uint64, valid time.Duration, loader func(context.Context, uint64) (*T, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), rebuildTimeout)
	defer cancel()
	defer func() {
		if err := mu.Unlock(ctx); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("release rebuild lock failed")
		}
	}()

	// Re-check under the lock: a rebuild that finished between the staleness
	// check and the acquisition makes this one redundant.
	if raw, err := c.client.Get(ctx, key).Result(); err == nil {
		var entry logicalEntry
		if json.Unmarshal([]byte(raw), &entry) == nil && time.Now().Before(entry.ExpireAt) {
			return
		}
	}

	v, err := loader(ctx, id)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Error("cache rebuild failed")
		return
	}
	if v == nil {
		if err := c.Delete(ctx, key); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("drop vanished cache entry failed")
		}
		return
	}
	if err := c.SetWithLogicalExpire(ctx, key, v, valid); err != nil {
		c.logger.WithError(err).WithField("key", key).Error("cache rebuild write failed")
	}
}
