package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type testShop struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func newTestClient(rdb *redis.Client) *Client {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewClient(rdb, logger, 4)
}

func testKeyPrefix(t *testing.T) string {
	return fmt.Sprintf("cachetest:%s:%d:", t.Name(), time.Now().UnixNano())
}

func TestGetWithPassThrough_CachesValue(t *testing.T) {
	rdb := getRedisClient(t)
	defer rdb.Close()

	ctx := context.Background()
	c := newTestClient(rdb)
	prefix := testKeyPrefix(t)

	var loads atomic.Int32
	loader := func(ctx context.Context, id uint64) (*testShop, error) {
		loads.Add(1)
		return &testShop{ID: id, Name: "cafe"}, nil
	}

	for i := 0; i < 3; i++ {
		v, err := GetWithPassThrough(ctx, c, prefix, 1, time.Minute, loader)
		require.NoError(t, err)
		require.NotNil(t, v)
		require.Equal(t, "cafe", v.Name)
	}

	require.EqualValues(t, 1, loads.Load(), "loader ran on a warm cache")
}

func TestGetWithPassThrough_NullMarkerBlocksRepeatMisses(t *testing.T) {
	rdb := getRedisClient(t)
	defer rdb.Close()

	ctx := context.Background()
	c := newTestClient(rdb)
	prefix := testKeyPrefix(t)

	var loads atomic.Int32
	loader := func(ctx context.Context, id uint64) (*testShop, error) {
		loads.Add(1)
		return nil, nil
	}

	for i := 0; i < 5; i++ {
		v, err := GetWithPassThrough(ctx, c, prefix, 404, time.Minute, loader)
		require.NoError(t, err)
		require.Nil(t, v)
	}

	require.EqualValues(t, 1, loads.Load(), "nonexistent id reached the loader repeatedly")
}

func TestGetWithMutex_SingleLoaderUnderStorm(t *testing.T) {
	rdb := getRedisClient(t)
	defer rdb.Close()

	ctx := context.Background()
	c := newTestClient(rdb)
	prefix := testKeyPrefix(t)

	var loads atomic.Int32
	loader := func(ctx context.Context, id uint64) (*testShop, error) {
		loads.Add(1)
		// Hold the rebuild long enough that every other reader contends.
		time.Sleep(100 * time.Millisecond)
		return &testShop{ID: id, Name: "hot"}, nil
	}

	const readers = 50
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := GetWithMutex(ctx, c, prefix, 7, time.Minute, loader)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if v == nil || v.Name != "hot" {
				t.Errorf("unexpected value: %+v", v)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, loads.Load(), "concurrent miss storm was not serialized")
}

func TestGetWithMutex_RetriesAreBounded(t *testing.T) {
	rdb := getRedisClient(t)
	defer rdb.Close()

	ctx := context.Background()
	c := newTestClient(rdb)
	prefix := testKeyPrefix(t)
	key := fmt.Sprintf("%s%d", prefix, 9)

	// Park a foreign rebuild lock on the key so every attempt loses.
	require.NoError(t, rdb.Set(ctx, "lock:"+key, "someone-else", time.Minute).Err())
	defer rdb.Del(ctx, "lock:"+key)

	start := time.Now()
	_, err := GetWithMutex(ctx, c, prefix, 9, time.Minute, func(ctx context.Context, id uint64) (*testShop, error) {
		t.Error("loader must not run while the rebuild lock is foreign-held")
		return nil, nil
	})
	require.ErrorIs(t, err, ErrCacheBusy)
	require.Less(t, time.Since(start), 5*time.Second, "retry loop is not bounded")
}

func TestGetWithLogicalExpire_FreshValue(t *testing.T) {
	rdb := getRedisClient(t)
	defer rdb.Close()

	ctx := context.Background()
	c := newTestClient(rdb)
	prefix := testKeyPrefix(t)
	key := fmt.Sprintf("%s%d", prefix, 3)

	require.NoError(t, c.SetWithLogicalExpire(ctx, key, &testShop{ID: 3, Name: "fresh"}, time.Minute))

	v, err := GetWithLogicalExpire(ctx, c, prefix, 3, time.Minute, func(ctx context.Context, id uint64) (*testShop, error) {
		t.Error("loader must not run for a fresh entry")
		return nil, nil
	})
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, "fresh", v.Name)
}

func TestGetWithLogicalExpire_StaleServedAndRebuiltOnce(t *testing.T) {
	rdb := getRedisClient(t)
	defer rdb.Close()

	ctx := context.Background()
	c := newTestClient(rdb)
	prefix := testKeyPrefix(t)
	key := fmt.Sprintf("%s%d", prefix, 5)

	// Preload an already-expired entry.
	require.NoError(t, c.SetWithLogicalExpire(ctx, key, &testShop{ID: 5, Name: "stale"}, -time.Second))

	var loads atomic.Int32
	loader := func(ctx context.Context, id uint64) (*testShop, error) {
		loads.Add(1)
		return &testShop{ID: id, Name: "rebuilt"}, nil
	}

	const readers = 20
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := GetWithLogicalExpire(ctx, c, prefix, 5, time.Minute, loader)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			// Every reader gets an answer immediately, stale or rebuilt.
			if v == nil {
				t.Error("stale read returned nothing")
			}
		}()
	}
	wg.Wait()

	// Let the asynchronous rebuild settle.
	time.Sleep(300 * time.Millisecond)
	require.EqualValues(t, 1, loads.Load(), "more than one rebuild was scheduled")

	v, err := GetWithLogicalExpire(ctx, c, prefix, 5, time.Minute, loader)
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, "rebuilt", v.Name)
}

func TestGetWithLogicalExpire_UndecodableEntryReadsAsAbsent(t *testing.T) {
	rdb := getRedisClient(t)
	defer rdb.Close()

	ctx := context.Background()
	c := newTestClient(rdb)
	prefix := testKeyPrefix(t)
	key := fmt.Sprintf("%s%d", prefix, 11)

	require.NoError(t, rdb.Set(ctx, key, "{not json", 0).Err())

	v, err := GetWithLogicalExpire(ctx, c, prefix, 11, time.Minute, func(ctx context.Context, id uint64) (*testShop, error) {
		t.Error("loader must not run for a corrupt entry")
		return nil, nil
	})
	require.NoError(t, err)
	require.Nil(t, v)

	// The corrupt entry is dropped, not served again.
	exists, err := rdb.Exists(ctx, key).Result()
	require.NoError(t, err)
	require.Zero(t, exists, "corrupt entry left in place")
}

func TestGetWithLogicalExpire_AbsentKey(t *testing.T) {
	rdb := getRedisClient(t)
	defer rdb.Close()

	ctx := context.Background()
	c := newTestClient(rdb)
	prefix := testKeyPrefix(t)

	v, err := GetWithLogicalExpire(ctx, c, prefix, 999, time.Minute, func(ctx context.Context, id uint64) (*testShop, error) {
		t.Error("loader must not run for an unpreloaded id")
		return nil, nil
	})
	require.NoError(t, err)
	require.Nil(t, v)
}
