package idgen

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// beginTimestamp is 2022-01-01T00:00:00Z; ids carry seconds since then.
	beginTimestamp = 1640995200

	// sequenceBits is how many low bits hold the per-day sequence number.
	sequenceBits = 32

	counterKeyPrefix = "icr:"
)

// Generator builds sortable 64-bit ids from an epoch-relative timestamp and
// a per-namespace, per-day counter kept in Redis. The time component
// occupies the high bits, so ids are increasing across processes as long as
// clocks agree to the second.
type Generator struct {
	client redis.Cmdable
}

func NewGenerator(client redis.Cmdable) *Generator {
	return &Generator{client: client}
}

func (g *Generator) NextID(ctx context.Context, namespace string) (uint64, error) {
	now := time.Now().UTC()
	timestamp := uint64(now.Unix() - beginTimestamp)

	// One counter per namespace per day bounds sequence growth and makes
	// the key self-partitioning.
	day := now.Format("2006:01:02")
	seq, err := g.client.Incr(ctx, counterKeyPrefix+namespace+":"+day).Result()
	if err != nil {
		return 0, fmt.Errorf("increment id sequence for %q: %w", namespace, err)
	}

	return timestamp<<sequenceBits | uint64(seq), nil
}
