// Package lock implements a distributed mutual-exclusion primitive over
// Redis. Acquisition is a single SET NX with a TTL; the value is a token
// unique to this holder, so release after a TTL-driven expiry can never
// delete a lock a different holder has since taken.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voucherlab/seckill/internal/port"
)

const keyPrefix = "lock:"

// instanceID distinguishes this process from every other lock holder.
var instanceID = uuid.New().String()

// Mutex guards one logical resource. Create a fresh Mutex per critical
// section; the token binds release to the matching acquisition.
//
// No renewal heartbeat is implemented: pick a TTL larger than the worst-case
// critical-section duration.
type Mutex struct {
	client redis.Cmdable
	name   string
	token  string
}

func NewMutex(client redis.Cmdable, name string) *Mutex {
	return &Mutex{
		client: client,
		name:   name,
		token:  instanceID + "-" + uuid.New().String(),
	}
}

// TryLock attempts a single non-blocking acquisition. Callers wanting retry
// implement it at the call site.
func (m *Mutex) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, keyPrefix+m.name, m.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", m.name, err)
	}
	return ok, nil
}

// Unlock releases the lock only if it is still owned by this Mutex. A
// release by a non-owner, or after expiry and re-acquisition by someone
// else, is a no-op.
func (m *Mutex) Unlock(ctx context.Context) error {
	current, err := m.client.Get(ctx, keyPrefix+m.name).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect lock %q: %w", m.name, err)
	}
	if current != m.token {
		return nil
	}
	if err := m.client.Del(ctx, keyPrefix+m.name).Err(); err != nil {
		return fmt.Errorf("release lock %q: %w", m.name, err)
	}
	return nil
}

// Factory mints Mutexes against a shared Redis client.
type Factory struct {
	client redis.Cmdable
}

func NewFactory(client redis.Cmdable) *Factory {
	return &Factory{client: client}
}

func (f *Factory) NewLock(name string) port.Lock {
	return NewMutex(f.client, name)
}
