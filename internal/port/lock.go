package port

import (
	"context"
	"time"
)

// Lock is a store-backed mutual-exclusion primitive. A Lock value is owned
// by a single critical section: the token written on TryLock is what makes
// Unlock refuse to release somebody else's acquisition.
type Lock interface {
	TryLock(ctx context.Context, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context) error
}

// LockFactory mints a fresh Lock for a logical resource name.
type LockFactory interface {
	NewLock(name string) Lock
}
