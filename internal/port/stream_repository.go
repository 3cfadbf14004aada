package port

import (
	"context"
	"time"

	"github.com/voucherlab/seckill/internal/core/domain"
)

type StreamRepository interface {
	// EnsureGroup creates the consumer group (and the stream if missing).
	// Safe to call when the group already exists.
	EnsureGroup(ctx context.Context) error

	// ReadIntents blocks up to block for new deliveries to this consumer.
	// Returns an empty slice when the block interval elapses quietly.
	ReadIntents(ctx context.Context, block time.Duration) ([]domain.PurchaseIntent, error)

	// ReadPending claims entries delivered to this consumer but never
	// acknowledged, starting from the beginning of the pending-entry list.
	// Each claim increments the entry's delivery count.
	ReadPending(ctx context.Context) ([]domain.PurchaseIntent, error)

	// Ack removes an entry from the pending-entry list.
	Ack(ctx context.Context, streamID string) error

	// DeadLetter copies an intent onto the dead-letter stream so a poisoned
	// entry can be acknowledged without losing its payload.
	DeadLetter(ctx context.Context, intent domain.PurchaseIntent, reason string) error
}
