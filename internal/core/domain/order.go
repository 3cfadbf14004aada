package domain

import (
	"errors"
	"time"
)

var (
	// ErrOrderExists means an order for the same (user, voucher) pair is
	// already persisted. Worker commits treat it as idempotent success.
	ErrOrderExists = errors.New("order already exists")

	// ErrStockDepleted means the authoritative stock row could not be
	// decremented because it already reached zero.
	ErrStockDepleted = errors.New("voucher stock depleted")
)

type Order struct {
	ID        uint64
	UserID    uint64
	VoucherID uint64
	CreatedAt time.Time
}

// PurchaseIntent is an accepted purchase waiting for its order row to be
// committed. It lives in the durable stream between admission and ack.
type PurchaseIntent struct {
	OrderID     uint64
	UserID      uint64
	VoucherID   uint64
	SubmittedAt time.Time

	// StreamID identifies the stream entry carrying this intent, needed to
	// acknowledge it after a successful commit.
	StreamID string

	// DeliveryCount is how many times this entry has been delivered to the
	// consumer, taken from the pending-entry list during recovery.
	DeliveryCount int64
}
