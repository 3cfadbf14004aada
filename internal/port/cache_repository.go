package port

import "context"

// AdmissionResult is the status code returned by the atomic admission script.
type AdmissionResult int

const (
	AdmissionAccepted   AdmissionResult = 0
	AdmissionOutOfStock AdmissionResult = 1
	AdmissionDuplicate  AdmissionResult = 2
)

type CacheRepository interface {
	// SubmitPurchase atomically checks stock, rejects repeat buyers and
	// enqueues the purchase intent, all in a single server-side script.
	SubmitPurchase(ctx context.Context, voucherID, userID, orderID uint64) (AdmissionResult, error)

	// SeedStock publishes a voucher's remaining stock so the admission
	// script can check it without touching the backing store.
	SeedStock(ctx context.Context, voucherID uint64, stock int) error
}
