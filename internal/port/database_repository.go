package port

import (
	"context"

	"github.com/voucherlab/seckill/internal/core/domain"
)

// VoucherRepository is the narrow voucher read surface the admission path
// depends on; the production implementation reads through the cache.
type VoucherRepository interface {
	GetVoucher(ctx context.Context, id uint64) (*domain.Voucher, error)
}

type DatabaseRepository interface {
	// CreateOrder persists an order transactionally: re-checks that no order
	// exists for the (user, voucher) pair, inserts the row and decrements
	// the authoritative stock. Returns domain.ErrOrderExists or
	// domain.ErrStockDepleted on the expected rejections.
	CreateOrder(ctx context.Context, order domain.Order) error

	// GetVoucher retrieves a voucher by ID, nil when absent.
	GetVoucher(ctx context.Context, id uint64) (*domain.Voucher, error)

	// GetShop retrieves a shop by ID, nil when absent.
	GetShop(ctx context.Context, id uint64) (*domain.Shop, error)

	// UpdateShop writes a shop row back.
	UpdateShop(ctx context.Context, shop domain.Shop) error
}
