package storage

import (
	"context"
	"time"

	"github.com/voucherlab/seckill/internal/cache"
	"github.com/voucherlab/seckill/internal/core/domain"
	"github.com/voucherlab/seckill/internal/port"
)

const (
	voucherCacheKeyPrefix = "cache:voucher:"
	voucherCacheTTL       = 30 * time.Minute
)

// CachedVoucherRepository serves voucher reads through the resilience layer
// so the hot admission path does not hammer the backing store.
type CachedVoucherRepository struct {
	cache *cache.Client
	db    port.DatabaseRepository
}

func NewCachedVoucherRepository(c *cache.Client, db port.DatabaseRepository) *CachedVoucherRepository {
	return &CachedVoucherRepository{cache: c, db: db}
}

func (r *CachedVoucherRepository) GetVoucher(ctx context.Context, id uint64) (*domain.Voucher, error) {
	return cache.GetWithPassThrough(ctx, r.cache, voucherCacheKeyPrefix, id, voucherCacheTTL, r.db.GetVoucher)
}
