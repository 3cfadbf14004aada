package service

import (
	"context"
	"fmt"
	"time"

	"github.com/voucherlab/seckill/internal/cache"
	"github.com/voucherlab/seckill/internal/core/domain"
	"github.com/voucherlab/seckill/internal/port"
)

const (
	shopCacheKeyPrefix = "cache:shop:"
	shopCacheTTL       = 30 * time.Minute
	shopLogicalTTL     = 10 * time.Minute
)

// ShopService is the read-mostly lookup path riding on the cache resilience
// layer.
type ShopService struct {
	cache *cache.Client
	db    port.DatabaseRepository
}

func NewShopService(c *cache.Client, db port.DatabaseRepository) *ShopService {
	return &ShopService{cache: c, db: db}
}

// GetByID serves a shop with the mutex breakdown variant: a miss storm on
// one shop results in a single backing-store query.
func (s *ShopService) GetByID(ctx context.Context, id uint64) (*domain.Shop, error) {
	return cache.GetWithMutex(ctx, s.cache, shopCacheKeyPrefix, id, shopCacheTTL, s.db.GetShop)
}

// GetByIDStale serves a preloaded hot shop with bounded latency, tolerating
// logically expired data while a background rebuild runs. Use Warmup to
// bring a shop into the hot set first.
func (s *ShopService) GetByIDStale(ctx context.Context, id uint64) (*domain.Shop, error) {
	return cache.GetWithLogicalExpire(ctx, s.cache, shopCacheKeyPrefix, id, shopLogicalTTL, s.db.GetShop)
}

// Warmup preloads a shop as a logical-expiration entry.
func (s *ShopService) Warmup(ctx context.Context, id uint64, valid time.Duration) error {
	shop, err := s.db.GetShop(ctx, id)
	if err != nil {
		return fmt.Errorf("load shop %d: %w", id, err)
	}
	if shop == nil {
		return fmt.Errorf("shop %d not found", id)
	}
	key := fmt.Sprintf("%s%d", shopCacheKeyPrefix, id)
	return s.cache.SetWithLogicalExpire(ctx, key, shop, valid)
}

// Update writes the shop row first and invalidates the cache entry after,
// so the next read repopulates from the authoritative store.
func (s *ShopService) Update(ctx context.Context, shop domain.Shop) error {
	if err := s.db.UpdateShop(ctx, shop); err != nil {
		return err
	}
	key := fmt.Sprintf("%s%d", shopCacheKeyPrefix, shop.ID)
	return s.cache.Delete(ctx, key)
}
