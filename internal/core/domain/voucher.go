package domain

import "time"

// Voucher is a promotion with a fixed inventory sold inside a time window.
type Voucher struct {
	ID        uint64
	ShopID    uint64
	Title     string
	Stock     int
	BeginTime time.Time
	EndTime   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
