package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/voucherlab/seckill/internal/core/domain"
)

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// CreateOrder commits an accepted purchase. The uniqueness re-check runs
// inside the transaction as the authoritative safety net behind the
// admission script's membership set, and the stock decrement is conditional
// so the row can never go negative.
func (m *MySQLAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE user_id = ? AND voucher_id = ?`,
		order.UserID, order.VoucherID,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("check existing order: %w", err)
	}
	if count > 0 {
		return domain.ErrOrderExists
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, voucher_id, created_at)
		VALUES (?, ?, ?, ?)`,
		order.ID, order.UserID, order.VoucherID, order.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE vouchers
		SET stock = stock - 1, updated_at = NOW()
		WHERE id = ? AND stock > 0`,
		order.VoucherID,
	)
	if err != nil {
		return fmt.Errorf("update voucher stock: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrStockDepleted
	}

	return tx.Commit()
}

func (m *MySQLAdapter) GetVoucher(ctx context.Context, id uint64) (*domain.Voucher, error) {
	var v domain.Voucher
	err := m.db.QueryRowContext(ctx, `
		SELECT id, shop_id, title, stock, begin_time, end_time, created_at, updated_at
		FROM vouchers WHERE id = ?`, id,
	).Scan(&v.ID, &v.ShopID, &v.Title, &v.Stock, &v.BeginTime, &v.EndTime, &v.CreatedAt, &v.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query voucher: %w", err)
	}
	return &v, nil
}

func (m *MySQLAdapter) GetShop(ctx context.Context, id uint64) (*domain.Shop, error) {
	var s domain.Shop
	err := m.db.QueryRowContext(ctx, `
		SELECT id, name, address, avg_price, created_at, updated_at
		FROM shops WHERE id = ?`, id,
	).Scan(&s.ID, &s.Name, &s.Address, &s.AvgPrice, &s.CreatedAt, &s.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query shop: %w", err)
	}
	return &s, nil
}

func (m *MySQLAdapter) UpdateShop(ctx context.Context, shop domain.Shop) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE shops
		SET name = ?, address = ?, avg_price = ?, updated_at = NOW()
		WHERE id = ?`,
		shop.Name, shop.Address, shop.AvgPrice, shop.ID,
	)
	if err != nil {
		return fmt.Errorf("update shop: %w", err)
	}
	return nil
}
