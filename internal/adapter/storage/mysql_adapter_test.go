package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/voucherlab/seckill/internal/core/domain"
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/seckill?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	return db
}

func seedVoucher(t *testing.T, db *sql.DB, id uint64, stock int) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO vouchers (id, shop_id, title, stock, begin_time, end_time, created_at, updated_at)
		VALUES (?, 1, 'test voucher', ?, NOW() - INTERVAL 1 HOUR, NOW() + INTERVAL 1 HOUR, NOW(), NOW())
		ON DUPLICATE KEY UPDATE stock = ?`, id, stock, stock)
	if err != nil {
		t.Fatalf("seed voucher: %v", err)
	}
}

func TestCreateOrder_Success(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	voucherID := uint64(time.Now().UnixNano())
	seedVoucher(t, db, voucherID, 100)
	defer db.ExecContext(ctx, `DELETE FROM vouchers WHERE id = ?`, voucherID)
	defer db.ExecContext(ctx, `DELETE FROM orders WHERE voucher_id = ?`, voucherID)

	order := domain.Order{
		ID:        voucherID + 1,
		UserID:    7,
		VoucherID: voucherID,
		CreatedAt: time.Now(),
	}

	if err := adapter.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	var count int
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE id = ?`, order.ID).Scan(&count)
	if count != 1 {
		t.Error("order not found in database")
	}

	var stock int
	db.QueryRowContext(ctx, `SELECT stock FROM vouchers WHERE id = ?`, voucherID).Scan(&stock)
	if stock != 99 {
		t.Errorf("expected stock 99, got %d", stock)
	}
}

func TestCreateOrder_DuplicatePairRejected(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	voucherID := uint64(time.Now().UnixNano())
	seedVoucher(t, db, voucherID, 100)
	defer db.ExecContext(ctx, `DELETE FROM vouchers WHERE id = ?`, voucherID)
	defer db.ExecContext(ctx, `DELETE FROM orders WHERE voucher_id = ?`, voucherID)

	first := domain.Order{ID: voucherID + 1, UserID: 7, VoucherID: voucherID, CreatedAt: time.Now()}
	if err := adapter.CreateOrder(ctx, first); err != nil {
		t.Fatalf("first CreateOrder failed: %v", err)
	}

	second := domain.Order{ID: voucherID + 2, UserID: 7, VoucherID: voucherID, CreatedAt: time.Now()}
	err := adapter.CreateOrder(ctx, second)
	if !errors.Is(err, domain.ErrOrderExists) {
		t.Errorf("expected ErrOrderExists, got: %v", err)
	}

	var count int
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE user_id = 7 AND voucher_id = ?`, voucherID).Scan(&count)
	if count != 1 {
		t.Errorf("expected exactly 1 order, got %d", count)
	}
}

func TestCreateOrder_StockDepleted(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	voucherID := uint64(time.Now().UnixNano())
	seedVoucher(t, db, voucherID, 0)
	defer db.ExecContext(ctx, `DELETE FROM vouchers WHERE id = ?`, voucherID)
	defer db.ExecContext(ctx, `DELETE FROM orders WHERE voucher_id = ?`, voucherID)

	order := domain.Order{ID: voucherID + 1, UserID: 7, VoucherID: voucherID, CreatedAt: time.Now()}
	err := adapter.CreateOrder(ctx, order)
	if !errors.Is(err, domain.ErrStockDepleted) {
		t.Errorf("expected ErrStockDepleted, got: %v", err)
	}

	// The rejected transaction must not leave an order row behind.
	var count int
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE voucher_id = ?`, voucherID).Scan(&count)
	if count != 0 {
		t.Errorf("expected no orders, got %d", count)
	}
}

func TestGetVoucher(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	voucherID := uint64(time.Now().UnixNano())
	seedVoucher(t, db, voucherID, 50)
	defer db.ExecContext(ctx, `DELETE FROM vouchers WHERE id = ?`, voucherID)

	v, err := adapter.GetVoucher(ctx, voucherID)
	if err != nil {
		t.Fatalf("GetVoucher failed: %v", err)
	}
	if v == nil {
		t.Fatal("expected voucher, got nil")
	}
	if v.Stock != 50 {
		t.Errorf("expected stock 50, got %d", v.Stock)
	}

	missing, err := adapter.GetVoucher(ctx, voucherID+1)
	if err != nil {
		t.Fatalf("GetVoucher for missing id failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing voucher")
	}
}
