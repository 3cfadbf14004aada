package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voucherlab/seckill/internal/port"
)

var (
	ErrOutOfStock      = errors.New("out of stock")
	ErrDuplicateOrder  = errors.New("duplicate order")
	ErrSaleNotStarted  = errors.New("sale not started")
	ErrSaleEnded       = errors.New("sale ended")
	ErrVoucherNotFound = errors.New("voucher not found")
)

// OrderService admits flash-sale purchases. Everything racy happens inside
// the store-side script; the service only validates the promotion window,
// pre-generates the order id and maps the script's status codes.
type OrderService struct {
	admission port.CacheRepository
	vouchers  port.VoucherRepository
	ids       port.IDGenerator
	logger    *logrus.Logger
}

func NewOrderService(admission port.CacheRepository, vouchers port.VoucherRepository, ids port.IDGenerator, logger *logrus.Logger) *OrderService {
	return &OrderService{
		admission: admission,
		vouchers:  vouchers,
		ids:       ids,
		logger:    logger,
	}
}

// SubmitPurchase returns the reserved order id on acceptance. Code 0 from
// the script means accepted for asynchronous processing, not yet durably
// committed; the id is generated before the script runs so it can be handed
// to the client immediately.
func (s *OrderService) SubmitPurchase(ctx context.Context, userID, voucherID uint64) (uint64, error) {
	voucher, err := s.vouchers.GetVoucher(ctx, voucherID)
	if err != nil {
		return 0, fmt.Errorf("load voucher %d: %w", voucherID, err)
	}
	if voucher == nil {
		return 0, ErrVoucherNotFound
	}

	now := time.Now()
	if now.Before(voucher.BeginTime) {
		return 0, ErrSaleNotStarted
	}
	if now.After(voucher.EndTime) {
		return 0, ErrSaleEnded
	}

	orderID, err := s.ids.NextID(ctx, "order")
	if err != nil {
		return 0, fmt.Errorf("generate order id: %w", err)
	}

	result, err := s.admission.SubmitPurchase(ctx, voucherID, userID, orderID)
	if err != nil {
		return 0, fmt.Errorf("admission failed: %w", err)
	}

	switch result {
	case port.AdmissionAccepted:
		s.logger.WithFields(logrus.Fields{
			"order_id":   orderID,
			"user_id":    userID,
			"voucher_id": voucherID,
		}).Info("purchase accepted")
		return orderID, nil
	case port.AdmissionOutOfStock:
		return 0, ErrOutOfStock
	case port.AdmissionDuplicate:
		return 0, ErrDuplicateOrder
	default:
		return 0, fmt.Errorf("unexpected admission result %d", result)
	}
}
