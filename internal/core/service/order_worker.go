package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voucherlab/seckill/internal/core/domain"
	"github.com/voucherlab/seckill/internal/port"
)

const (
	readBlock   = 2 * time.Second
	userLockTTL = 5 * time.Second

	// maxDeliveryAttempts bounds how often the recovery sweep retries one
	// entry before routing it to the dead-letter stream.
	maxDeliveryAttempts = 3

	sweepPause   = 100 * time.Millisecond
	errorBackoff = 500 * time.Millisecond
)

// errUserLockHeld marks a commit skipped because another holder owns the
// user's order lock. Contention does not count toward the delivery bound.
var errUserLockHeld = errors.New("user order lock held")

// OrderWorker is the single dedicated consumer that turns enqueued purchase
// intents into order rows. Delivery is at-least-once; the per-user lock plus
// the transactional uniqueness check make the commit effectively-once.
type OrderWorker struct {
	stream port.StreamRepository
	db     port.DatabaseRepository
	locks  port.LockFactory
	logger *logrus.Logger
}

func NewOrderWorker(stream port.StreamRepository, db port.DatabaseRepository, locks port.LockFactory, logger *logrus.Logger) *OrderWorker {
	return &OrderWorker{
		stream: stream,
		db:     db,
		locks:  locks,
		logger: logger,
	}
}

// Run tails the stream until ctx is cancelled. Per-message errors never
// terminate the loop; each one triggers a recovery sweep over this
// consumer's pending entries.
func (w *OrderWorker) Run(ctx context.Context) {
	if err := w.stream.EnsureGroup(ctx); err != nil {
		w.logger.WithError(err).Error("create consumer group")
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		intents, err := w.stream.ReadIntents(ctx, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.WithError(err).Error("read order stream")
			if !sleepCtx(ctx, errorBackoff) {
				return
			}
			continue
		}

		for _, intent := range intents {
			if err := w.processIntent(ctx, intent); err != nil {
				w.logger.WithError(err).WithFields(logrus.Fields{
					"stream_id": intent.StreamID,
					"order_id":  intent.OrderID,
				}).Error("process purchase intent")
				w.recoverPending(ctx)
			}
		}
	}
}

// processIntent commits one order under the per-user lock and acknowledges
// the entry. Returning an error leaves the entry unacknowledged; it will be
// picked up again by the recovery sweep.
func (w *OrderWorker) processIntent(ctx context.Context, intent domain.PurchaseIntent) error {
	lk := w.locks.NewLock(fmt.Sprintf("order:%d", intent.UserID))
	ok, err := lk.TryLock(ctx, userLockTTL)
	if err != nil {
		return fmt.Errorf("acquire user lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("user %d: %w", intent.UserID, errUserLockHeld)
	}
	defer func() {
		if uerr := lk.Unlock(ctx); uerr != nil {
			w.logger.WithError(uerr).WithField("user_id", intent.UserID).Warn("release user lock failed")
		}
	}()

	err = w.db.CreateOrder(ctx, domain.Order{
		ID:        intent.OrderID,
		UserID:    intent.UserID,
		VoucherID: intent.VoucherID,
		CreatedAt: time.Now(),
	})
	switch {
	case err == nil:
		w.logger.WithFields(logrus.Fields{
			"order_id":   intent.OrderID,
			"user_id":    intent.UserID,
			"voucher_id": intent.VoucherID,
		}).Info("order committed")
	case errors.Is(err, domain.ErrOrderExists):
		// A previous delivery already committed; acknowledging is the only
		// work left.
		w.logger.WithField("order_id", intent.OrderID).Warn("order already committed, acking redelivery")
	default:
		return fmt.Errorf("commit order %d: %w", intent.OrderID, err)
	}

	if err := w.stream.Ack(ctx, intent.StreamID); err != nil {
		return err
	}
	return nil
}

// recoverPending reprocesses entries delivered but never acknowledged,
// starting from the beginning of the pending-entry list, until none remain.
// Entries that keep failing to commit past maxDeliveryAttempts are
// dead-lettered so a poisoned payload cannot starve the sweep; lock
// contention does not count against the bound.
func (w *OrderWorker) recoverPending(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		intents, err := w.stream.ReadPending(ctx)
		if err != nil {
			w.logger.WithError(err).Error("read pending entries")
			return
		}
		if len(intents) == 0 {
			return
		}

		stalled := true
		for _, intent := range intents {
			err := w.processIntent(ctx, intent)
			switch {
			case err == nil:
				stalled = false
			case errors.Is(err, errUserLockHeld):
				w.logger.WithFields(logrus.Fields{
					"stream_id": intent.StreamID,
					"user_id":   intent.UserID,
				}).Warn("user lock contended, leaving entry pending")
			case intent.DeliveryCount > maxDeliveryAttempts:
				w.deadLetter(ctx, intent)
				stalled = false
			default:
				stalled = false
				w.logger.WithError(err).WithFields(logrus.Fields{
					"stream_id":  intent.StreamID,
					"deliveries": intent.DeliveryCount,
				}).Error("reprocess pending intent")
			}
		}
		if stalled {
			// Everything left is behind a held lock. Step out and let a
			// later sweep retry once the holder finishes or its TTL frees
			// the lock.
			return
		}

		if !sleepCtx(ctx, sweepPause) {
			return
		}
	}
}

func (w *OrderWorker) deadLetter(ctx context.Context, intent domain.PurchaseIntent) {
	log := w.logger.WithFields(logrus.Fields{
		"stream_id": intent.StreamID,
		"order_id":  intent.OrderID,
	})
	if err := w.stream.DeadLetter(ctx, intent, "delivery attempts exhausted"); err != nil {
		// Keep the entry pending; the next sweep tries the dead-letter
		// append again.
		log.WithError(err).Error("dead-letter append failed")
		return
	}
	if err := w.stream.Ack(ctx, intent.StreamID); err != nil {
		log.WithError(err).Error("ack dead-lettered entry failed")
		return
	}
	log.Error("purchase intent dead-lettered")
}

// sleepCtx pauses for d, returning false if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
