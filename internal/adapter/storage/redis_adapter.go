package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voucherlab/seckill/internal/core/domain"
	"github.com/voucherlab/seckill/internal/port"
)

const (
	stockKeyPrefix  = "seckill:stock:"
	buyersKeyPrefix = "seckill:order:"

	orderStream      = "stream.orders"
	orderGroup       = "orders"
	deadLetterStream = "stream.orders.dead"
)

// admissionScript validates and reserves in one indivisible step: no other
// caller can interleave between the stock check, the duplicate check, the
// decrement and the enqueue. Codes: 0 accepted, 1 out of stock, 2 duplicate.
var admissionScript = redis.NewScript(`
local stock_key = KEYS[1]
local buyers_key = KEYS[2]
local stream_key = KEYS[3]

local voucher_id = ARGV[1]
local user_id = ARGV[2]
local order_id = ARGV[3]
local submitted_at = ARGV[4]

local stock = tonumber(redis.call('GET', stock_key))
if stock == nil or stock <= 0 then
	return 1
end

if redis.call('SISMEMBER', buyers_key, user_id) == 1 then
	return 2
end

redis.call('DECRBY', stock_key, 1)
redis.call('SADD', buyers_key, user_id)
redis.call('XADD', stream_key, '*',
	'id', order_id, 'userId', user_id, 'voucherId', voucher_id, 'submittedAt', submitted_at)

return 0
`)

type RedisAdapter struct {
	client   *redis.Client
	consumer string
}

func NewRedisAdapter(client *redis.Client, consumer string) *RedisAdapter {
	if consumer == "" {
		consumer = "c1"
	}
	return &RedisAdapter{client: client, consumer: consumer}
}

func (r *RedisAdapter) SubmitPurchase(ctx context.Context, voucherID, userID, orderID uint64) (port.AdmissionResult, error) {
	id := strconv.FormatUint(voucherID, 10)
	keys := []string{stockKeyPrefix + id, buyersKeyPrefix + id, orderStream}

	code, err := admissionScript.Run(ctx, r.client, keys,
		id,
		strconv.FormatUint(userID, 10),
		strconv.FormatUint(orderID, 10),
		strconv.FormatInt(time.Now().Unix(), 10),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("run admission script: %w", err)
	}

	switch result := port.AdmissionResult(code); result {
	case port.AdmissionAccepted, port.AdmissionOutOfStock, port.AdmissionDuplicate:
		return result, nil
	default:
		return 0, fmt.Errorf("unknown admission result code %d", code)
	}
}

func (r *RedisAdapter) SeedStock(ctx context.Context, voucherID uint64, stock int) error {
	key := stockKeyPrefix + strconv.FormatUint(voucherID, 10)
	if err := r.client.Set(ctx, key, stock, 0).Err(); err != nil {
		return fmt.Errorf("seed stock for voucher %d: %w", voucherID, err)
	}
	return nil
}

func (r *RedisAdapter) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, orderStream, orderGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (r *RedisAdapter) ReadIntents(ctx context.Context, block time.Duration) ([]domain.PurchaseIntent, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    orderGroup,
		Consumer: r.consumer,
		Streams:  []string{orderStream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read order stream: %w", err)
	}

	var intents []domain.PurchaseIntent
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			intent, perr := parseIntent(msg)
			if perr != nil {
				// A payload that cannot be decoded will never commit; move
				// it aside and acknowledge so it cannot wedge the consumer.
				r.quarantine(ctx, msg, perr.Error())
				continue
			}
			intents = append(intents, intent)
		}
	}
	return intents, nil
}

func (r *RedisAdapter) ReadPending(ctx context.Context) ([]domain.PurchaseIntent, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   orderStream,
		Group:    orderGroup,
		Start:    "-",
		End:      "+",
		Count:    10,
		Consumer: r.consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read pending entries: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	retries := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		retries[p.ID] = p.RetryCount
	}

	// Claiming re-delivers the bodies and bumps each entry's counter, which
	// is what bounds a permanently failing entry.
	msgs, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   orderStream,
		Group:    orderGroup,
		Consumer: r.consumer,
		MinIdle:  0,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim pending entries: %w", err)
	}

	var intents []domain.PurchaseIntent
	for _, msg := range msgs {
		intent, perr := parseIntent(msg)
		if perr != nil {
			r.quarantine(ctx, msg, perr.Error())
			continue
		}
		intent.DeliveryCount = retries[msg.ID]
		intents = append(intents, intent)
	}
	return intents, nil
}

func (r *RedisAdapter) Ack(ctx context.Context, streamID string) error {
	if err := r.client.XAck(ctx, orderStream, orderGroup, streamID).Err(); err != nil {
		return fmt.Errorf("ack stream entry %s: %w", streamID, err)
	}
	return nil
}

func (r *RedisAdapter) DeadLetter(ctx context.Context, intent domain.PurchaseIntent, reason string) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterStream,
		Values: map[string]interface{}{
			"id":         strconv.FormatUint(intent.OrderID, 10),
			"userId":     strconv.FormatUint(intent.UserID, 10),
			"voucherId":  strconv.FormatUint(intent.VoucherID, 10),
			"originalId": intent.StreamID,
			"reason":     reason,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("dead-letter entry %s: %w", intent.StreamID, err)
	}
	return nil
}

// quarantine moves an undecodable stream entry to the dead-letter stream and
// acknowledges it.
func (r *RedisAdapter) quarantine(ctx context.Context, msg redis.XMessage, reason string) {
	values := map[string]interface{}{
		"originalId": msg.ID,
		"reason":     reason,
	}
	for k, v := range msg.Values {
		if k != "originalId" && k != "reason" {
			values[k] = v
		}
	}
	r.client.XAdd(ctx, &redis.XAddArgs{Stream: deadLetterStream, Values: values})
	r.client.XAck(ctx, orderStream, orderGroup, msg.ID)
}

func parseIntent(msg redis.XMessage) (domain.PurchaseIntent, error) {
	orderID, err := messageUint(msg, "id")
	if err != nil {
		return domain.PurchaseIntent{}, err
	}
	userID, err := messageUint(msg, "userId")
	if err != nil {
		return domain.PurchaseIntent{}, err
	}
	voucherID, err := messageUint(msg, "voucherId")
	if err != nil {
		return domain.PurchaseIntent{}, err
	}

	intent := domain.PurchaseIntent{
		OrderID:   orderID,
		UserID:    userID,
		VoucherID: voucherID,
		StreamID:  msg.ID,
	}
	if raw, ok := msg.Values["submittedAt"].(string); ok {
		if sec, serr := strconv.ParseInt(raw, 10, 64); serr == nil {
			intent.SubmittedAt = time.Unix(sec, 0)
		}
	}
	return intent, nil
}

func messageUint(msg redis.XMessage, field string) (uint64, error) {
	raw, ok := msg.Values[field].(string)
	if !ok {
		return 0, fmt.Errorf("stream entry %s: missing field %q", msg.ID, field)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stream entry %s: field %q: %w", msg.ID, field, err)
	}
	return v, nil
}
