package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/crosspay/backend/internal/models"
	"github.com/go-redis/redis/v8"
)

// Notifier emits transaction lifecycle events to real-time subscribers.
// Delivery is fire-and-forget: a publish failure never affects the
// transaction.
type Notifier interface {
	Publish(ctx context.Context, txID string, status models.TransactionStatus, payload any)
}

// TransactionEvent is the wire shape pushed to subscribers.
type TransactionEvent struct {
	TransactionID string                   `json:"transaction_id"`
	Status        models.TransactionStatus `json:"status"`
	Payload       any                      `json:"payload,omitempty"`
	EmittedAt     time.Time                `json:"emitted_at"`
}

// RedisNotifier publishes events on a Redis pub/sub channel. At-least-once
// is acceptable; subscribers are expected to dedupe on transaction id +
// status.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: "transactions:events"}
}

func (n *RedisNotifier) Publish(ctx context.Context, txID string, status models.TransactionStatus, payload any) {
	event := TransactionEvent{
		TransactionID: txID,
		Status:        status,
		Payload:       payload,
		EmittedAt:     time.Now(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[NOTIFIER] Failed to encode event for %s: %v", txID, err)
		return
	}

	if n.rdb == nil {
		log.Printf("[NOTIFIER] Transaction %s -> %s", txID, status)
		return
	}

	if err := n.rdb.Publish(ctx, n.channel, data).Err(); err != nil {
		log.Printf("[NOTIFIER] Failed to publish event for %s: %v", txID, err)
	}
}
