// Package messaging relays outbox events to Redis pub/sub.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"issuance/internal/core/id"
	"issuance/internal/infrastructure/storage/postgres"
)

// DefaultChannel receives pack events.
const DefaultChannel = "issuance.events"

// Event is the message published for each outbox row.
type Event struct {
	ID            id.ID           `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   id.ID           `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

type publisher interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
}

// RedisBus publishes outbox messages to a Redis channel. It implements
// postgres.OutboxHandler.
type RedisBus struct {
	rdb     publisher
	channel string
}

var _ postgres.OutboxHandler = (*RedisBus)(nil)

// NewRedisBus creates a bus on rdb. An empty channel means DefaultChannel.
func NewRedisBus(rdb goredis.UniversalClient, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{rdb: rdb, channel: channel}
}

// Handle publishes one message. Delivery is at least once: the relay
// retries messages whose publish failed.
func (b *RedisBus) Handle(ctx context.Context, msg *postgres.OutboxMessage) error {
	raw, err := json.Marshal(Event{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       msg.Payload,
		CreatedAt:     msg.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.EventType, err)
	}
	return nil
}
