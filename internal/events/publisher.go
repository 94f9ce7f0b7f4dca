package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/ruralpay/ledger/internal/models"
)

// Publisher delivers ledger events after the unit of work that produced them
// has committed.
type Publisher interface {
	Publish(ctx context.Context, event models.LedgerEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.LedgerEvent) error { return nil }

// RedisPublisher appends events as JSON to a redis list.
type RedisPublisher struct {
	client *redis.Client
	list   string
}

func NewRedisPublisher(client *redis.Client, list string) *RedisPublisher {
	if list == "" {
		list = "ledger_events"
	}
	return &RedisPublisher{client: client, list: list}
}

func (p *RedisPublisher) Publish(ctx context.Context, event models.LedgerEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal ledger event: %w", err)
	}
	return p.client.RPush(ctx, p.list, data).Err()
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*RedisPublisher)(nil)
)
