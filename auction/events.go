package auction

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/redis/go-redis/v9"
)

// EventType tags the lifecycle events published on the event channel.
type EventType string

const (
	EventOrderCreated       EventType = "ORDER_CREATED"
	EventOrderStatusChanged EventType = "ORDER_STATUS_CHANGED"
	EventOrderCancelled     EventType = "ORDER_CANCELLED"
	EventFundsLocked        EventType = "FUNDS_LOCKED"
	EventFundsReleased      EventType = "FUNDS_RELEASED"
	EventQuote              EventType = "QUOTE"
	EventError              EventType = "ERROR"
)

// Event is the envelope published for every order lifecycle change. Data
// carries the payload of the given event type, the quote for EventQuote,
// the new status for EventOrderStatusChanged.
type Event struct {
	Type      EventType      `json:"event_type"`
	OrderID   string         `json:"order_id"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
	Data      any            `json:"data,omitempty"`
}

// StatusChange is the event payload for EventOrderStatusChanged.
type StatusChange struct {
	Status OrderStatus `json:"status"`
}

// OrderCreated is the event payload for EventOrderCreated. Amounts are not
// part of it, they reach subscribers through the quote events.
type OrderCreated struct {
	SourceChain       Chain          `json:"source_chain"`
	DestChain         Chain          `json:"dest_chain"`
	SourceToken       string         `json:"source_token"`
	DestToken         string         `json:"dest_token"`
	AllowPartialFills bool           `json:"allow_partial_fills"`
	Timelock          hexutil.Uint64 `json:"timelock"`
}

// FundsLocked is the event payload for EventFundsLocked. The escrow deposit
// is public on chain, exact amounts are fine here.
type FundsLocked struct {
	Chain    Chain          `json:"chain"`
	Amount   *hexutil.Big   `json:"amount"`
	Hashlock string         `json:"hashlock"`
	Timelock hexutil.Uint64 `json:"timelock"`
}

// FundsReleased is the event payload for EventFundsReleased.
type FundsReleased struct {
	Chain    Chain        `json:"chain"`
	Amount   *hexutil.Big `json:"amount"`
	FillID   string       `json:"fill_id"`
	Executor string       `json:"executor,omitempty"`
}

type EventBackend interface {
	PublishEvent(ctx context.Context, event *Event) error
}

type RedisEventBackend struct {
	client     *redis.Client
	pubChannel string
}

func NewRedisEventBackend(redisClient *redis.Client, pubChannel string) *RedisEventBackend {
	return &RedisEventBackend{
		client:     redisClient,
		pubChannel: pubChannel,
	}
}

func (b *RedisEventBackend) PublishEvent(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.pubChannel, data).Err()
}
