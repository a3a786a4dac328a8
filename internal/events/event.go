package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Topic names a stream of events sharing an ordering key kind
type Topic string

const (
	TopicOrders      Topic = "order-events"      // keyed by order id
	TopicTrades      Topic = "trade-events"      // keyed by trade id
	TopicSettlements Topic = "settlement-events" // keyed by settlement id
)

// Type is the event type within a topic
type Type string

const (
	OrderCreated   Type = "ORDER_CREATED"
	OrderUpdated   Type = "ORDER_UPDATED"
	OrderCancelled Type = "ORDER_CANCELLED"

	TradeCreated Type = "TRADE_CREATED"

	SettlementCreated          Type = "SETTLEMENT_CREATED"
	SettlementSubmitted        Type = "SETTLEMENT_SUBMITTED"
	SettlementConfirmed        Type = "SETTLEMENT_CONFIRMED"
	SettlementCompleted        Type = "SETTLEMENT_COMPLETED"
	DisputeRaised              Type = "DISPUTE_RAISED"
	DisputeResolved            Type = "DISPUTE_RESOLVED"
	SettlementCancelled        Type = "SETTLEMENT_CANCELLED"
	BatchSettlementCreated     Type = "BATCH_SETTLEMENT_CREATED"
	BatchSettlementExecuted    Type = "BATCH_SETTLEMENT_EXECUTED"
	SettlementBlockchainFailed Type = "SETTLEMENT_BLOCKCHAIN_FAILED"
)

// AllTopics lists every topic carried by the bus
var AllTopics = []Topic{TopicOrders, TopicTrades, TopicSettlements}

type Event struct {
	ID         string          `json:"id"`
	Seq        uint64          `json:"seq"`
	Topic      Topic           `json:"topic"`
	Type       Type            `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// New builds an event with a JSON encoded payload
func New(topic Topic, typ Type, key string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Event{
		ID:         "EVT_" + uuid.New().String(),
		Topic:      topic,
		Type:       typ,
		Key:        key,
		OccurredAt: time.Now(),
		Payload:    raw,
	}, nil
}

// Decode unmarshals the payload into v
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Publisher is the producing side of the event fabric
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Emit builds and publishes an event. Failures are logged and returned; callers
// that have already committed state treat them as non-fatal. The event follows
// a commit, so cancelling ctx does not stop its publish.
func Emit(ctx context.Context, pub Publisher, topic Topic, typ Type, key string, payload any) error {
	if pub == nil {
		return nil
	}
	evt, err := New(topic, typ, key, payload)
	if err == nil {
		err = pub.Publish(context.WithoutCancel(ctx), evt)
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("topic", string(topic)).
			Str("event_type", string(typ)).
			Str("key", key).
			Msg("failed to publish event")
	}
	return err
}
