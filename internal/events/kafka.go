package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder mirrors bus events onto Kafka topics of the same name so
// external collaborators (fund service, notifications) can consume them.
// Messages are keyed by the event ordering key and hash-balanced, which keeps
// same-entity events on one partition.
type KafkaForwarder struct {
	writer messageWriter
}

func NewKafkaForwarder(brokers []string) *KafkaForwarder {
	return &KafkaForwarder{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Attach subscribes the forwarder to every topic on the bus
func (f *KafkaForwarder) Attach(bus *Bus) {
	for _, topic := range AllTopics {
		bus.Subscribe("kafka-forwarder", topic, "", f.Forward)
	}
	log.Info().Msg("kafka forwarder attached to event bus")
}

// Forward writes one event to Kafka
func (f *KafkaForwarder) Forward(ctx context.Context, evt Event) error {
	msg, err := toMessage(evt)
	if err != nil {
		return err
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("forward %s to kafka: %w", evt.ID, err)
	}
	return nil
}

func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}

func toMessage(evt Event) (kafka.Message, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %s: %w", evt.ID, err)
	}
	return kafka.Message{
		Topic: string(evt.Topic),
		Key:   []byte(evt.Key),
		Value: value,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
			{Key: "event_id", Value: []byte(evt.ID)},
		},
	}, nil
}
