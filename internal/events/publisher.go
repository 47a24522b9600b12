// Package events publishes billing events to Kafka so downstream consumers
// (analytics, email receipts) can react to credited payments without polling
// the ledger.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"averis/billing/pkg/logging"
)

// CreditEvent is emitted exactly once per credited payment, after the ledger
// reaches the terminal state.
type CreditEvent struct {
	PaymentReference string    `json:"payment_reference"`
	OwnerID          string    `json:"owner_id"`
	Tokens           int64     `json:"tokens"`
	Balance          int64     `json:"balance"`
	Amount           float64   `json:"amount,omitempty"`
	Currency         string    `json:"currency,omitempty"`
	CreditedAt       time.Time `json:"credited_at"`
}

// Publisher emits billing events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	PublishCredit(ctx context.Context, event CreditEvent) error
	Close() error
}

// KafkaPublisher publishes events through a synchronous Kafka producer.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   logging.Logger
}

// NewKafkaPublisher connects a synchronous producer to the given brokers.
func NewKafkaPublisher(brokers []string, topic string, logger logging.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}, nil
}

// NewKafkaPublisherWithProducer wraps an existing producer, used by tests.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string, logger logging.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

func (p *KafkaPublisher) PublishCredit(_ context.Context, event CreditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode credit event: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		// Key by payment reference so replays of the same payment land on
		// the same partition in order.
		Key:   sarama.StringEncoder(event.PaymentReference),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to publish credit event: %w", err)
	}

	p.logger.WithFields(logging.Fields{
		"cpi":       event.PaymentReference,
		"user_id":   event.OwnerID,
		"tokens":    event.Tokens,
		"partition": partition,
		"offset":    offset,
	}).Debug("Published credit event")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// NopPublisher discards events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishCredit(context.Context, CreditEvent) error { return nil }
func (NopPublisher) Close() error                                     { return nil }
