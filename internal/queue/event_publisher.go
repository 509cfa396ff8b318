package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/acme/coupon-issuance/internal/domain"
)

// EventPublisher publishes issuance events.
type EventPublisher struct {
	writer *kafka.Writer
}

// NewEventPublisher constructs an event publisher for the given topic.
func NewEventPublisher(k *Kafka, topic string) *EventPublisher {
	return &EventPublisher{writer: k.NewWriter(topic)}
}

// PublishEvent emits an issuance event to Kafka.
func (p *EventPublisher) PublishEvent(ctx context.Context, event domain.IssuanceEvent) error {
	value, err := json.Marshal(EventMessageFrom(event))
	if err != nil {
		return fmt.Errorf("event publisher: marshal message: %w", err)
	}
	if err := writeJSON(ctx, p.writer, event.CampaignID[:], value); err != nil {
		return fmt.Errorf("event publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
