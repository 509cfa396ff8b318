package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// IssueDispatcher publishes issue requests to Kafka.
type IssueDispatcher struct {
	writer *kafka.Writer
}

// NewIssueDispatcher constructs a dispatcher for the given topic.
func NewIssueDispatcher(k *Kafka, topic string) *IssueDispatcher {
	return &IssueDispatcher{
		writer: k.NewWriter(topic),
	}
}

// DispatchIssue writes the request keyed by campaign id.
func (d *IssueDispatcher) DispatchIssue(ctx context.Context, msg IssueRequestMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("issue dispatcher: marshal message: %w", err)
	}

	if err := writeJSON(ctx, d.writer, msg.CampaignID[:], value); err != nil {
		return fmt.Errorf("issue dispatcher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (d *IssueDispatcher) Close() error {
	return d.writer.Close()
}
