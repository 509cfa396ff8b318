package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// RetryScheduler publishes retry instructions and dead letters.
type RetryScheduler struct {
	retry      *kafka.Writer
	deadLetter *kafka.Writer
}

// NewRetryScheduler constructs a scheduler for the retry and dead letter topics.
func NewRetryScheduler(k *Kafka, retryTopic, deadLetterTopic string) *RetryScheduler {
	r := &RetryScheduler{retry: k.NewWriter(retryTopic)}
	if deadLetterTopic != "" {
		r.deadLetter = k.NewWriter(deadLetterTopic)
	}
	return r
}

// ScheduleRetry publishes the message to the retry topic.
func (r *RetryScheduler) ScheduleRetry(ctx context.Context, msg RetryMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("retry scheduler: marshal message: %w", err)
	}

	if err := writeJSON(ctx, r.retry, msg.CampaignID[:], value); err != nil {
		return fmt.Errorf("retry scheduler: write: %w", err)
	}
	return nil
}

// DeadLetter parks a request that will not be retried again.
func (r *RetryScheduler) DeadLetter(ctx context.Context, msg DeadLetterMessage) error {
	if r.deadLetter == nil {
		return fmt.Errorf("retry scheduler: no dead letter topic configured")
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("retry scheduler: marshal dead letter: %w", err)
	}
	if err := writeJSON(ctx, r.deadLetter, msg.CampaignID[:], value); err != nil {
		return fmt.Errorf("retry scheduler: write dead letter: %w", err)
	}
	return nil
}

// Close closes all writers.
func (r *RetryScheduler) Close() error {
	var err error
	for _, w := range []*kafka.Writer{r.retry, r.deadLetter} {
		if w == nil {
			continue
		}
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
