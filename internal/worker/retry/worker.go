package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/coupon-issuance/internal/app"
	"github.com/acme/coupon-issuance/internal/queue"
)

// Worker holds retry messages until they are due and re-dispatches them to the issue topic.
type Worker struct {
	container *app.Container
}

// New creates a retry worker instance.
func New(container *app.Container) *Worker {
	return &Worker{container: container}
}

// Run consumes the retry topic until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	if cfg.Kafka.RetryTopic == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	groupID := cfg.Kafka.RetryConsumerGroupID
	if groupID == "" {
		groupID = cfg.Kafka.ConsumerGroupID + "-retry"
	}

	reader := w.container.Kafka.NewReader(cfg.Kafka.RetryTopic, groupID)
	defer reader.Close()

	logger := w.container.Logger
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("retry worker: fetch", zap.Error(err))
			continue
		}

		if err := w.processMessage(ctx, reader, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("retry worker: process", zap.Error(err))
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, reader *kafka.Reader, msg kafka.Message) error {
	var retryMsg queue.RetryMessage
	if err := json.Unmarshal(msg.Value, &retryMsg); err != nil {
		_ = reader.CommitMessages(ctx, msg)
		return fmt.Errorf("unmarshal: %w", err)
	}

	tracer := otel.Tracer("coupon.retryworker")
	sctx, span := tracer.Start(ctx, "retry.dispatch", trace.WithAttributes(
		attribute.String("request.id", retryMsg.RequestID.String()),
		attribute.String("campaign.id", retryMsg.CampaignID.String()),
		attribute.Int("attempt", retryMsg.Attempt),
	))
	defer span.End()

	if err := sleepUntil(sctx, retryMsg.NextAttempt); err != nil {
		// Uncommitted: another member picks it up after the rebalance.
		return fmt.Errorf("wait: %w", err)
	}

	dispatch := retryMsg.IssueRequestMessage
	dispatch.EnqueuedAt = time.Now().UTC()

	if err := w.container.Dispatchers().IssueDispatcher.DispatchIssue(sctx, dispatch); err != nil {
		span.RecordError(err)
		return fmt.Errorf("dispatch: %w", err)
	}

	if err := reader.CommitMessages(sctx, msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
