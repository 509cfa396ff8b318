package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/coupon-issuance/internal/app"
	"github.com/acme/coupon-issuance/internal/queue"
	"github.com/acme/coupon-issuance/internal/repository"
	"github.com/acme/coupon-issuance/pkg/logger"
)

// Worker consumes issuance events and appends them to the audit log.
type Worker struct {
	container *app.Container
	log       repository.IssuanceLog
	logger    *logger.Logger
}

// New creates a new audit worker.
func New(container *app.Container) *Worker {
	return &Worker{
		container: container,
		log:       container.Repositories().IssuanceLog,
		logger:    container.Logger,
	}
}

// Run processes issuance events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	groupID := cfg.Kafka.ConsumerGroupID + "-audit"
	reader := w.container.Kafka.NewReader(cfg.Kafka.EventsTopic, groupID)
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("audit worker: fetch", zap.Error(err))
			continue
		}

		if err := w.processMessage(ctx, reader, msg); err != nil {
			w.logger.Error("audit worker: process", zap.Error(err))
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, reader *kafka.Reader, msg kafka.Message) error {
	if err := w.append(ctx, msg.Value); err != nil {
		return err
	}
	if err := reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// append decodes and stores one event. Undecodable payloads are logged and
// skipped; store failures are returned so the message is redelivered.
func (w *Worker) append(ctx context.Context, payload []byte) error {
	var event queue.IssuanceEventMessage
	if err := json.Unmarshal(payload, &event); err != nil {
		w.logger.Error("audit worker: unmarshal", zap.Error(err))
		return nil
	}
	if event.CampaignID == uuid.Nil {
		w.logger.Warn("audit worker: event without campaign", zap.String("event_id", event.EventID.String()))
		return nil
	}
	if event.EventID == uuid.Nil {
		// Derived ids keep replays of the same payload idempotent.
		event.EventID = uuid.NewSHA1(event.CampaignID, payload)
	}

	tracer := otel.Tracer("coupon.auditworker")
	sctx, span := tracer.Start(ctx, "issuance.audit", trace.WithAttributes(
		attribute.String("event.id", event.EventID.String()),
		attribute.String("campaign.id", event.CampaignID.String()),
		attribute.String("outcome", event.Outcome),
	))
	defer span.End()

	if err := w.log.Append(sctx, event.ToDomain()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
