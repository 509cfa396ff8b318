package issue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/coupon-issuance/internal/app"
	"github.com/acme/coupon-issuance/internal/config"
	"github.com/acme/coupon-issuance/internal/domain"
	"github.com/acme/coupon-issuance/internal/queue"
	"github.com/acme/coupon-issuance/pkg/clock"
	apperrors "github.com/acme/coupon-issuance/pkg/errors"
	"github.com/acme/coupon-issuance/pkg/logger"
)

// Issuer is the slice of the issuance service the worker drives.
type Issuer interface {
	IssueCoupon(ctx context.Context, campaignID uuid.UUID, userID string) (*domain.IssuanceRecord, error)
	ReleaseReservation(ctx context.Context, campaignID uuid.UUID, userID string)
}

// Retrier parks requests that failed transiently.
type Retrier interface {
	ScheduleRetry(ctx context.Context, msg queue.RetryMessage) error
	DeadLetter(ctx context.Context, msg queue.DeadLetterMessage) error
}

// Worker consumes async issue requests and runs them through the issuance service.
type Worker struct {
	container *app.Container
	issuer    Issuer
	retries   Retrier
	policy    config.RetryConfig
	logger    *logger.Logger
	clock     clock.Clock
	rng       *rand.Rand
}

// New creates a new issue worker instance.
func New(container *app.Container) *Worker {
	w := newWorker(
		container.Services().Issuance,
		container.Dispatchers().RetryScheduler,
		container.Config.Retry,
		container.Logger,
		clock.Real{},
	)
	w.container = container
	return w
}

func newWorker(issuer Issuer, retries Retrier, policy config.RetryConfig, lg *logger.Logger, clk clock.Clock) *Worker {
	return &Worker{
		issuer:  issuer,
		retries: retries,
		policy:  policy,
		logger:  lg,
		clock:   clk,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run starts the worker loop.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	reader := w.container.Kafka.NewReader(cfg.Kafka.IssueTopic, cfg.Kafka.ConsumerGroupID)
	defer reader.Close()

	w.logger.Info("issue worker: started",
		zap.String("topic", cfg.Kafka.IssueTopic), zap.String("group", cfg.Kafka.ConsumerGroupID))

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("issue worker: fetch message", zap.Error(err))
			continue
		}

		if err := w.processMessage(ctx, reader, m); err != nil {
			w.logger.Error("issue worker: process", zap.Error(err))
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, reader *kafka.Reader, m kafka.Message) error {
	var req queue.IssueRequestMessage
	if err := json.Unmarshal(m.Value, &req); err != nil {
		_ = reader.CommitMessages(ctx, m)
		return fmt.Errorf("unmarshal issue request: %w", err)
	}

	if err := w.handle(ctx, req); err != nil {
		// Left uncommitted so the request is redelivered after a rebalance.
		return err
	}
	if err := reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// handle settles one request. A nil return means the message may be committed.
func (w *Worker) handle(ctx context.Context, req queue.IssueRequestMessage) error {
	tracer := otel.Tracer("coupon.issueworker")
	ctx, span := tracer.Start(ctx, "issue.request", trace.WithAttributes(
		attribute.String("request.id", req.RequestID.String()),
		attribute.String("campaign.id", req.CampaignID.String()),
		attribute.Int("attempt", req.Attempt),
	))
	defer span.End()

	lg := w.logger.WithContext(ctx).With(
		zap.String("request_id", req.RequestID.String()),
		zap.String("campaign_id", req.CampaignID.String()),
		zap.String("user_id", req.UserID),
		zap.Int("attempt", req.Attempt),
	)

	_, err := w.issuer.IssueCoupon(ctx, req.CampaignID, req.UserID)
	switch {
	case err == nil, errors.Is(err, apperrors.ErrAlreadyIssued):
		return nil
	case !apperrors.Retryable(err):
		lg.Info("issue worker: request rejected", zap.Error(err))
		w.issuer.ReleaseReservation(ctx, req.CampaignID, req.UserID)
		return nil
	}

	span.RecordError(err)
	maxAttempts := w.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := w.clock.Now()

	if req.Attempt >= maxAttempts {
		lg.Warn("issue worker: attempts exhausted", zap.Error(err))
		dead := queue.DeadLetterMessage{IssueRequestMessage: req, Reason: err.Error(), FailedAt: now}
		if dlqErr := w.retries.DeadLetter(ctx, dead); dlqErr != nil {
			span.RecordError(dlqErr)
			return fmt.Errorf("dead letter: %w", dlqErr)
		}
		w.issuer.ReleaseReservation(ctx, req.CampaignID, req.UserID)
		return nil
	}

	retry := queue.RetryMessage{
		IssueRequestMessage: req,
		MaxAttempts:         maxAttempts,
		NextAttempt:         queue.NextAttempt(now, req.Attempt, w.policy, w.rng),
		LastError:           err.Error(),
	}
	retry.Attempt = req.Attempt + 1
	if schedErr := w.retries.ScheduleRetry(ctx, retry); schedErr != nil {
		span.RecordError(schedErr)
		return fmt.Errorf("schedule retry: %w", schedErr)
	}
	lg.Debug("issue worker: retry scheduled", zap.Time("next_attempt", retry.NextAttempt), zap.Error(err))
	return nil
}
