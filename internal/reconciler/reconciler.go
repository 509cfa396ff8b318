package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/coupon-issuance/internal/app"
	"github.com/acme/coupon-issuance/internal/domain"
	"github.com/acme/coupon-issuance/internal/service/issuance"
	"github.com/acme/coupon-issuance/pkg/clock"
	"github.com/acme/coupon-issuance/pkg/logger"
)

const defaultBatchSize = 100

// Campaigns lists the campaigns worth reconciling.
type Campaigns interface {
	ListActiveCampaigns(ctx context.Context, now time.Time, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
}

// Reseeder checks and repairs the shared counter of a campaign.
type Reseeder interface {
	Drifted(ctx context.Context, campaignID uuid.UUID) (bool, error)
	Reconcile(ctx context.Context, campaignID uuid.UUID) (*issuance.ReconcileResult, error)
}

// Reconciler periodically reseeds shared counters that drifted from the durable store.
type Reconciler struct {
	campaigns Campaigns
	reseeder  Reseeder
	interval  time.Duration
	batchSize int
	clock     clock.Clock
	logger    *logger.Logger
}

// New constructs a reconciler.
func New(container *app.Container) *Reconciler {
	cfg := container.Config.Reconciler
	return newReconciler(
		container.Repositories().Campaigns,
		container.Services().Issuance,
		cfg.Interval,
		cfg.BatchSize,
		clock.Real{},
		container.Logger,
	)
}

func newReconciler(campaigns Campaigns, reseeder Reseeder, interval time.Duration, batchSize int, clk clock.Clock, lg *logger.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Reconciler{
		campaigns: campaigns,
		reseeder:  reseeder,
		interval:  interval,
		batchSize: batchSize,
		clock:     clk,
		logger:    lg,
	}
}

// Run executes the reconcile loop until cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.tick(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reconciler: tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick walks every active campaign once and returns how many were reseeded.
// A failure on one campaign is logged and does not stop the walk.
func (r *Reconciler) tick(ctx context.Context) (int, error) {
	tracer := otel.Tracer("coupon.reconciler")
	ctx, span := tracer.Start(ctx, "reconciler.tick")
	defer span.End()

	now := r.clock.Now()
	var (
		after    *uuid.UUID
		checked  int
		reseeded int
	)
	for {
		batch, err := r.campaigns.ListActiveCampaigns(ctx, now, after, r.batchSize)
		if err != nil {
			span.RecordError(err)
			return reseeded, err
		}

		for _, c := range batch {
			if ctx.Err() != nil {
				return reseeded, ctx.Err()
			}
			checked++
			if r.reconcileOne(ctx, c.ID) {
				reseeded++
			}
		}

		if len(batch) < r.batchSize {
			break
		}
		last := batch[len(batch)-1].ID
		after = &last
	}

	span.SetAttributes(attribute.Int("campaigns.checked", checked), attribute.Int("campaigns.reseeded", reseeded))
	if reseeded > 0 {
		r.logger.Info("reconciler: tick finished", zap.Int("checked", checked), zap.Int("reseeded", reseeded))
	}
	return reseeded, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, campaignID uuid.UUID) bool {
	ctx, span := otel.Tracer("coupon.reconciler").Start(ctx, "reconciler.campaign", trace.WithAttributes(
		attribute.String("campaign.id", campaignID.String()),
	))
	defer span.End()

	lg := r.logger.WithContext(ctx).With(zap.String("campaign_id", campaignID.String()))

	drifted, err := r.reseeder.Drifted(ctx, campaignID)
	if err != nil {
		span.RecordError(err)
		lg.Warn("reconciler: drift check", zap.Error(err))
		return false
	}
	if !drifted {
		return false
	}

	result, err := r.reseeder.Reconcile(ctx, campaignID)
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, context.Canceled) {
			lg.Warn("reconciler: reseed", zap.Error(err))
		}
		return false
	}

	fields := []zap.Field{zap.Int64("count", result.Count), zap.Bool("exhausted", result.Exhausted)}
	if result.Previous != nil {
		fields = append(fields, zap.Int64("previous", *result.Previous))
	}
	lg.Info("reconciler: counter reseeded", fields...)
	return true
}
