package issuance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/coupon-issuance/internal/domain"
	"github.com/acme/coupon-issuance/internal/metrics"
	"github.com/acme/coupon-issuance/internal/queue"
	"github.com/acme/coupon-issuance/internal/repository"
	"github.com/acme/coupon-issuance/internal/service/localcache"
	"github.com/acme/coupon-issuance/internal/service/lock"
	"github.com/acme/coupon-issuance/internal/service/quota"
	"github.com/acme/coupon-issuance/pkg/clock"
	apperrors "github.com/acme/coupon-issuance/pkg/errors"
	"github.com/acme/coupon-issuance/pkg/logger"
)

const (
	defaultLockPrefix  = "coupon:lock:campaign"
	defaultLockLease   = 3 * time.Second
	defaultLockWait    = 2 * time.Second
	defaultReseedBatch = 1000
)

var tracer = otel.Tracer("coupon.issuance")

// QuotaCache is the shared counter tier consulted inside and outside the lock.
type QuotaCache interface {
	GetCount(ctx context.Context, campaignID uuid.UUID) (int64, error)
	IncrementIfBelow(ctx context.Context, campaignID uuid.UUID, limit int64, userID string) (int64, bool, error)
	HasIssued(ctx context.Context, campaignID uuid.UUID, userID string) (bool, error)
	MarkExhausted(ctx context.Context, campaignID uuid.UUID) error
	IsExhausted(ctx context.Context, campaignID uuid.UUID) (bool, error)
	Reseed(ctx context.Context, campaignID uuid.UUID, count int64, userIDs []string) error
	ReserveRequest(ctx context.Context, campaignID uuid.UUID, userID string, limit int64) (quota.ReserveResult, error)
	ReleaseRequest(ctx context.Context, campaignID uuid.UUID, userID string) error
}

// EventPublisher receives one event per issue attempt.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event domain.IssuanceEvent) error
}

// Dispatcher enqueues async issue requests.
type Dispatcher interface {
	DispatchIssue(ctx context.Context, msg queue.IssueRequestMessage) error
}

// Deps are the collaborators of the service. Events and Dispatcher are optional.
type Deps struct {
	Campaigns  repository.CampaignRepository
	Store      repository.IssuanceStore
	Quota      QuotaCache
	Locks      lock.Manager
	Views      *localcache.Cache
	Events     EventPublisher
	Dispatcher Dispatcher
	Clock      clock.Clock
	Logger     *logger.Logger
}

// Options tune the critical section.
type Options struct {
	LockKeyPrefix string
	LockLease     time.Duration
	// LockWait bounds lock acquisition. Non-positive values use the default;
	// acquisition never degrades to a single try.
	LockWait      time.Duration
	ViewTTL       time.Duration
	ReseedBatch   int
}

// Service issues coupons against a quota shared by every instance.
type Service struct {
	campaigns  repository.CampaignRepository
	store      repository.IssuanceStore
	quota      QuotaCache
	locks      lock.Manager
	views      *localcache.Cache
	events     EventPublisher
	dispatcher Dispatcher
	clock      clock.Clock
	logger     *logger.Logger
	opts       Options
}

// NewService constructs an issuance service.
func NewService(deps Deps, opts Options) *Service {
	if opts.LockKeyPrefix == "" {
		opts.LockKeyPrefix = defaultLockPrefix
	}
	if opts.LockLease <= 0 {
		opts.LockLease = defaultLockLease
	}
	if opts.LockWait <= 0 {
		opts.LockWait = defaultLockWait
	}
	if opts.ReseedBatch <= 0 {
		opts.ReseedBatch = defaultReseedBatch
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Views == nil {
		deps.Views = localcache.New(opts.ViewTTL, 0, deps.Clock)
	}

	return &Service{
		campaigns:  deps.Campaigns,
		store:      deps.Store,
		quota:      deps.Quota,
		locks:      deps.Locks,
		views:      deps.Views,
		events:     deps.Events,
		dispatcher: deps.Dispatcher,
		clock:      deps.Clock,
		logger:     deps.Logger,
		opts:       opts,
	}
}

// IssueCoupon issues one coupon of campaignID to userID. When the user already
// holds one, the existing record is returned together with ErrAlreadyIssued.
func (s *Service) IssueCoupon(ctx context.Context, campaignID uuid.UUID, userID string) (record *domain.IssuanceRecord, err error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "issuance.issue", trace.WithAttributes(
		attribute.String("campaign.id", campaignID.String()),
		attribute.String("user.id", userID),
	))
	defer func() {
		outcome := OutcomeOf(err)
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		if err != nil && apperrors.Retryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.RecordIssue(string(outcome), time.Since(started))
		s.publish(ctx, campaignID, userID, record, outcome, err)
	}()

	if err := validate(campaignID, userID); err != nil {
		return nil, err
	}

	view, err := s.view(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !view.Campaign.WithinWindow(s.clock.Now()) {
		return nil, apperrors.ErrCampaignClosed
	}

	if existing, err := s.previouslyIssued(ctx, campaignID, userID); err != nil || existing != nil {
		return existing, err
	}
	if view.Exhausted {
		// The issued set may have been lost with the cache tier while the
		// exhausted view survives in the store, so holders are looked up there.
		if existing, err := s.storedIssuance(ctx, campaignID, userID); err != nil || existing != nil {
			return existing, err
		}
		return nil, apperrors.ErrQuotaExhaustedHint
	}

	return s.issueLocked(ctx, view.Campaign, userID)
}

// previouslyIssued answers repeat callers without taking the lock. The
// membership set can lag the store, so a hit is confirmed there.
func (s *Service) previouslyIssued(ctx context.Context, campaignID uuid.UUID, userID string) (*domain.IssuanceRecord, error) {
	member, err := s.quota.HasIssued(ctx, campaignID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, nil
	}
	return s.storedIssuance(ctx, campaignID, userID)
}

// storedIssuance returns the durable record of userID with ErrAlreadyIssued,
// or nil when the user holds no coupon.
func (s *Service) storedIssuance(ctx context.Context, campaignID uuid.UUID, userID string) (*domain.IssuanceRecord, error) {
	existing, err := s.store.FindIssuance(ctx, campaignID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return existing, apperrors.ErrAlreadyIssued
}

func (s *Service) issueLocked(ctx context.Context, campaign domain.Campaign, userID string) (*domain.IssuanceRecord, error) {
	h, err := s.acquire(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, h)

	limit := campaign.Limit()
	count, err := s.quota.GetCount(ctx, campaign.ID)
	if errors.Is(err, quota.ErrNotSeeded) {
		count, err = s.reseedLocked(ctx, campaign.ID, limit)
	}
	if err != nil {
		return nil, err
	}

	if existing, err := s.storedIssuance(ctx, campaign.ID, userID); err != nil || existing != nil {
		return existing, err
	}
	if count >= limit {
		s.markExhausted(ctx, campaign.ID)
		return nil, apperrors.ErrQuotaExhausted
	}

	now := s.clock.Now()
	if h.Expired(now) {
		return nil, fmt.Errorf("issuance: lease expired before write: %w", apperrors.ErrLockTimeout)
	}

	record := domain.IssuanceRecord{
		ID:         uuid.New(),
		CampaignID: campaign.ID,
		UserID:     userID,
		IssuedAt:   now,
	}
	if err := s.store.TryInsertIssuance(ctx, record, h.Fence); err != nil {
		return s.rejected(ctx, h, campaign, userID, err)
	}

	newCount, admitted, err := s.quota.IncrementIfBelow(ctx, campaign.ID, limit, userID)
	switch {
	case err != nil:
		// The record is durable. The counter is rebuilt by the next reseed.
		s.logger.WithContext(ctx).Warn("issuance: counter increment failed after commit",
			zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
		return &record, nil
	case !admitted:
		s.logger.WithContext(ctx).Warn("issuance: counter behind store, reseeding",
			zap.String("campaign_id", campaign.ID.String()), zap.Int64("count", newCount))
		if newCount, err = s.reseedLocked(ctx, campaign.ID, limit); err != nil {
			return &record, nil
		}
	}

	if !campaign.Unlimited() && newCount >= limit {
		s.markExhausted(ctx, campaign.ID)
		if err := s.campaigns.MarkIssueComplete(ctx, campaign.ID); err != nil {
			s.logger.WithContext(ctx).Warn("issuance: mark issue complete",
				zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
		}
		s.views.Invalidate(campaign.ID)
	}

	return &record, nil
}

// rejected maps a failed durable write onto the caller-facing outcome.
// None of these paths touch the counter except to resynchronise it.
func (s *Service) rejected(ctx context.Context, h *lock.Handle, campaign domain.Campaign, userID string, err error) (*domain.IssuanceRecord, error) {
	var stale *repository.StaleFenceError
	switch {
	case errors.Is(err, repository.ErrDuplicateKey):
		existing, ferr := s.store.FindIssuance(ctx, campaign.ID, userID)
		if ferr != nil {
			return nil, ferr
		}
		return existing, apperrors.ErrAlreadyIssued
	case errors.As(err, &stale):
		s.seedFence(ctx, h.Key, stale.Current)
		return nil, fmt.Errorf("issuance: %w: %w", apperrors.ErrLockTimeout, err)
	case errors.Is(err, repository.ErrQuotaExceeded):
		if _, rerr := s.reseedLocked(ctx, campaign.ID, campaign.Limit()); rerr != nil {
			s.markExhausted(ctx, campaign.ID)
		}
		return nil, apperrors.ErrQuotaExhausted
	case errors.Is(err, repository.ErrNotFound):
		s.views.Invalidate(campaign.ID)
		return nil, apperrors.ErrCampaignNotFound
	default:
		return nil, err
	}
}

func (s *Service) view(ctx context.Context, campaignID uuid.UUID) (localcache.View, error) {
	return s.views.Load(ctx, campaignID, func(ctx context.Context) (localcache.View, error) {
		campaign, err := s.campaigns.GetCampaign(ctx, campaignID)
		if errors.Is(err, repository.ErrNotFound) {
			return localcache.View{}, apperrors.ErrCampaignNotFound
		}
		if err != nil {
			return localcache.View{}, err
		}

		exhausted := campaign.IssueComplete
		if !exhausted && !campaign.Unlimited() {
			flagged, err := s.quota.IsExhausted(ctx, campaignID)
			if err != nil {
				s.logger.WithContext(ctx).Warn("issuance: read exhausted flag",
					zap.String("campaign_id", campaignID.String()), zap.Error(err))
			}
			exhausted = flagged
		}
		return localcache.View{Campaign: *campaign, Exhausted: exhausted, TTL: s.opts.ViewTTL}, nil
	})
}

func (s *Service) acquire(ctx context.Context, campaignID uuid.UUID) (*lock.Handle, error) {
	started := time.Now()
	h, err := s.locks.Acquire(ctx, s.lockKey(campaignID), s.opts.LockLease, s.opts.LockWait)
	switch {
	case err == nil:
		metrics.RecordLockWait("acquired", time.Since(started))
	case errors.Is(err, apperrors.ErrLockTimeout):
		metrics.RecordLockWait("timeout", time.Since(started))
	default:
		metrics.RecordLockWait("error", time.Since(started))
	}
	return h, err
}

func (s *Service) release(ctx context.Context, h *lock.Handle) {
	err := s.locks.Release(context.WithoutCancel(ctx), h)
	if err == nil {
		return
	}
	log := s.logger.WithContext(ctx)
	if errors.Is(err, lock.ErrNotHeld) {
		log.Warn("issuance: lease lost before release", zap.String("lock_key", h.Key), zap.Int64("fence", h.Fence))
		return
	}
	log.Error("issuance: release lock", zap.String("lock_key", h.Key), zap.Error(err))
}

// reseedLocked rebuilds the shared counter from the durable store. The caller holds the campaign lock.
func (s *Service) reseedLocked(ctx context.Context, campaignID uuid.UUID, limit int64) (int64, error) {
	count, err := s.store.CountIssued(ctx, campaignID)
	if err != nil {
		return 0, err
	}

	var users []string
	after := ""
	for {
		page, err := s.store.ListIssuedUsers(ctx, campaignID, after, s.opts.ReseedBatch)
		if err != nil {
			return 0, err
		}
		users = append(users, page...)
		if len(page) < s.opts.ReseedBatch {
			break
		}
		after = page[len(page)-1]
	}

	if err := s.quota.Reseed(ctx, campaignID, count, users); err != nil {
		return 0, err
	}
	if count >= limit {
		s.markExhausted(ctx, campaignID)
	}

	if campaign, err := s.campaigns.GetCampaign(ctx, campaignID); err == nil {
		s.seedFence(ctx, s.lockKey(campaignID), campaign.LockFence)
	}

	metrics.QuotaReseeds.Inc()
	s.logger.WithContext(ctx).Info("issuance: quota reseeded",
		zap.String("campaign_id", campaignID.String()), zap.Int64("count", count))
	return count, nil
}

func (s *Service) seedFence(ctx context.Context, key string, floor int64) {
	seeder, ok := s.locks.(lock.FenceSeeder)
	if !ok || floor <= 0 {
		return
	}
	if err := seeder.SeedFence(ctx, key, floor); err != nil {
		s.logger.WithContext(ctx).Warn("issuance: seed lock fence", zap.String("lock_key", key), zap.Error(err))
	}
}

func (s *Service) markExhausted(ctx context.Context, campaignID uuid.UUID) {
	if err := s.quota.MarkExhausted(ctx, campaignID); err != nil {
		s.logger.WithContext(ctx).Warn("issuance: mark exhausted",
			zap.String("campaign_id", campaignID.String()), zap.Error(err))
	}
	s.views.MarkExhausted(campaignID)
}

func (s *Service) lockKey(campaignID uuid.UUID) string {
	return s.opts.LockKeyPrefix + ":" + campaignID.String()
}

func (s *Service) publish(ctx context.Context, campaignID uuid.UUID, userID string, record *domain.IssuanceRecord, outcome domain.IssuanceOutcome, err error) {
	if s.events == nil {
		return
	}
	event := domain.IssuanceEvent{
		ID:         uuid.New(),
		CampaignID: campaignID,
		UserID:     userID,
		Outcome:    outcome,
		OccurredAt: s.clock.Now(),
	}
	if record != nil {
		id := record.ID
		event.RecordID = &id
	}
	if err != nil && outcome != domain.OutcomeAlreadyIssued {
		event.Error = err.Error()
	}
	if perr := s.events.PublishEvent(context.WithoutCancel(ctx), event); perr != nil {
		s.logger.WithContext(ctx).Warn("issuance: publish event",
			zap.String("campaign_id", campaignID.String()), zap.Error(perr))
	}
}

func validate(campaignID uuid.UUID, userID string) error {
	if campaignID == uuid.Nil {
		return fmt.Errorf("%w: campaign id is required", apperrors.ErrValidation)
	}
	if userID == "" {
		return fmt.Errorf("%w: user id is required", apperrors.ErrValidation)
	}
	return nil
}

// OutcomeOf classifies the error returned by IssueCoupon.
func OutcomeOf(err error) domain.IssuanceOutcome {
	switch {
	case err == nil:
		return domain.OutcomeIssued
	case errors.Is(err, apperrors.ErrAlreadyIssued):
		return domain.OutcomeAlreadyIssued
	case errors.Is(err, apperrors.ErrQuotaExhaustedHint):
		return domain.OutcomeExhaustedHint
	case errors.Is(err, apperrors.ErrQuotaExhausted):
		return domain.OutcomeExhausted
	case errors.Is(err, apperrors.ErrCampaignClosed):
		return domain.OutcomeClosed
	case errors.Is(err, apperrors.ErrNotFound):
		return domain.OutcomeNotFound
	case errors.Is(err, apperrors.ErrLockTimeout):
		return domain.OutcomeLockTimeout
	case errors.Is(err, apperrors.ErrValidation):
		return domain.OutcomeInvalid
	default:
		return domain.OutcomeUnavailable
	}
}
