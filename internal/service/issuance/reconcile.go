package issuance

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/acme/coupon-issuance/internal/domain"
	"github.com/acme/coupon-issuance/internal/repository"
	"github.com/acme/coupon-issuance/internal/service/quota"
	apperrors "github.com/acme/coupon-issuance/pkg/errors"
)

// ReconcileResult describes a reseed of the shared counter.
type ReconcileResult struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	// Previous is nil when the counter was missing.
	Previous  *int64 `json:"previous"`
	Count     int64  `json:"count"`
	Exhausted bool   `json:"exhausted"`
}

// Reconcile rebuilds the shared counter of campaignID from the durable store under the campaign lock.
func (s *Service) Reconcile(ctx context.Context, campaignID uuid.UUID) (*ReconcileResult, error) {
	ctx, span := tracer.Start(ctx, "issuance.reconcile", trace.WithAttributes(
		attribute.String("campaign.id", campaignID.String()),
	))
	defer span.End()

	if campaignID == uuid.Nil {
		return nil, fmt.Errorf("%w: campaign id is required", apperrors.ErrValidation)
	}
	campaign, err := s.campaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	h, err := s.acquire(ctx, campaignID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer s.release(ctx, h)

	result := &ReconcileResult{CampaignID: campaignID}
	previous, err := s.quota.GetCount(ctx, campaignID)
	switch {
	case err == nil:
		result.Previous = &previous
	case !errors.Is(err, quota.ErrNotSeeded):
		return nil, err
	}

	limit := campaign.Limit()
	count, err := s.reseedLocked(ctx, campaignID, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.views.Invalidate(campaignID)

	result.Count = count
	result.Exhausted = !campaign.Unlimited() && count >= limit
	return result, nil
}

// Drifted reports whether the shared counter is missing or disagrees with the
// durable count. It does not take the lock, so an issue in flight can make it
// report drift spuriously; Reconcile settles that under the lock.
func (s *Service) Drifted(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	cached, err := s.quota.GetCount(ctx, campaignID)
	if errors.Is(err, quota.ErrNotSeeded) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	durable, err := s.store.CountIssued(ctx, campaignID)
	if err != nil {
		return false, err
	}
	return cached != durable, nil
}

// CampaignState is a campaign with the live view of its shared counter.
type CampaignState struct {
	Campaign    domain.Campaign
	CachedCount *int64
	Exhausted   bool
}

// Describe reads a campaign from the store together with its shared counter.
func (s *Service) Describe(ctx context.Context, campaignID uuid.UUID) (*CampaignState, error) {
	campaign, err := s.campaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	state := &CampaignState{Campaign: *campaign, Exhausted: campaign.IssueComplete}

	count, err := s.quota.GetCount(ctx, campaignID)
	switch {
	case err == nil:
		state.CachedCount = &count
	case !errors.Is(err, quota.ErrNotSeeded):
		return nil, err
	}
	if !state.Exhausted && !campaign.Unlimited() {
		if state.Exhausted, err = s.quota.IsExhausted(ctx, campaignID); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (s *Service) campaign(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.campaigns.GetCampaign(ctx, campaignID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrCampaignNotFound
	}
	return campaign, err
}
