package issuance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/coupon-issuance/internal/domain"
	"github.com/acme/coupon-issuance/internal/metrics"
	"github.com/acme/coupon-issuance/internal/queue"
	"github.com/acme/coupon-issuance/internal/service/quota"
	apperrors "github.com/acme/coupon-issuance/pkg/errors"
)

// RequestIssue admits an issue request for asynchronous processing and
// returns the request id. A worker later runs IssueCoupon for it.
func (s *Service) RequestIssue(ctx context.Context, campaignID uuid.UUID, userID string) (requestID uuid.UUID, err error) {
	started := time.Now()
	defer func() {
		outcome := domain.OutcomeRequested
		if err != nil {
			outcome = OutcomeOf(err)
		}
		metrics.RecordIssue(string(outcome), time.Since(started))
		s.publish(ctx, campaignID, userID, nil, outcome, err)
	}()

	if err := validate(campaignID, userID); err != nil {
		return uuid.Nil, err
	}
	if s.dispatcher == nil {
		return uuid.Nil, fmt.Errorf("issuance: async issuance disabled: %w", apperrors.ErrUnavailable)
	}

	view, err := s.view(ctx, campaignID)
	if err != nil {
		return uuid.Nil, err
	}
	if !view.Campaign.WithinWindow(s.clock.Now()) {
		return uuid.Nil, apperrors.ErrCampaignClosed
	}
	if view.Exhausted {
		return uuid.Nil, apperrors.ErrQuotaExhaustedHint
	}

	reserved, err := s.quota.ReserveRequest(ctx, campaignID, userID, view.Campaign.Limit())
	if err != nil {
		return uuid.Nil, err
	}
	switch reserved {
	case quota.AlreadyRequested:
		return uuid.Nil, apperrors.ErrAlreadyIssued
	case quota.RequestsFull:
		return uuid.Nil, apperrors.ErrQuotaExhausted
	}

	msg := queue.IssueRequestMessage{
		RequestID:  uuid.New(),
		CampaignID: campaignID,
		UserID:     userID,
		Attempt:    1,
		EnqueuedAt: s.clock.Now(),
	}
	if err := s.dispatcher.DispatchIssue(ctx, msg); err != nil {
		s.ReleaseReservation(ctx, campaignID, userID)
		return uuid.Nil, fmt.Errorf("issuance: enqueue request: %w: %w", apperrors.ErrUnavailable, err)
	}
	return msg.RequestID, nil
}

// ReleaseReservation frees an async reservation whose request ended without a coupon.
func (s *Service) ReleaseReservation(ctx context.Context, campaignID uuid.UUID, userID string) {
	if err := s.quota.ReleaseRequest(context.WithoutCancel(ctx), campaignID, userID); err != nil {
		s.logger.WithContext(ctx).Warn("issuance: release reservation",
			zap.String("campaign_id", campaignID.String()), zap.String("user_id", userID), zap.Error(err))
	}
}
