package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/coupon-issuance/internal/domain"
	apperrors "github.com/acme/coupon-issuance/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
	// ErrDuplicateKey means the (campaign, user) pair already has an issuance record.
	ErrDuplicateKey = fmt.Errorf("%w: duplicate issuance", apperrors.ErrConflict)
	// ErrStaleFence means a write was fenced off by a newer lock holder.
	ErrStaleFence = errors.New("stale lock fence")
	// ErrQuotaExceeded means the durable quota backstop rejected the write.
	ErrQuotaExceeded = apperrors.ErrQuotaExceeded
)

// StaleFenceError reports the fence already recorded for the campaign.
type StaleFenceError struct {
	Fence   int64
	Current int64
}

func (e *StaleFenceError) Error() string {
	return fmt.Sprintf("stale lock fence %d, campaign is at %d", e.Fence, e.Current)
}

func (e *StaleFenceError) Unwrap() error { return ErrStaleFence }

// CampaignRepository reads campaign metadata.
type CampaignRepository interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	// ListActiveCampaigns pages through campaigns whose window contains now
	// and that are not yet complete, ordered by id.
	ListActiveCampaigns(ctx context.Context, now time.Time, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	MarkIssueComplete(ctx context.Context, id uuid.UUID) error
}

// IssuanceStore is the durable source of truth for issuance records.
type IssuanceStore interface {
	CountIssued(ctx context.Context, campaignID uuid.UUID) (int64, error)
	// TryInsertIssuance writes record and bumps the campaign's issued quantity
	// in one transaction, provided fence is not older than the last writer's
	// and the quota still has room.
	TryInsertIssuance(ctx context.Context, record domain.IssuanceRecord, fence int64) error
	FindIssuance(ctx context.Context, campaignID uuid.UUID, userID string) (*domain.IssuanceRecord, error)
	// ListIssuedUsers pages through issued user ids in ascending order.
	ListIssuedUsers(ctx context.Context, campaignID uuid.UUID, afterUserID string, limit int) ([]string, error)
}

// IssuanceLog keeps the append-only audit trail of issue attempts.
type IssuanceLog interface {
	Append(ctx context.Context, event domain.IssuanceEvent) error
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pageState []byte) ([]domain.IssuanceEvent, []byte, error)
}
