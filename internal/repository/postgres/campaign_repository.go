package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/coupon-issuance/internal/domain"
	"github.com/acme/coupon-issuance/internal/repository"
)

const campaignColumns = `id, title, total_quantity, issued_quantity, issue_start, issue_end,
	issue_complete, lock_fence, created_at, updated_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// GetCampaign fetches a campaign by id.
func (r *CampaignRepository) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM coupons WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, storeErr("campaign repo: get", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// ListActiveCampaigns returns open, incomplete campaigns after afterID.
func (r *CampaignRepository) ListActiveCampaigns(ctx context.Context, now time.Time, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sqlx.Rows
		err  error
	)
	if afterID != nil {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+` FROM coupons
			WHERE issue_complete = false AND issue_start <= $1 AND issue_end > $1 AND id > $2
			ORDER BY id ASC LIMIT $3`, now, *afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+` FROM coupons
			WHERE issue_complete = false AND issue_start <= $1 AND issue_end > $1
			ORDER BY id ASC LIMIT $2`, now, limit)
	}
	if err != nil {
		return nil, storeErr("campaign repo: list active", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, storeErr("campaign repo: scan", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("campaign repo: rows err", err)
	}

	return results, nil
}

// MarkIssueComplete flags the campaign as fully issued.
func (r *CampaignRepository) MarkIssueComplete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE coupons SET issue_complete = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return storeErr("campaign repo: mark complete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("campaign repo: rows affected", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type campaignRecord struct {
	ID             uuid.UUID     `db:"id"`
	Title          string        `db:"title"`
	TotalQuantity  sql.NullInt64 `db:"total_quantity"`
	IssuedQuantity int64         `db:"issued_quantity"`
	IssueStart     time.Time     `db:"issue_start"`
	IssueEnd       time.Time     `db:"issue_end"`
	IssueComplete  bool          `db:"issue_complete"`
	LockFence      int64         `db:"lock_fence"`
	CreatedAt      sql.NullTime  `db:"created_at"`
	UpdatedAt      sql.NullTime  `db:"updated_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	campaign := domain.Campaign{
		ID:             r.ID,
		Title:          r.Title,
		IssuedQuantity: r.IssuedQuantity,
		IssueStart:     r.IssueStart.UTC(),
		IssueEnd:       r.IssueEnd.UTC(),
		IssueComplete:  r.IssueComplete,
		LockFence:      r.LockFence,
		CreatedAt:      r.CreatedAt.Time,
		UpdatedAt:      r.UpdatedAt.Time,
	}
	if r.TotalQuantity.Valid {
		total := r.TotalQuantity.Int64
		campaign.TotalQuantity = &total
	}

	return campaign
}
