package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/coupon-issuance/internal/domain"
	"github.com/acme/coupon-issuance/internal/repository"
)

// IssuanceRepository implements repository.IssuanceStore using PostgreSQL.
type IssuanceRepository struct {
	db *sqlx.DB
}

// NewIssuanceRepository constructs a new repository.
func NewIssuanceRepository(db *sqlx.DB) *IssuanceRepository {
	return &IssuanceRepository{db: db}
}

// CountIssued returns the number of durable issuance records for a campaign.
func (r *IssuanceRepository) CountIssued(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT count(*) FROM coupon_issues WHERE coupon_id = $1`, campaignID); err != nil {
		return 0, storeErr("issuance repo: count", err)
	}
	return n, nil
}

// TryInsertIssuance bumps issued_quantity under the fence and quota guards and
// inserts the record. Either both writes commit or neither does.
func (r *IssuanceRepository) TryInsertIssuance(ctx context.Context, record domain.IssuanceRecord, fence int64) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE coupons
			SET issued_quantity = issued_quantity + 1, lock_fence = $2, updated_at = now()
			WHERE id = $1 AND lock_fence <= $2
			  AND (total_quantity IS NULL OR issued_quantity < total_quantity)`,
			record.CampaignID, fence)
		if err != nil {
			return storeErr("issuance repo: reserve quantity", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storeErr("issuance repo: rows affected", err)
		}
		if n == 0 {
			return rejectionCause(ctx, tx, record.CampaignID, fence)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO coupon_issues (id, coupon_id, user_id, issued_at)
			VALUES ($1, $2, $3, $4)`,
			record.ID, record.CampaignID, record.UserID, record.IssuedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return repository.ErrDuplicateKey
			}
			return storeErr("issuance repo: insert", err)
		}
		return nil
	})
}

// rejectionCause re-reads the campaign row to tell a stale fence from a full quota.
func rejectionCause(ctx context.Context, tx *sqlx.Tx, campaignID uuid.UUID, fence int64) error {
	var current int64
	err := tx.GetContext(ctx, &current, `SELECT lock_fence FROM coupons WHERE id = $1`, campaignID)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	if err != nil {
		return storeErr("issuance repo: read fence", err)
	}
	if current > fence {
		return &repository.StaleFenceError{Fence: fence, Current: current}
	}
	return fmt.Errorf("issuance repo: %w", repository.ErrQuotaExceeded)
}

// FindIssuance returns the record for (campaignID, userID).
func (r *IssuanceRepository) FindIssuance(ctx context.Context, campaignID uuid.UUID, userID string) (*domain.IssuanceRecord, error) {
	var record issuanceRecord
	err := r.db.GetContext(ctx, &record, `SELECT id, coupon_id, user_id, issued_at
		FROM coupon_issues WHERE coupon_id = $1 AND user_id = $2`, campaignID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, storeErr("issuance repo: find", err)
	}
	out := record.toDomain()
	return &out, nil
}

// ListIssuedUsers returns up to limit user ids greater than afterUserID.
func (r *IssuanceRepository) ListIssuedUsers(ctx context.Context, campaignID uuid.UUID, afterUserID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	users := make([]string, 0, limit)
	err := r.db.SelectContext(ctx, &users, `SELECT user_id FROM coupon_issues
		WHERE coupon_id = $1 AND user_id > $2 ORDER BY user_id ASC LIMIT $3`, campaignID, afterUserID, limit)
	if err != nil {
		return nil, storeErr("issuance repo: list users", err)
	}
	return users, nil
}

type issuanceRecord struct {
	ID         uuid.UUID    `db:"id"`
	CampaignID uuid.UUID    `db:"coupon_id"`
	UserID     string       `db:"user_id"`
	IssuedAt   sql.NullTime `db:"issued_at"`
}

func (r issuanceRecord) toDomain() domain.IssuanceRecord {
	return domain.IssuanceRecord{
		ID:         r.ID,
		CampaignID: r.CampaignID,
		UserID:     r.UserID,
		IssuedAt:   r.IssuedAt.Time.UTC(),
	}
}
