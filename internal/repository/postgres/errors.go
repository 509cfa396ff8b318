package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/acme/coupon-issuance/pkg/errors"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// storeErr tags infrastructure failures so callers can classify them as retryable.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, apperrors.ErrStoreUnavailable, err)
}
