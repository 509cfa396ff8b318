package errors

import (
	"errors"
	"fmt"
)

// Sentinels for domain errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Issuance outcomes. Each one wraps the broader sentinel it specialises so
// callers may match on either.
var (
	ErrCampaignNotFound   = fmt.Errorf("campaign %w", ErrNotFound)
	ErrCampaignClosed     = errors.New("campaign closed")
	ErrQuotaExhausted     = fmt.Errorf("campaign quota exhausted: %w", ErrQuotaExceeded)
	ErrQuotaExhaustedHint = fmt.Errorf("cached hint: %w", ErrQuotaExhausted)
	ErrAlreadyIssued      = fmt.Errorf("coupon already issued: %w", ErrConflict)
	ErrLockTimeout        = errors.New("lock wait timeout")
	ErrStoreUnavailable   = fmt.Errorf("durable store: %w", ErrUnavailable)
	ErrCacheUnavailable   = fmt.Errorf("quota cache: %w", ErrUnavailable)
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}

// Retryable reports whether the caller may retry the operation that produced err.
// Lock timeouts and infrastructure failures are transient; everything else is terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrUnavailable)
}

// Code maps an error onto the stable code returned to API clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "COUPON_NOT_EXIST"
	case errors.Is(err, ErrAlreadyIssued):
		return "DUPLICATE_COUPON_ISSUE"
	case errors.Is(err, ErrQuotaExceeded):
		return "INVALID_COUPON_ISSUE_QUANTITY"
	case errors.Is(err, ErrCampaignClosed):
		return "INVALID_COUPON_ISSUE_DATE"
	case errors.Is(err, ErrValidation):
		return "INVALID_REQUEST"
	case errors.Is(err, ErrLockTimeout):
		return "ISSUE_LOCK_TIMEOUT"
	default:
		return "FAIL_COUPON_ISSUE_REQUEST"
	}
}
