package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/acme/coupon-issuance/pkg/errors"
)

type errorResponse struct {
	status    int
	code      string
	message   string
	retryable bool
}

func translateError(err error) errorResponse {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code := "INVALID_REQUEST"
		if fiberErr.Code >= http.StatusInternalServerError {
			code = apperrors.Code(err)
		}
		return errorResponse{status: fiberErr.Code, code: code, message: fiberErr.Message}
	}

	resp := errorResponse{code: apperrors.Code(err), message: err.Error(), retryable: apperrors.Retryable(err)}
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		resp.status = http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		resp.status = http.StatusNotFound
		resp.message = "coupon campaign not found"
	case errors.Is(err, apperrors.ErrCampaignClosed),
		errors.Is(err, apperrors.ErrQuotaExceeded),
		errors.Is(err, apperrors.ErrConflict):
		resp.status = http.StatusConflict
	case errors.Is(err, apperrors.ErrLockTimeout), errors.Is(err, apperrors.ErrUnavailable):
		resp.status = http.StatusServiceUnavailable
	default:
		resp.status = http.StatusInternalServerError
		resp.message = "internal error"
	}
	return resp
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
