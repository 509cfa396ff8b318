package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/coupon-issuance/internal/domain"
	apperrors "github.com/acme/coupon-issuance/pkg/errors"
)

type issueRequest struct {
	UserID string `json:"user_id"`
}

type issuanceResponse struct {
	ID         uuid.UUID `json:"id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	UserID     string    `json:"user_id"`
	IssuedAt   time.Time `json:"issued_at"`
	// AlreadyIssued marks a repeated request answered with the existing record.
	AlreadyIssued bool `json:"already_issued"`
}

type requestAcceptedResponse struct {
	RequestID  uuid.UUID `json:"request_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	UserID     string    `json:"user_id"`
}

func (h *HandlerSet) issueCoupon(ctx *fiber.Ctx) error {
	campaignID, userID, err := parseIssueRequest(ctx)
	if err != nil {
		return err
	}

	record, err := h.issuer.IssueCoupon(ctx.UserContext(), campaignID, userID)
	if errors.Is(err, apperrors.ErrAlreadyIssued) && record != nil {
		return ctx.Status(http.StatusOK).JSON(toIssuanceResponse(record, true))
	}
	if err != nil {
		return err
	}

	return ctx.Status(http.StatusCreated).JSON(toIssuanceResponse(record, false))
}

func (h *HandlerSet) requestIssue(ctx *fiber.Ctx) error {
	campaignID, userID, err := parseIssueRequest(ctx)
	if err != nil {
		return err
	}

	requestID, err := h.issuer.RequestIssue(ctx.UserContext(), campaignID, userID)
	if err != nil {
		return err
	}

	return ctx.Status(http.StatusAccepted).JSON(requestAcceptedResponse{
		RequestID:  requestID,
		CampaignID: campaignID,
		UserID:     userID,
	})
}

func parseIssueRequest(ctx *fiber.Ctx) (uuid.UUID, string, error) {
	campaignID, err := parseCampaignID(ctx)
	if err != nil {
		return uuid.Nil, "", err
	}

	var req issueRequest
	if err := ctx.BodyParser(&req); err != nil {
		return uuid.Nil, "", fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return uuid.Nil, "", fiber.NewError(http.StatusBadRequest, "user_id is required")
	}
	return campaignID, userID, nil
}

func toIssuanceResponse(r *domain.IssuanceRecord, already bool) issuanceResponse {
	return issuanceResponse{
		ID:            r.ID,
		CampaignID:    r.CampaignID,
		UserID:        r.UserID,
		IssuedAt:      r.IssuedAt,
		AlreadyIssued: already,
	}
}
