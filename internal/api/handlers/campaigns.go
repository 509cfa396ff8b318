package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/coupon-issuance/internal/domain"
	"github.com/acme/coupon-issuance/internal/service/common"
	"github.com/acme/coupon-issuance/internal/service/issuance"
)

const (
	defaultEventPageSize = 50
	maxEventPageSize     = 500
)

type campaignResponse struct {
	ID             uuid.UUID `json:"id"`
	Title          string    `json:"title"`
	TotalQuantity  *int64    `json:"total_quantity"`
	IssuedQuantity int64     `json:"issued_quantity"`
	IssueStart     time.Time `json:"issue_start"`
	IssueEnd       time.Time `json:"issue_end"`
	IssueComplete  bool      `json:"issue_complete"`
	CachedCount    *int64    `json:"cached_count"`
	Exhausted      bool      `json:"exhausted"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type eventResponse struct {
	ID         uuid.UUID  `json:"id"`
	UserID     string     `json:"user_id"`
	RecordID   *uuid.UUID `json:"record_id,omitempty"`
	Outcome    string     `json:"outcome"`
	Error      string     `json:"error,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

type eventPageResponse struct {
	Events        []eventResponse `json:"events"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseCampaignID(ctx)
	if err != nil {
		return err
	}

	state, err := h.issuer.Describe(ctx.UserContext(), id)
	if err != nil {
		return err
	}

	return ctx.JSON(toCampaignResponse(state))
}

func (h *HandlerSet) reconcile(ctx *fiber.Ctx) error {
	id, err := parseCampaignID(ctx)
	if err != nil {
		return err
	}

	result, err := h.issuer.Reconcile(ctx.UserContext(), id)
	if err != nil {
		return err
	}

	return ctx.Status(http.StatusOK).JSON(result)
}

func (h *HandlerSet) listEvents(ctx *fiber.Ctx) error {
	id, err := parseCampaignID(ctx)
	if err != nil {
		return err
	}

	limit := defaultEventPageSize
	if raw := ctx.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return fiber.NewError(http.StatusBadRequest, "invalid limit")
		}
		if limit > maxEventPageSize {
			limit = maxEventPageSize
		}
	}

	var pageState []byte
	if token := ctx.Query("page_token"); token != "" {
		pageState, err = common.DecodeBase64(token)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid page_token")
		}
	}

	events, next, err := h.events.ListByCampaign(ctx.UserContext(), id, limit, pageState)
	if err != nil {
		return err
	}

	resp := eventPageResponse{Events: make([]eventResponse, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, toEventResponse(e))
	}
	if len(next) > 0 {
		resp.NextPageToken = common.EncodeBase64(next)
	}
	return ctx.JSON(resp)
}

func toCampaignResponse(state *issuance.CampaignState) campaignResponse {
	c := state.Campaign
	return campaignResponse{
		ID:             c.ID,
		Title:          c.Title,
		TotalQuantity:  c.TotalQuantity,
		IssuedQuantity: c.IssuedQuantity,
		IssueStart:     c.IssueStart,
		IssueEnd:       c.IssueEnd,
		IssueComplete:  c.IssueComplete,
		CachedCount:    state.CachedCount,
		Exhausted:      state.Exhausted,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func toEventResponse(e domain.IssuanceEvent) eventResponse {
	return eventResponse{
		ID:         e.ID,
		UserID:     e.UserID,
		RecordID:   e.RecordID,
		Outcome:    string(e.Outcome),
		Error:      e.Error,
		OccurredAt: e.OccurredAt,
	}
}
