package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/coupon-issuance/internal/app"
	"github.com/acme/coupon-issuance/internal/domain"
	"github.com/acme/coupon-issuance/internal/service/issuance"
	"github.com/acme/coupon-issuance/pkg/logger"
)

// Issuer is the issuance surface served over HTTP.
type Issuer interface {
	IssueCoupon(ctx context.Context, campaignID uuid.UUID, userID string) (*domain.IssuanceRecord, error)
	RequestIssue(ctx context.Context, campaignID uuid.UUID, userID string) (uuid.UUID, error)
	Describe(ctx context.Context, campaignID uuid.UUID) (*issuance.CampaignState, error)
	Reconcile(ctx context.Context, campaignID uuid.UUID) (*issuance.ReconcileResult, error)
}

// EventLog pages the issuance audit trail.
type EventLog interface {
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pageState []byte) ([]domain.IssuanceEvent, []byte, error)
}

// Pinger is a dependency probed by /healthz.
type Pinger func(ctx context.Context) error

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	issuer     Issuer
	events     EventLog
	checks     map[string]Pinger
	logger     *logger.Logger
	retryAfter time.Duration
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	return newHandlerSet(
		container.Services().Issuance,
		container.Repositories().IssuanceLog,
		map[string]Pinger{
			"postgres": container.Postgres.Ping,
			"redis":    container.Redis.Ping,
			"scylla":   container.Scylla.Ping,
		},
		container.Logger,
		container.Config.Lock.Wait,
	)
}

func newHandlerSet(issuer Issuer, events EventLog, checks map[string]Pinger, lg *logger.Logger, retryAfter time.Duration) *HandlerSet {
	if lg == nil {
		lg = logger.NewNop()
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return &HandlerSet{issuer: issuer, events: events, checks: checks, logger: lg, retryAfter: retryAfter}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Post("/:id/issue", h.issueCoupon)
	campaigns.Post("/:id/issue-async", h.requestIssue)
	campaigns.Post("/:id/reconcile", h.reconcile)
	campaigns.Get("/:id/events", h.listEvents)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	resp := translateError(err)
	if resp.status == fiber.StatusInternalServerError {
		h.logger.WithContext(ctx.UserContext()).Error("request failed",
			zap.String("path", ctx.Path()), zap.Error(err))
	}
	if resp.retryable {
		ctx.Set(fiber.HeaderRetryAfter, retryAfterSeconds(h.retryAfter))
	}

	return ctx.Status(resp.status).JSON(fiber.Map{
		"error":    resp.message,
		"code":     resp.code,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, ping := range h.checks {
		if err := ping(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}

func parseCampaignID(ctx *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "invalid campaign id")
	}
	return id, nil
}
