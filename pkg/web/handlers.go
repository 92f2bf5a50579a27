package web

import (
	"context"
	"net/http"
	"time"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/registry"
	"github.com/dukex/ingest/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type APIHandlers struct {
	runService     *services.Runs
	webhookService *services.Webhooks
	validator      *validator.Validate
	registry       *registry.Registry
	store          HealthChecker
}

func NewAPIHandlers(
	runService *services.Runs,
	webhookService *services.Webhooks,
	validator *validator.Validate,
	registry *registry.Registry,
	store HealthChecker,
) *APIHandlers {
	return &APIHandlers{
		runService:     runService,
		webhookService: webhookService,
		validator:      validator,
		registry:       registry,
		store:          store,
	}
}

// Register mounts every ops endpoint on app.
func (h *APIHandlers) Register(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	r := app.Group("/runs")
	r.Post("/", h.TriggerRun)
	r.Get("/:id", h.GetRun)
	r.Post("/:id/continue", h.ContinueRun)
	r.Post("/:id/streams/:streamId/process", h.ProcessStream)

	w := app.Group("/webhooks")
	w.Post("/", h.AcceptWebhook)
	w.Post("/:id/reprocess", h.ReprocessWebhook)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	platforms := h.registry.Platforms()
	registryOk := len(platforms) > 0

	repositoryCheck := "ok"
	repositoryOk := true

	if err := h.store.HealthCheck(c.Context()); err != nil {
		repositoryCheck = err.Error()
		repositoryOk = false
	}

	status := "unhealthy"
	message := "Ingest API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if registryOk && repositoryOk {
		status = "healthy"
		message = "Ingest API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   fiber.Map{"platforms": platforms},
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) TriggerRun(c fiber.Ctx) error {
	var req TriggerRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.runService.Trigger(c.Context(), services.TriggerRequest{
		TenantID:     req.TenantID,
		Target:       models.RunTarget{IntegrationID: req.IntegrationID, MicroserviceID: req.MicroserviceID},
		Onboarding:   req.Onboarding,
		FireWebhooks: req.FireWebhooks,
		Delay:        time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(TransformRunResponse(run))
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.runService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformRunResponse(run))
}

func (h *APIHandlers) ContinueRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.runService.Continue(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(TransformRunResponse(run))
}

func (h *APIHandlers) ProcessStream(c fiber.Ctx) error {
	id := c.Params("id")
	streamID := c.Params("streamId")

	if id == "" || streamID == "" {
		return badRequest(c, "Run ID and stream ID are required")
	}

	stream, err := h.runService.ProcessStream(c.Context(), id, streamID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(stream)
}

func (h *APIHandlers) AcceptWebhook(c fiber.Ctx) error {
	var req AcceptWebhookRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	webhook, err := h.webhookService.Accept(c.Context(), services.AcceptWebhookRequest{
		TenantID:      req.TenantID,
		IntegrationID: req.IntegrationID,
		Type:          req.Type,
		Payload:       req.Payload,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(webhook)
}

func (h *APIHandlers) ReprocessWebhook(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Webhook ID is required")
	}

	webhook, err := h.webhookService.Reprocess(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(webhook)
}
