package web

import (
	"errors"

	"github.com/dukex/ingest/pkg/persistence"
	"github.com/dukex/ingest/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps service and persistence errors to problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		problem := problems.NewStatusProblem(400).
			WithInstance(c.Path()).
			WithType("validation_error").
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadRequest).JSON(problem)

	case services.IsConflictError(err), persistence.IsInvalidTransition(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case errors.Is(err, persistence.ErrRunNotFound):
		return notFound(c, "run_not_found", "run not found")

	case errors.Is(err, persistence.ErrStreamNotFound):
		return notFound(c, "stream_not_found", "stream not found")

	case errors.Is(err, persistence.ErrWebhookNotFound):
		return notFound(c, "webhook_not_found", "webhook not found")

	case errors.Is(err, persistence.ErrIntegrationNotFound):
		return notFound(c, "integration_not_found", "integration not found")

	case errors.Is(err, persistence.ErrMicroserviceNotFound):
		return notFound(c, "microservice_not_found", "microservice not found")

	default:
		return internalError(c, err)
	}
}
