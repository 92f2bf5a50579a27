package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/dukex/ingest/pkg/registry"
	"github.com/dukex/ingest/pkg/services"
	"github.com/dukex/ingest/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	sender      dispatch.Sender
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry,
	sender dispatch.Sender,
) *API {
	return &API{
		persistence: persistence,
		logger:      logger,
		registry:    registry,
		sender:      sender,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	runService := services.NewRuns(a.logger, a.persistence, a.sender)
	webhookService := services.NewWebhooks(a.logger, a.persistence, a.sender)

	handlers := web.NewAPIHandlers(runService, webhookService, a.validate, a.registry, a.persistence)

	app := fiber.New()
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Ingest API")
	})

	handlers.Register(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
