// Package main provides the Voxline API server.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/voxline/voxline/pkg/activation"
	"github.com/voxline/voxline/pkg/cmd"
	"github.com/voxline/voxline/pkg/eventbus"
	"github.com/voxline/voxline/pkg/metrics"
	"github.com/voxline/voxline/pkg/store"
	"github.com/voxline/voxline/pkg/web"
)

type API struct {
	logger   *slog.Logger
	store    store.Store
	eventBus eventbus.EventBus
	deduper  activation.Deduper
}

func NewAPI(
	logger *slog.Logger,
	s store.Store,
	eventBus eventbus.EventBus,
	deduper activation.Deduper,
) *API {
	return &API{
		logger:   logger,
		store:    s,
		eventBus: eventBus,
		deduper:  deduper,
	}
}

func (a *API) App(ctx context.Context) (*fiber.App, error) {
	activationRegistry := activation.NewRegistry(
		a.store.Workflows(), a.store.Executions(), a.deduper, a.eventBus, a.logger)

	handlerRegistry := cmd.NewHandlerRegistry(a.logger)

	aggregator := metrics.NewAggregator(a.logger)
	if err := aggregator.Recompute(ctx, a.store.Workflows(), a.store.Executions()); err != nil {
		return nil, err
	}

	// Keep the aggregator warm from the bus; an API deployed apart
	// from the engine sees finishes through kafka.
	if err := aggregator.Register(a.eventBus); err != nil {
		return nil, err
	}

	handlers := web.NewAPIHandlers(a.store, activationRegistry, aggregator, handlerRegistry, nil, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Voxline API")
	})

	handlers.RegisterRoutes(app)

	return app, nil
}

func (a *API) Start(ctx context.Context, port int) error {
	app, err := a.App(ctx)
	if err != nil {
		return err
	}

	if err := a.eventBus.Subscribe(ctx); err != nil {
		return err
	}

	return app.Listen(":" + strconv.Itoa(port))
}
