package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/voxline/voxline/pkg/activation"
	"github.com/voxline/voxline/pkg/store"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusConflict).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func unauthorized(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusUnauthorized).
		WithInstance(c.Path()).
		WithType("unauthorized").
		WithDetail(detail)

	return c.Status(fiber.StatusUnauthorized).JSON(problem)
}

func serviceUnavailable(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusServiceUnavailable).
		WithInstance(c.Path()).
		WithType("engine_not_attached").
		WithDetail(detail)

	return c.Status(fiber.StatusServiceUnavailable).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleActivationError maps trigger registry failures onto problem
// responses. Unknown errors stay opaque.
func handleActivationError(c fiber.Ctx, err error) error {
	switch {
	case store.IsWorkflowNotFound(err):
		return notFound(c, "workflow not found")
	case errors.Is(err, activation.ErrWorkflowInactive):
		return conflict(c, "workflow_inactive", "workflow is not active")
	case errors.Is(err, activation.ErrValidationFailed):
		return badRequest(c, err.Error())
	case errors.Is(err, activation.ErrTriggerNotFound):
		return notFound(c, "no matching trigger on this workflow")
	case errors.Is(err, activation.ErrNoWebhookMatch):
		return notFound(c, "no active workflow listens on this path")
	case errors.Is(err, activation.ErrSecretMismatch):
		return unauthorized(c, "webhook secret mismatch")
	default:
		return internalError(c, err)
	}
}
