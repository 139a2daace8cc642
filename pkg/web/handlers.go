// Package web provides the REST surface of the platform: workflow
// management, trigger ingestion, execution inspection and metrics. It
// calls only the engine-core interfaces; rendering and canvas concerns
// stay in the dashboard.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/voxline/voxline/pkg/activation"
	"github.com/voxline/voxline/pkg/engine"
	"github.com/voxline/voxline/pkg/metrics"
	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/registry"
	"github.com/voxline/voxline/pkg/store"
)

// Canceller stops a running execution. Only the process hosting the
// engine can satisfy it; an API deployed apart from the engine leaves
// it nil.
type Canceller interface {
	Cancel(ctx context.Context, executionID string) error
}

type APIHandlers struct {
	store      store.Store
	workflows  store.WorkflowRepository
	executions store.ExecutionStore
	activation *activation.Registry
	metrics    *metrics.Aggregator
	registry   *registry.Registry
	canceller  Canceller
	validator  *validator.Validate
	logger     *slog.Logger
}

func NewAPIHandlers(
	s store.Store,
	activationRegistry *activation.Registry,
	aggregator *metrics.Aggregator,
	handlerRegistry *registry.Registry,
	canceller Canceller,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		store:      s,
		workflows:  s.Workflows(),
		executions: s.Executions(),
		activation: activationRegistry,
		metrics:    aggregator,
		registry:   handlerRegistry,
		canceller:  canceller,
		validator:  validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger.With("module", "web"),
	}
}

// RegisterRoutes mounts every endpoint on the app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	workflows := app.Group("/workflows")
	workflows.Get("/", h.GetWorkflows)
	workflows.Post("/", h.CreateWorkflow)
	workflows.Get("/:id", h.GetWorkflow)
	workflows.Patch("/:id", h.UpdateWorkflow)
	workflows.Delete("/:id", h.DeleteWorkflow)
	workflows.Get("/:id/validation", h.ValidateWorkflow)
	workflows.Post("/:id/activate", h.ActivateWorkflow)
	workflows.Post("/:id/deactivate", h.DeactivateWorkflow)
	workflows.Post("/:id/run", h.RunWorkflow)
	workflows.Get("/:id/executions", h.ListExecutions)
	workflows.Get("/:id/metrics", h.GetWorkflowMetrics)

	executions := app.Group("/executions")
	executions.Get("/:id", h.GetExecution)
	executions.Post("/:id/cancel", h.CancelExecution)

	app.Post("/hooks/*", h.IngestWebhook)
	app.Post("/events/:name", h.IngestEvent)
	app.Get("/metrics", h.GetMetrics)
	app.Get("/handlers", h.GetHandlers)
	app.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	opts := store.ListWorkflowsOptions{Tag: c.Query("tag")}

	if activeStr := c.Query("active"); activeStr != "" {
		active, err := strconv.ParseBool(activeStr)
		if err != nil {
			return badRequest(c, "invalid 'active' query parameter")
		}

		opts.Active = &active
	}

	var err error

	opts.Limit, opts.Offset, err = parsePagination(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	workflows, err := h.workflows.List(c.Context(), opts)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows": workflows,
		"count":     len(workflows),
		"pagination": fiber.Map{
			"limit":  opts.Limit,
			"offset": opts.Offset,
		},
	})
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	workflow := req.ToModel()

	findings := models.Validate(workflow)
	if models.HasErrors(findings) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(ValidationResponse{
			Valid:    false,
			Findings: findings,
		})
	}

	if err := h.workflows.Save(c.Context(), workflow); err != nil {
		return internalError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Workflow created", "workflow_id", workflow.ID, "name", workflow.Name)

	return c.Status(fiber.StatusCreated).JSON(workflow)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflows.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		if store.IsWorkflowNotFound(err) {
			return notFound(c, "workflow not found")
		}

		return internalError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	var req UpdateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	workflow, err := h.workflows.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		if store.IsWorkflowNotFound(err) {
			return notFound(c, "workflow not found")
		}

		return internalError(c, err)
	}

	req.Apply(workflow)

	findings := models.Validate(workflow)
	if models.HasErrors(findings) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(ValidationResponse{
			Valid:    false,
			Findings: findings,
		})
	}

	if err := h.workflows.Save(c.Context(), workflow); err != nil {
		return internalError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	err := h.workflows.Delete(c.Context(), c.Params("id"))
	if err != nil {
		if store.IsWorkflowNotFound(err) {
			return notFound(c, "workflow not found")
		}

		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ValidateWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflows.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		if store.IsWorkflowNotFound(err) {
			return notFound(c, "workflow not found")
		}

		return internalError(c, err)
	}

	findings := models.Validate(workflow)

	return c.JSON(ValidationResponse{
		Valid:    !models.HasErrors(findings),
		Findings: findings,
	})
}

// ActivateWorkflow turns a workflow on. Activation is refused while
// the definition has structural errors; triggers only ever fire valid
// graphs.
func (h *APIHandlers) ActivateWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflows.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		if store.IsWorkflowNotFound(err) {
			return notFound(c, "workflow not found")
		}

		return internalError(c, err)
	}

	findings := models.Validate(workflow)
	if models.HasErrors(findings) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(ValidationResponse{
			Valid:    false,
			Findings: findings,
		})
	}

	if err := h.workflows.SetActive(c.Context(), workflow.ID, true); err != nil {
		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) DeactivateWorkflow(c fiber.Ctx) error {
	err := h.workflows.SetActive(c.Context(), c.Params("id"), false)
	if err != nil {
		if store.IsWorkflowNotFound(err) {
			return notFound(c, "workflow not found")
		}

		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) RunWorkflow(c fiber.Ctx) error {
	var req ManualRunRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "invalid JSON body")
		}
	}

	result, err := h.activation.ActivateManual(c.Context(), c.Params("id"), req.TriggerData)
	if err != nil {
		return handleActivationError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(RunResponse{
		ExecutionID: result.Execution.ID,
		WorkflowID:  result.Execution.WorkflowID,
		Status:      result.Execution.Status,
	})
}

// IngestWebhook accepts external deliveries. The delivery id header
// drives idempotent dedup: a replay inside the window acknowledges
// without creating a second execution.
func (h *APIHandlers) IngestWebhook(c fiber.Ctx) error {
	var payload map[string]any
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&payload); err != nil {
			return badRequest(c, "invalid JSON body")
		}
	}

	result, err := h.activation.ActivateWebhook(c.Context(),
		c.Path(),
		c.Get("X-Webhook-Secret"),
		payload,
		c.Get("X-Delivery-ID"),
	)
	if err != nil {
		if errors.Is(err, activation.ErrDuplicateEvent) {
			return c.JSON(fiber.Map{"status": "duplicate"})
		}

		return handleActivationError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(RunResponse{
		ExecutionID: result.Execution.ID,
		WorkflowID:  result.Execution.WorkflowID,
		Status:      result.Execution.Status,
	})
}

// IngestEvent fans a named external event out to every active workflow
// subscribed to it. The response lists one queued execution per match;
// duplicates inside the dedup window are skipped by the registry.
func (h *APIHandlers) IngestEvent(c fiber.Ctx) error {
	var payload map[string]any
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&payload); err != nil {
			return badRequest(c, "invalid JSON body")
		}
	}

	results, err := h.activation.ActivateEvent(c.Context(),
		c.Params("name"), payload, c.Get("X-Delivery-ID"))
	if err != nil {
		return handleActivationError(c, err)
	}

	runs := make([]RunResponse, 0, len(results))
	for _, result := range results {
		runs = append(runs, RunResponse{
			ExecutionID: result.Execution.ID,
			WorkflowID:  result.Execution.WorkflowID,
			Status:      result.Execution.Status,
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"executions": runs,
		"count":      len(runs),
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.executions.GetExecution(c.Context(), c.Params("id"))
	if err != nil {
		if store.IsExecutionNotFound(err) {
			return notFound(c, "execution not found")
		}

		return internalError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	opts := store.ListExecutionsOptions{}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.ExecutionStatus(statusStr)
		opts.Status = &status
	}

	if sinceStr := c.Query("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			return badRequest(c, "invalid 'since' query parameter, want RFC 3339")
		}

		opts.Since = &since
	}

	var err error

	opts.Limit, opts.Offset, err = parsePagination(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	executions, err := h.executions.ListExecutions(c.Context(), c.Params("id"), opts)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions": executions,
		"count":      len(executions),
	})
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	if h.canceller == nil {
		return serviceUnavailable(c, "this API instance does not host the engine")
	}

	err := h.canceller.Cancel(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			return conflict(c, "not_running", "execution is not running on this engine")
		}

		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) GetWorkflowMetrics(c fiber.Ctx) error {
	summary, _ := h.metrics.Snapshot(c.Params("id"))

	return c.JSON(summary)
}

func (h *APIHandlers) GetMetrics(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"workflows": h.metrics.All()})
}

func (h *APIHandlers) GetHandlers(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"handlers": h.registry.Handlers()})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()

	storeErr := h.store.HealthCheck(c.Context())
	storeCheck := "ok"

	if storeErr != nil {
		storeCheck = storeErr.Error()
	}

	status := "healthy"
	httpStatus := http.StatusOK

	if !regOk || storeErr != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"registry": registryCheck,
			"store":    storeCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func parsePagination(c fiber.Ctx) (limit, offset int, err error) {
	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			return 0, 0, errors.New("invalid 'limit' query parameter")
		}
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("invalid 'offset' query parameter")
		}
	}

	return limit, offset, nil
}
