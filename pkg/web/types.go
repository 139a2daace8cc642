package web

import "github.com/voxline/voxline/pkg/models"

// CreateWorkflowRequest carries a full workflow definition. The graph
// must pass structural validation before it is stored.
type CreateWorkflowRequest struct {
	Name      string             `json:"name"      validate:"required,min=3"`
	Active    bool               `json:"active"`
	Nodes     []*models.Node     `json:"nodes"     validate:"required,min=1,dive"`
	Edges     []*models.Edge     `json:"edges"     validate:"dive"`
	Triggers  []*models.Trigger  `json:"triggers"  validate:"required,min=1,dive"`
	Variables []*models.Variable `json:"variables,omitempty" validate:"dive"`
	Tags      []string           `json:"tags,omitempty"`
	Settings  models.Settings    `json:"settings,omitempty"`
}

func (r *CreateWorkflowRequest) ToModel() *models.Workflow {
	return &models.Workflow{
		Name:      r.Name,
		Active:    r.Active,
		Nodes:     r.Nodes,
		Edges:     r.Edges,
		Triggers:  r.Triggers,
		Variables: r.Variables,
		Tags:      r.Tags,
		Settings:  r.Settings,
	}
}

// UpdateWorkflowRequest supports partial updates; nil fields keep their
// current value. Replacing any part of the graph re-validates the
// whole definition.
type UpdateWorkflowRequest struct {
	Name      *string             `json:"name,omitempty" validate:"omitempty,min=3"`
	Nodes     *[]*models.Node     `json:"nodes,omitempty"`
	Edges     *[]*models.Edge     `json:"edges,omitempty"`
	Triggers  *[]*models.Trigger  `json:"triggers,omitempty"`
	Variables *[]*models.Variable `json:"variables,omitempty"`
	Tags      *[]string           `json:"tags,omitempty"`
	Settings  *models.Settings    `json:"settings,omitempty"`
}

func (r *UpdateWorkflowRequest) Apply(workflow *models.Workflow) {
	if r.Name != nil {
		workflow.Name = *r.Name
	}

	if r.Nodes != nil {
		workflow.Nodes = *r.Nodes
	}

	if r.Edges != nil {
		workflow.Edges = *r.Edges
	}

	if r.Triggers != nil {
		workflow.Triggers = *r.Triggers
	}

	if r.Variables != nil {
		workflow.Variables = *r.Variables
	}

	if r.Tags != nil {
		workflow.Tags = *r.Tags
	}

	if r.Settings != nil {
		workflow.Settings = *r.Settings
	}
}

// ManualRunRequest is the body of a manual workflow run.
type ManualRunRequest struct {
	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

// RunResponse acknowledges an accepted activation.
type RunResponse struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      models.ExecutionStatus `json:"status"`
}

// ValidationResponse reports structural findings for a workflow.
type ValidationResponse struct {
	Valid    bool                     `json:"valid"`
	Findings []models.ValidationError `json:"findings"`
}
