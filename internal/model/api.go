package model

import (
	"errors"
	"fmt"
	"strings"
)

// MaxPromptLen caps the prompt size accepted by the submission endpoints.
const MaxPromptLen = 8 * 1024

var (
	// ErrEmptyPrompt is returned for empty or whitespace-only prompts.
	ErrEmptyPrompt = errors.New("prompt is required")

	// ErrPromptTooLong is returned for prompts over MaxPromptLen bytes.
	ErrPromptTooLong = errors.New("prompt too long")
)

// ValidatePrompt rejects prompts the pipeline cannot run.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	if len(prompt) > MaxPromptLen {
		return fmt.Errorf("%w: exceeds maximum length of %d bytes", ErrPromptTooLong, MaxPromptLen)
	}
	return nil
}

// CreateWorkflowRequest is the body of POST /api/v1/workflows and POST /api/v1/orchestrate.
type CreateWorkflowRequest struct {
	Prompt string `json:"prompt"`
}

// CreateWorkflowResponse is the success body of POST /api/v1/workflows.
type CreateWorkflowResponse struct {
	WorkflowID string `json:"workflow_id"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RunDetail is a run together with its ordered event log.
type RunDetail struct {
	Run    WorkflowRun     `json:"run"`
	Events []WorkflowEvent `json:"events"`
}

// RunList is the body of GET /api/v1/workflows.
type RunList struct {
	Runs []WorkflowRun `json:"runs"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Store         string `json:"store"`
	ActiveRuns    int    `json:"active_runs"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
