// Package model defines the core domain types for MetaOrcha workflow runs.
//
// WorkflowEvent is the unit of the execution stream; WorkflowRun is the
// server-side record of one submitted prompt and its outcome.
package model

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusError
}

// StatusFor maps a terminal event type to the run status it produces.
// Non-terminal types map to running.
func StatusFor(t EventType) RunStatus {
	switch t {
	case EventCompleted:
		return RunStatusCompleted
	case EventError:
		return RunStatusError
	}
	return RunStatusRunning
}

// WorkflowRun is one user-submitted task and its execution record.
type WorkflowRun struct {
	ID         string          `json:"workflow_id"`
	Prompt     string          `json:"prompt"`
	Status     RunStatus       `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
