// Package storage persists workflow runs and their event logs.
//
// A Store is chosen once at process start: MemoryStore for development and
// tests, PostgresStore for shared deployments (with LISTEN/NOTIFY so that
// other instances can follow a run), SQLiteStore for single-node installs.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/metaorcha/metaorcha/internal/model"
)

// Store is the persistence contract of the hub and the read endpoints.
// Events of a run are returned in append order.
type Store interface {
	CreateRun(ctx context.Context, run model.WorkflowRun) error
	GetRun(ctx context.Context, id string) (model.WorkflowRun, error)
	// ListRuns returns the most recently created runs first.
	ListRuns(ctx context.Context, limit int) ([]model.WorkflowRun, error)
	AppendEvent(ctx context.Context, ev model.WorkflowEvent) error
	ListEvents(ctx context.Context, workflowID string) ([]model.WorkflowEvent, error)
	FinishRun(ctx context.Context, id string, fin Finish) error
	Ping(ctx context.Context) error
	Close() error
}

// Notifier is implemented by stores that report appends made by any process.
// The channel yields workflow ids and is closed when ctx ends.
type Notifier interface {
	Notifications(ctx context.Context) (<-chan string, error)
}

// Finish is the terminal outcome recorded for a run.
type Finish struct {
	Status     model.RunStatus
	Result     json.RawMessage
	Error      string
	FinishedAt time.Time
}

// FinishFor derives the run outcome from its terminal event.
func FinishFor(ev model.WorkflowEvent) Finish {
	f := Finish{Status: model.StatusFor(ev.Type()), FinishedAt: ev.Timestamp}
	switch p := ev.Payload.(type) {
	case model.CompletedPayload:
		f.Result = p.Result
	case model.ErrorPayload:
		f.Error = p.Error
	}
	if f.FinishedAt.IsZero() {
		f.FinishedAt = time.Now().UTC()
	}
	return f
}

// DefaultListLimit applies when ListRuns is called with a non-positive limit.
const DefaultListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, 500)
}

func nullJSON(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return []byte(r)
}
