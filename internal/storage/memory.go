package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/metaorcha/metaorcha/internal/model"
)

// MemoryStore keeps runs and events in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]model.WorkflowRun
	order  []string
	events map[string][]model.WorkflowEvent
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]model.WorkflowRun),
		events: make(map[string][]model.WorkflowEvent),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run model.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("storage: create run %s: %w", run.ID, ErrExists)
	}
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return model.WorkflowRun{}, ErrNotFound
	}
	return run, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]model.WorkflowRun, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.WorkflowRun, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[s.order[i]])
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[ev.WorkflowID]; !ok {
		return fmt.Errorf("storage: append event: %w", ErrNotFound)
	}
	s.events[ev.WorkflowID] = append(s.events[ev.WorkflowID], ev)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, workflowID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events[workflowID]), nil
}

func (s *MemoryStore) FinishRun(_ context.Context, id string, fin Finish) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("storage: finish run: %w", ErrNotFound)
	}
	finishedAt := fin.FinishedAt
	run.Status = fin.Status
	run.Result = fin.Result
	run.Error = fin.Error
	run.FinishedAt = &finishedAt
	s.runs[id] = run
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
