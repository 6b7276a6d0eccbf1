package metaorcha

import (
	"context"
	"sync"
)

// Session tracks the runs started through one client, keyed by workflow id.
// Runs are independent; any number may be active at once.
type Session struct {
	client *Client
	opts   []RunOption

	mu   sync.Mutex
	runs map[string]*Run
}

// NewSession creates a Session. opts apply to every run it starts.
func NewSession(c *Client, opts ...RunOption) *Session {
	return &Session{client: c, opts: opts, runs: make(map[string]*Run)}
}

// Start submits prompt, subscribes to the new workflow and starts reducing
// it. ctx bounds both the submission and the stream.
func (s *Session) Start(ctx context.Context, prompt string) (*Run, error) {
	id, err := s.client.Submit(ctx, prompt)
	if err != nil {
		return nil, err
	}
	run, err := s.client.Follow(ctx, id, s.opts...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.runs[id] = run
	s.mu.Unlock()
	return run, nil
}

// Run returns the run for workflowID.
func (s *Session) Run(workflowID string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[workflowID]
	return r, ok
}

// Reset cancels and forgets the run for workflowID.
func (s *Session) Reset(workflowID string) {
	s.mu.Lock()
	r, ok := s.runs[workflowID]
	delete(s.runs, workflowID)
	s.mu.Unlock()
	if ok {
		r.Cancel()
	}
}

// Close cancels every run in the session.
func (s *Session) Close() {
	s.mu.Lock()
	runs := s.runs
	s.runs = make(map[string]*Run)
	s.mu.Unlock()
	for _, r := range runs {
		r.Cancel()
	}
}
