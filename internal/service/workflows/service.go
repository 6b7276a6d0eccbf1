// Package workflows provides the workflow operations shared by the HTTP API
// and the MCP server: validating a prompt, minting the run, driving the
// emitter against the hub and draining in-flight runs on shutdown.
package workflows

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/metaorcha/metaorcha/internal/hub"
	"github.com/metaorcha/metaorcha/internal/model"
	"github.com/metaorcha/metaorcha/internal/orchestrator"
	"github.com/metaorcha/metaorcha/internal/telemetry"
)

// ErrDraining is returned for submissions that arrive during shutdown.
var ErrDraining = errors.New("workflows: server is shutting down")

// Service starts workflow runs and tracks them until they finish.
type Service struct {
	hub     *hub.Hub
	emitter *orchestrator.Emitter
	logger  *slog.Logger

	// ctx parents background runs; cancelling it ends them with a
	// "workflow cancelled" terminal event.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup

	inFlight metric.Int64UpDownCounter
}

// New creates a Service.
func New(h *hub.Hub, emitter *orchestrator.Emitter, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	inFlight, _ := telemetry.Meter("metaorcha/workflows").Int64UpDownCounter("metaorcha.workflow.in_flight",
		metric.WithDescription("Workflow runs currently executing on this instance"),
	)
	return &Service{
		hub:      h,
		emitter:  emitter,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inFlight: inFlight,
	}
}

// Submit creates a run and executes it in the background. The run outlives
// ctx, which only bounds creating the run.
func (s *Service) Submit(ctx context.Context, prompt string) (model.WorkflowRun, error) {
	if err := model.ValidatePrompt(prompt); err != nil {
		return model.WorkflowRun{}, err
	}
	run, err := s.create(ctx, prompt)
	if err != nil {
		return model.WorkflowRun{}, err
	}
	go s.execute(s.ctx, run)
	return run, nil
}

// Stream creates a run bound to ctx and returns a subscription attached
// before the first event. Cancelling ctx cancels the run. The subscription's
// channel closes after the terminal event; the caller must Close it.
func (s *Service) Stream(ctx context.Context, prompt string) (model.WorkflowRun, *hub.Subscription, error) {
	if err := model.ValidatePrompt(prompt); err != nil {
		return model.WorkflowRun{}, nil, err
	}
	run, err := s.create(ctx, prompt)
	if err != nil {
		return model.WorkflowRun{}, nil, err
	}
	sub, err := s.hub.Subscribe(ctx, run.ID)
	if err != nil {
		// Nobody is listening, but the run still has to finish.
		go s.execute(s.ctx, run)
		return model.WorkflowRun{}, nil, err
	}

	runCtx, stop := context.WithCancel(s.ctx)
	context.AfterFunc(ctx, stop)
	go func() {
		defer stop()
		s.execute(runCtx, run)
	}()
	return run, sub, nil
}

// Run creates a run, executes it to completion on ctx and returns the
// finished run with its event log.
func (s *Service) Run(ctx context.Context, prompt string) (model.RunDetail, error) {
	if err := model.ValidatePrompt(prompt); err != nil {
		return model.RunDetail{}, err
	}
	run, err := s.create(ctx, prompt)
	if err != nil {
		return model.RunDetail{}, err
	}
	s.execute(ctx, run)
	return s.hub.Snapshot(context.WithoutCancel(ctx), run.ID)
}

// create registers the run with the wait group so Drain accounts for it.
func (s *Service) create(ctx context.Context, prompt string) (model.WorkflowRun, error) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return model.WorkflowRun{}, ErrDraining
	}
	s.wg.Add(1)
	s.mu.Unlock()

	run, err := s.hub.Create(ctx, prompt)
	if err != nil {
		s.wg.Done()
		return model.WorkflowRun{}, err
	}
	return run, nil
}

func (s *Service) execute(ctx context.Context, run model.WorkflowRun) {
	defer s.wg.Done()
	s.inFlight.Add(ctx, 1)
	defer s.inFlight.Add(context.WithoutCancel(ctx), -1)
	s.emitter.Run(ctx, run.ID, run.Prompt, s.hub.Sink(run.ID))
}

// Drain stops accepting runs and waits for in-flight ones. When ctx ends
// first, the remaining runs are cancelled and awaited so each still emits
// its terminal event; ctx's error is returned.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.logger.Warn("workflows: drain deadline reached, cancelling runs")
		s.cancel()
		<-done
		return ctx.Err()
	}
}
