package metaorcha

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/metaorcha/metaorcha/internal/codec"
	"github.com/metaorcha/metaorcha/internal/model"
)

// RunOption configures a Run.
type RunOption func(*Run)

// WithOnEvent sets a callback invoked for every applied event, in arrival
// order. It runs on the run's goroutine.
func WithOnEvent(fn func(Event)) RunOption {
	return func(r *Run) { r.onEvent = fn }
}

// WithOnFinished sets a callback invoked once when the run reaches a
// terminal status. It is not invoked for a cancelled run.
func WithOnFinished(fn func(State)) RunOption {
	return func(r *Run) { r.onFinished = fn }
}

// WithLogger sets the logger for skipped malformed messages.
func WithLogger(l *slog.Logger) RunOption {
	return func(r *Run) {
		if l != nil {
			r.logger = l
		}
	}
}

// Run consumes one workflow's stream on its own goroutine and reduces it
// into a State.
type Run struct {
	stream  Stream
	reducer Reducer
	logger  *slog.Logger

	onEvent    func(Event)
	onFinished func(State)

	mu        sync.Mutex
	state     State
	cancelled bool

	finishOnce sync.Once
	lostOnce   sync.Once
	done       chan struct{}
}

// NewRun starts consuming stream. workflowID may be empty when it is only
// known from the events themselves.
func NewRun(workflowID string, stream Stream, opts ...RunOption) *Run {
	r := &Run{
		stream: stream,
		logger: slog.Default(),
		state:  State{WorkflowID: workflowID, Status: StatusRunning},
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.consume()
	return r
}

// State returns a snapshot of the current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	s.Events = slices.Clone(r.state.Events)
	return s
}

// Done is closed when the run stops consuming, whether finished or cancelled.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes and returns its final state. It returns
// ErrRunCancelled for a cancelled run, and ctx.Err() with the current state
// if ctx ends first; the run keeps going in that case.
func (r *Run) Wait(ctx context.Context) (State, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return r.State(), ctx.Err()
	}
	r.mu.Lock()
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled {
		return r.State(), ErrRunCancelled
	}
	return r.State(), nil
}

// Cancel closes the stream. The state is frozen as it is; no error is
// synthesized and OnFinished is not called.
func (r *Run) Cancel() {
	r.mu.Lock()
	finished := r.state.Finished()
	if !finished {
		r.cancelled = true
	}
	r.mu.Unlock()
	_ = r.stream.Close()
}

func (r *Run) consume() {
	defer close(r.done)
	for {
		msg, err := r.stream.Recv()
		if errors.Is(err, ErrMalformedMessage) {
			r.logger.Warn("metaorcha: skipping malformed message",
				"workflow_id", r.workflowID(), "error", err)
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, ErrStreamClosed):
				r.mu.Lock()
				if !r.state.Finished() {
					r.cancelled = true
				}
				r.mu.Unlock()
			case errors.Is(err, io.EOF):
				r.completeImplicitly()
			default:
				r.connectionLost(err)
			}
			return
		}

		ev, err := codec.Decode(msg.Data)
		if err != nil {
			r.logger.Warn("metaorcha: skipping malformed message",
				"workflow_id", r.workflowID(), "error", err)
			continue
		}
		if r.apply(ev) {
			return
		}
	}
}

// apply reduces ev and reports whether the run is over.
func (r *Run) apply(ev Event) bool {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return true
	}
	before := len(r.state.Events)
	next, finished := r.reducer.Apply(r.state, ev)
	r.state = next
	applied := len(next.Events) > before
	r.mu.Unlock()

	if applied && r.onEvent != nil {
		r.onEvent(ev)
	}
	if finished {
		_ = r.stream.Close()
		r.finish()
	}
	return finished
}

func (r *Run) completeImplicitly() {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	next, finished := r.reducer.Complete(r.state)
	r.state = next
	r.mu.Unlock()

	_ = r.stream.Close()
	if finished {
		r.finish()
	}
}

// connectionLost synthesizes the terminal ERROR for a dropped stream. Only
// the first report has any effect.
func (r *Run) connectionLost(err error) {
	r.lostOnce.Do(func() {
		r.logger.Warn("metaorcha: stream dropped",
			"workflow_id", r.workflowID(), "error", err)
		r.apply(model.NewError(r.workflowID(), ProtocolSystem, MsgConnectionLost))
	})
}

func (r *Run) finish() {
	r.finishOnce.Do(func() {
		if r.onFinished != nil {
			r.onFinished(r.State())
		}
	})
}

func (r *Run) workflowID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.WorkflowID
}
