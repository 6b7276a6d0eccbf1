// Package orchestrator runs the phase sequence of a workflow and emits its
// lifecycle events.
//
// A run emits the setup phases as LOG events, makes exactly one gateway
// call, emits the finishing phases and ends with a single COMPLETED or ERROR
// event. Any failure along the way, including a panic, becomes that terminal
// ERROR instead of a silently closed stream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/metaorcha/metaorcha/internal/gateway"
	"github.com/metaorcha/metaorcha/internal/model"
	"github.com/metaorcha/metaorcha/internal/telemetry"
)

// Terminal error texts reported to clients.
const (
	MsgRateLimited      = "Rate limit exceeded. Please try again later."
	MsgCreditsExhausted = "AI credits exhausted. Please add funds."
	MsgGatewayFailed    = "AI processing failed"
	MsgCancelled        = "workflow cancelled"
	MsgUnknown          = "Unknown error"
)

// Sink receives the events of one run in emission order.
type Sink interface {
	Send(ctx context.Context, ev model.WorkflowEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev model.WorkflowEvent) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, ev model.WorkflowEvent) error {
	return f(ctx, ev)
}

// Phase is one LOG step of the sequence. Delay is the pause after the event.
type Phase struct {
	Protocol model.Protocol
	Message  string
	Delay    time.Duration
}

// SetupPhases are the steps emitted before the gateway call.
func SetupPhases(workflowID, prompt string) []Phase {
	short := workflowID
	if len(short) > 8 {
		short = short[:8]
	}
	return []Phase{
		{model.ProtocolSystem, "Initializing MetaOrcha orchestration engine...", 400 * time.Millisecond},
		{model.ProtocolSystem, fmt.Sprintf("Workflow %s created", short), 300 * time.Millisecond},
		{model.ProtocolMCP, "Connecting MCP agent via stdio/JSON-RPC...", 500 * time.Millisecond},
		{model.ProtocolMCP, "MCP handshake complete. Tools registered: [calculate, parse, format]", 300 * time.Millisecond},
		{model.ProtocolA2A, "Discovering A2A agents via HTTP/REST...", 400 * time.Millisecond},
		{model.ProtocolA2A, "A2A agent 'TextConverter-01' connected. Capabilities: [text-transform, number-to-words]", 300 * time.Millisecond},
		{model.ProtocolSystem, `Decomposing task: "` + prompt + `"`, 400 * time.Millisecond},
		{model.ProtocolSystem, "Task decomposed into 2 subtasks", 300 * time.Millisecond},
		{model.ProtocolMCP, "MCP Agent executing computation subtask...", 300 * time.Millisecond},
	}
}

// FinishPhases are the steps emitted after a successful gateway call.
func FinishPhases() []Phase {
	return []Phase{
		{model.ProtocolMCP, "MCP Agent computation complete", 300 * time.Millisecond},
		{model.ProtocolA2A, "A2A Agent 'TextConverter-01' processing result...", 500 * time.Millisecond},
		{model.ProtocolA2A, "Text conversion complete", 300 * time.Millisecond},
		{model.ProtocolSystem, "Aggregating results from all agents...", 400 * time.Millisecond},
	}
}

// Emitter produces the event sequence for workflow runs. It is safe for
// concurrent use; each Run is independent.
type Emitter struct {
	completer gateway.Completer
	pace      float64
	logger    *slog.Logger
	tracer    trace.Tracer

	runCount    metric.Int64Counter
	runDuration metric.Float64Histogram
}

// NewEmitter creates an Emitter. pace scales every phase delay; 0 disables pacing.
func NewEmitter(completer gateway.Completer, pace float64, logger *slog.Logger) *Emitter {
	meter := telemetry.Meter("metaorcha/orchestrator")
	count, _ := meter.Int64Counter("metaorcha.workflow.count",
		metric.WithDescription("Workflow runs by outcome"),
	)
	dur, _ := meter.Float64Histogram("metaorcha.workflow.duration",
		metric.WithDescription("Wall-clock time of a workflow run (ms)"),
		metric.WithUnit("ms"),
	)
	return &Emitter{
		completer:   completer,
		pace:        pace,
		logger:      logger,
		tracer:      telemetry.Tracer("metaorcha/orchestrator"),
		runCount:    count,
		runDuration: dur,
	}
}

// Run executes the sequence for one workflow, sending every event to sink,
// and returns the terminal event. The terminal event is delivered even when
// ctx has been cancelled.
func (e *Emitter) Run(ctx context.Context, workflowID, prompt string, sink Sink) model.WorkflowEvent {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(attribute.String("metaorcha.workflow_id", workflowID)),
	)
	defer span.End()

	term := e.runPhases(ctx, workflowID, prompt, sink)
	if err := sink.Send(context.WithoutCancel(ctx), term); err != nil {
		e.logger.Warn("orchestrator: terminal event not delivered",
			"workflow_id", workflowID, "error", err)
	}

	outcome := model.StatusFor(term.Type())
	if outcome == model.RunStatusError {
		span.SetStatus(codes.Error, term.Message())
	}
	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	e.runCount.Add(ctx, 1, attrs)
	e.runDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

	e.logger.Info("workflow finished",
		"workflow_id", workflowID,
		"status", outcome,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return term
}

func (e *Emitter) runPhases(ctx context.Context, workflowID, prompt string, sink Sink) (term model.WorkflowEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("orchestrator: panic during run", "workflow_id", workflowID, "panic", r)
			term = model.NewError(workflowID, model.ProtocolSystem, panicMessage(r))
		}
	}()

	for _, p := range SetupPhases(workflowID, prompt) {
		if err := e.emit(ctx, workflowID, p, sink); err != nil {
			return e.failure(workflowID, err)
		}
	}

	raw, err := e.completer.Complete(ctx, prompt)
	if err != nil {
		return e.gatewayFailure(ctx, workflowID, err)
	}

	for _, p := range FinishPhases() {
		if err := e.emit(ctx, workflowID, p, sink); err != nil {
			return e.failure(workflowID, err)
		}
	}

	e.logger.Debug("Workflow completed successfully", "workflow_id", workflowID)
	return model.NewCompleted(workflowID, model.ProtocolSystem, gateway.ParseResult(raw))
}

func (e *Emitter) emit(ctx context.Context, workflowID string, p Phase, sink Sink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sink.Send(ctx, model.NewLog(workflowID, p.Protocol, p.Message)); err != nil {
		return err
	}
	return e.sleep(ctx, p.Delay)
}

func (e *Emitter) sleep(ctx context.Context, d time.Duration) error {
	d = time.Duration(float64(d) * e.pace)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Emitter) failure(workflowID string, err error) model.WorkflowEvent {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return model.NewError(workflowID, model.ProtocolSystem, MsgCancelled)
	}
	e.logger.Error("orchestrator: run failed", "workflow_id", workflowID, "error", err)
	msg := err.Error()
	if msg == "" {
		msg = MsgUnknown
	}
	return model.NewError(workflowID, model.ProtocolSystem, msg)
}

func (e *Emitter) gatewayFailure(ctx context.Context, workflowID string, err error) model.WorkflowEvent {
	switch {
	case ctx.Err() != nil:
		return model.NewError(workflowID, model.ProtocolSystem, MsgCancelled)
	case gateway.IsRateLimited(err):
		return model.NewError(workflowID, model.ProtocolSystem, MsgRateLimited)
	case gateway.IsPaymentRequired(err):
		return model.NewError(workflowID, model.ProtocolSystem, MsgCreditsExhausted)
	}
	e.logger.Error("orchestrator: gateway call failed", "workflow_id", workflowID, "error", err)
	return model.NewError(workflowID, model.ProtocolSystem, MsgGatewayFailed)
}

func panicMessage(r any) string {
	switch v := r.(type) {
	case error:
		if v.Error() != "" {
			return v.Error()
		}
	case string:
		if v != "" {
			return v
		}
	}
	return MsgUnknown
}
