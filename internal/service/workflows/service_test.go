package workflows_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metaorcha/metaorcha/internal/gateway"
	"github.com/metaorcha/metaorcha/internal/hub"
	"github.com/metaorcha/metaorcha/internal/model"
	"github.com/metaorcha/metaorcha/internal/orchestrator"
	"github.com/metaorcha/metaorcha/internal/service/workflows"
	"github.com/metaorcha/metaorcha/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// blockingCompleter holds the gateway call open until its context ends.
type blockingCompleter struct {
	once    sync.Once
	started chan struct{}
}

func (b *blockingCompleter) Complete(ctx context.Context, _ string) (string, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return "", ctx.Err()
}

func newService(t *testing.T, c gateway.Completer) (*workflows.Service, *hub.Hub) {
	t.Helper()
	h := hub.New(storage.NewMemoryStore(), time.Minute, testLogger())
	return workflows.New(h, orchestrator.NewEmitter(c, 0, testLogger()), testLogger()), h
}

func drain(t *testing.T, sub *hub.Subscription) []model.WorkflowEvent {
	t.Helper()
	events := append([]model.WorkflowEvent(nil), sub.Replay...)
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for the run to finish")
		}
	}
}

func TestSubmit(t *testing.T) {
	svc, h := newService(t, gateway.StaticCompleter{Content: gateway.DemoContent})
	ctx := context.Background()

	run, err := svc.Submit(ctx, "Calculate 5+3 and convert to words")
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	sub, err := h.Subscribe(ctx, run.ID)
	require.NoError(t, err)
	defer sub.Close()
	events := drain(t, sub)
	require.Len(t, events, 14)
	assert.Equal(t, model.EventCompleted, events[13].Type())

	require.NoError(t, svc.Drain(ctx))
}

func TestSubmit_RejectsBlankPrompt(t *testing.T) {
	svc, _ := newService(t, gateway.StaticCompleter{Content: "{}"})
	_, err := svc.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, model.ErrEmptyPrompt)
}

func TestStream_CancelledWithCaller(t *testing.T) {
	c := &blockingCompleter{started: make(chan struct{})}
	svc, _ := newService(t, c)
	ctx, cancel := context.WithCancel(context.Background())

	_, sub, err := svc.Stream(ctx, "x")
	require.NoError(t, err)
	defer sub.Close()

	<-c.started
	cancel()
	events := drain(t, sub)
	last := events[len(events)-1]
	assert.Equal(t, model.EventError, last.Type())
	assert.Equal(t, orchestrator.MsgCancelled, last.Message())
	require.NoError(t, svc.Drain(context.Background()))
}

func TestRun(t *testing.T) {
	svc, _ := newService(t, gateway.StaticCompleter{Err: &gateway.StatusError{StatusCode: 402}})
	detail, err := svc.Run(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, detail.Run.Status)
	assert.Equal(t, orchestrator.MsgCreditsExhausted, detail.Run.Error)
	require.Len(t, detail.Events, 10)
}

func TestDrain(t *testing.T) {
	c := &blockingCompleter{started: make(chan struct{})}
	svc, h := newService(t, c)
	ctx := context.Background()

	run, err := svc.Submit(ctx, "x")
	require.NoError(t, err)
	<-c.started

	dctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Drain(dctx), context.DeadlineExceeded)

	detail, err := h.Snapshot(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, detail.Run.Status, "a drained run still gets its terminal event")
	assert.Equal(t, orchestrator.MsgCancelled, detail.Run.Error)

	_, err = svc.Submit(ctx, "late")
	assert.ErrorIs(t, err, workflows.ErrDraining)
}
