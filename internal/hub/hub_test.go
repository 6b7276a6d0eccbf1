package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metaorcha/metaorcha/internal/model"
	"github.com/metaorcha/metaorcha/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestHub(t *testing.T) (*Hub, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return New(store, time.Minute, testLogger()), store
}

func logEvent(id string, n int) model.WorkflowEvent {
	return model.NewLog(id, model.ProtocolSystem, fmt.Sprintf("step %d", n))
}

func recv(t *testing.T, ch <-chan model.WorkflowEvent) (model.WorkflowEvent, bool) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return model.WorkflowEvent{}, false
	}
}

func TestReplayThenLive(t *testing.T) {
	h, store := newTestHub(t)
	ctx := context.Background()

	run, err := h.Create(ctx, "Calculate 5+3")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)

	for i := range 3 {
		require.NoError(t, h.Publish(ctx, logEvent(run.ID, i)))
	}

	sub, err := h.Subscribe(ctx, run.ID)
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, sub.Replay, 3)
	assert.Equal(t, "step 0", sub.Replay[0].Message())

	require.NoError(t, h.Sink(run.ID).Send(ctx, model.NewLog("", model.ProtocolMCP, "live")))
	ev, ok := recv(t, sub.Events)
	require.True(t, ok)
	assert.Equal(t, "live", ev.Message())
	assert.Equal(t, run.ID, ev.WorkflowID, "sink attributes events to its run")

	done := model.NewCompleted(run.ID, model.ProtocolSystem, json.RawMessage(`{"numeric_result":8}`))
	require.NoError(t, h.Publish(ctx, done))
	ev, ok = recv(t, sub.Events)
	require.True(t, ok)
	assert.Equal(t, model.EventCompleted, ev.Type())
	_, ok = recv(t, sub.Events)
	assert.False(t, ok, "channel closes after the terminal event")

	stored, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, stored.Status)
	assert.JSONEq(t, `{"numeric_result":8}`, string(stored.Result))

	events, err := store.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestSubscribeAfterFinish(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	run, err := h.Create(ctx, "x")
	require.NoError(t, err)

	require.NoError(t, h.Publish(ctx, logEvent(run.ID, 0)))
	require.NoError(t, h.Publish(ctx, model.NewError(run.ID, model.ProtocolSystem, "AI processing failed")))

	sub, err := h.Subscribe(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, sub.Replay, 2)
	_, ok := <-sub.Events
	assert.False(t, ok)
	sub.Close()
}

func TestUnknownWorkflow(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	_, err := h.Subscribe(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
	assert.ErrorIs(t, h.Publish(ctx, logEvent("nope", 0)), ErrUnknownWorkflow)
	_, err = h.Snapshot(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestSingleTerminal(t *testing.T) {
	h, store := newTestHub(t)
	ctx := context.Background()
	run, err := h.Create(ctx, "x")
	require.NoError(t, err)

	require.NoError(t, h.Publish(ctx, model.NewError(run.ID, model.ProtocolSystem, "Rate limit exceeded. Please try again later.")))
	assert.ErrorIs(t, h.Publish(ctx, model.NewCompleted(run.ID, model.ProtocolSystem, nil)), ErrRunFinished)
	assert.ErrorIs(t, h.Publish(ctx, logEvent(run.ID, 1)), ErrRunFinished)

	events, err := store.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventError, events[0].Type())
}

func TestSlowSubscriberDropped(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	run, err := h.Create(ctx, "x")
	require.NoError(t, err)

	slow, err := h.Subscribe(ctx, run.ID)
	require.NoError(t, err)
	fast, err := h.Subscribe(ctx, run.ID)
	require.NoError(t, err)
	defer fast.Close()

	total := SubscriberBuffer + 10
	for i := range total {
		require.NoError(t, h.Publish(ctx, logEvent(run.ID, i)))
		ev, ok := recv(t, fast.Events)
		require.True(t, ok, "a subscriber that keeps up is never dropped")
		assert.Equal(t, fmt.Sprintf("step %d", i), ev.Message())
	}
	require.NoError(t, h.Publish(ctx, model.NewCompleted(run.ID, model.ProtocolSystem, nil)))
	ev, ok := recv(t, fast.Events)
	require.True(t, ok)
	assert.Equal(t, model.EventCompleted, ev.Type())

	n := 0
	for range slow.Events {
		n++
	}
	assert.Equal(t, SubscriberBuffer, n, "slow subscriber keeps only its buffer before being dropped")
	slow.Close()
	slow.Close()
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	run, err := h.Create(ctx, "x")
	require.NoError(t, err)

	sub, err := h.Subscribe(ctx, run.ID)
	require.NoError(t, err)
	sub.Close()
	sub.Close()
	_, ok := <-sub.Events
	assert.False(t, ok)

	// Publishing after a subscriber left must not panic on its closed channel.
	require.NoError(t, h.Publish(ctx, logEvent(run.ID, 0)))
}

func TestEvictionFallsBackToStore(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	run, err := h.Create(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, h.Publish(ctx, logEvent(run.ID, 0)))
	require.NoError(t, h.Publish(ctx, model.NewCompleted(run.ID, model.ProtocolSystem, json.RawMessage(`1`))))

	h.sweep(ctx)
	require.NotNil(t, h.lookup(run.ID), "still within retention")

	now = now.Add(2 * time.Minute)
	h.sweep(ctx)
	assert.Nil(t, h.lookup(run.ID))

	detail, err := h.Snapshot(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, detail.Run.Status)
	assert.Len(t, detail.Events, 2)

	sub, err := h.Subscribe(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, sub.Replay, 2)
	_, ok := <-sub.Events
	assert.False(t, ok)
}

func TestActiveRuns(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	a, err := h.Create(ctx, "a")
	require.NoError(t, err)
	_, err = h.Create(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, h.ActiveRuns())

	require.NoError(t, h.Publish(ctx, model.NewError(a.ID, model.ProtocolSystem, "x")))
	assert.Equal(t, 1, h.ActiveRuns())
}

// notifyingStore is a MemoryStore whose notifications the test drives.
type notifyingStore struct {
	*storage.MemoryStore
	notes chan string
}

func (s *notifyingStore) Notifications(context.Context) (<-chan string, error) {
	return s.notes, nil
}

func TestFollowsRunsOfOtherInstances(t *testing.T) {
	store := &notifyingStore{MemoryStore: storage.NewMemoryStore(), notes: make(chan string)}
	h := New(store, time.Minute, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan error, 1)
	go func() { started <- h.Start(ctx) }()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.following
	}, 2*time.Second, 5*time.Millisecond)

	// The run is owned by another instance sharing the store.
	run := model.WorkflowRun{ID: "remote-1", Prompt: "x", Status: model.RunStatusRunning, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, store.AppendEvent(ctx, logEvent(run.ID, 0)))

	sub, err := h.Subscribe(ctx, run.ID)
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, sub.Replay, 1)

	assert.ErrorIs(t, h.Publish(ctx, logEvent(run.ID, 9)), ErrNotOwner)

	require.NoError(t, store.AppendEvent(ctx, logEvent(run.ID, 1)))
	require.NoError(t, store.AppendEvent(ctx, model.NewCompleted(run.ID, model.ProtocolSystem, json.RawMessage(`{}`))))
	store.notes <- run.ID

	ev, ok := recv(t, sub.Events)
	require.True(t, ok)
	assert.Equal(t, "step 1", ev.Message())
	ev, ok = recv(t, sub.Events)
	require.True(t, ok)
	assert.Equal(t, model.EventCompleted, ev.Type())
	_, ok = recv(t, sub.Events)
	assert.False(t, ok)

	cancel()
	assert.NoError(t, <-started)
}

func TestRemoteRunWithoutNotifications(t *testing.T) {
	h, store := newTestHub(t)
	ctx := context.Background()

	run := model.WorkflowRun{ID: "remote-2", Prompt: "x", Status: model.RunStatusRunning, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, store.AppendEvent(ctx, logEvent(run.ID, 0)))

	sub, err := h.Subscribe(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, sub.Replay, 1)
	_, ok := <-sub.Events
	assert.False(t, ok, "an unfollowed remote run is a closed snapshot")
}

type failingStore struct {
	*storage.MemoryStore
}

func (failingStore) AppendEvent(context.Context, model.WorkflowEvent) error {
	return errors.New("disk full")
}

func TestStoreFailureDoesNotStopDelivery(t *testing.T) {
	h := New(failingStore{storage.NewMemoryStore()}, time.Minute, testLogger())
	ctx := context.Background()
	run, err := h.Create(ctx, "x")
	require.NoError(t, err)

	sub, err := h.Subscribe(ctx, run.ID)
	require.NoError(t, err)
	require.NoError(t, h.Publish(ctx, logEvent(run.ID, 0)))
	ev, ok := recv(t, sub.Events)
	require.True(t, ok)
	assert.Equal(t, "step 0", ev.Message())
}

func TestConcurrentRuns(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	const runs = 8
	var wg sync.WaitGroup
	for range runs {
		run, err := h.Create(ctx, "x")
		require.NoError(t, err)
		sub, err := h.Subscribe(ctx, run.ID)
		require.NoError(t, err)

		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range 20 {
				_ = h.Publish(ctx, logEvent(run.ID, i))
			}
			_ = h.Publish(ctx, model.NewCompleted(run.ID, model.ProtocolSystem, nil))
		}()
		go func() {
			defer wg.Done()
			n := 0
			for ev := range sub.Events {
				assert.Equal(t, run.ID, ev.WorkflowID)
				n++
			}
			assert.Equal(t, 21, n)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.ActiveRuns())
}
