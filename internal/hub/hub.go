// Package hub keeps the in-flight event log of every workflow run and fans
// events out to stream subscribers.
//
// Each run owns an append-only log. A subscriber receives the log so far as
// a replay and then every later event on a buffered channel, so connecting
// late never loses events. A subscriber that cannot keep up is dropped
// (its channel is closed) instead of blocking the producer.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metaorcha/metaorcha/internal/model"
	"github.com/metaorcha/metaorcha/internal/storage"
)

var (
	// ErrUnknownWorkflow is returned for ids that were never created.
	ErrUnknownWorkflow = errors.New("hub: unknown workflow")

	// ErrRunFinished is returned when publishing to a run that already emitted its terminal event.
	ErrRunFinished = errors.New("hub: run already finished")

	// ErrNotOwner is returned when publishing to a run executing on another instance.
	ErrNotOwner = errors.New("hub: run is owned by another instance")
)

// SubscriberBuffer is the number of events a subscriber may lag behind.
const SubscriberBuffer = 64

// Hub tracks runs by workflow id. h.mu guards the map; each run's state has
// its own lock so runs never contend with each other. h.mu may be taken while
// a run lock is held, never the other way around.
type Hub struct {
	store     storage.Store
	logger    *slog.Logger
	retention time.Duration
	now       func() time.Time

	mu   sync.Mutex
	runs map[string]*runState

	following bool
}

type runState struct {
	mu         sync.Mutex
	run        model.WorkflowRun
	events     []model.WorkflowEvent
	subs       map[*Subscription]struct{}
	finished   bool
	finishedAt time.Time
	remote     bool
}

// Subscription is one stream consumer. Events is closed after the terminal
// event, when the subscriber falls too far behind, or on Close.
type Subscription struct {
	Replay []model.WorkflowEvent
	Events <-chan model.WorkflowEvent

	ch    chan model.WorkflowEvent
	state *runState
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s.state == nil {
		return
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if _, ok := s.state.subs[s]; ok {
		delete(s.state.subs, s)
		close(s.ch)
	}
}

// New creates a Hub persisting through store. Finished runs stay in memory
// for retention before being served from the store alone.
func New(store storage.Store, retention time.Duration, logger *slog.Logger) *Hub {
	return &Hub{
		store:     store,
		logger:    logger,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
		runs:      make(map[string]*runState),
	}
}

// Create records a new run and returns it with a freshly minted id.
func (h *Hub) Create(ctx context.Context, prompt string) (model.WorkflowRun, error) {
	run := model.WorkflowRun{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		Status:    model.RunStatusRunning,
		CreatedAt: h.now(),
	}
	if err := h.store.CreateRun(ctx, run); err != nil {
		return model.WorkflowRun{}, err
	}

	h.mu.Lock()
	h.runs[run.ID] = &runState{run: run, subs: make(map[*Subscription]struct{})}
	h.mu.Unlock()

	h.logger.Info("workflow created", "workflow_id", run.ID)
	return run, nil
}

// Publish appends ev to its run's log, persists it and delivers it to every
// live subscriber. A terminal event finishes the run and closes all
// subscriber channels. Store failures are logged and do not stop delivery.
func (h *Hub) Publish(ctx context.Context, ev model.WorkflowEvent) error {
	st := h.lookup(ev.WorkflowID)
	if st == nil {
		return ErrUnknownWorkflow
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.remote {
		return ErrNotOwner
	}
	if st.finished {
		return ErrRunFinished
	}

	if err := h.store.AppendEvent(ctx, ev); err != nil {
		h.logger.Error("hub: persist event", "workflow_id", ev.WorkflowID, "error", err)
	}
	st.deliver(ev)

	if ev.Type().IsTerminal() {
		fin := storage.FinishFor(ev)
		if err := h.store.FinishRun(ctx, ev.WorkflowID, fin); err != nil {
			h.logger.Error("hub: finish run", "workflow_id", ev.WorkflowID, "error", err)
		}
		st.finish(fin, h.now())
	}
	return nil
}

// deliver appends ev and fans it out. Caller holds st.mu.
func (st *runState) deliver(ev model.WorkflowEvent) {
	st.events = append(st.events, ev)
	for sub := range st.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(st.subs, sub)
			close(sub.ch)
		}
	}
}

// finish marks the run terminal and releases subscribers. Caller holds st.mu.
func (st *runState) finish(fin storage.Finish, now time.Time) {
	st.finished = true
	st.finishedAt = now
	st.run.Status = fin.Status
	st.run.Result = fin.Result
	st.run.Error = fin.Error
	finishedAt := fin.FinishedAt
	st.run.FinishedAt = &finishedAt
	for sub := range st.subs {
		delete(st.subs, sub)
		close(sub.ch)
	}
}

// Sink returns the event sink for one run. Events without a workflow id are
// attributed to it.
func (h *Hub) Sink(workflowID string) RunSink {
	return RunSink{hub: h, workflowID: workflowID}
}

// RunSink publishes into a single run.
type RunSink struct {
	hub        *Hub
	workflowID string
}

// Send publishes ev to the run.
func (s RunSink) Send(ctx context.Context, ev model.WorkflowEvent) error {
	if ev.WorkflowID == "" {
		ev.WorkflowID = s.workflowID
	}
	return s.hub.Publish(ctx, ev)
}

// Subscribe attaches to a run. The returned subscription's Replay holds every
// event published before the call; later events arrive on Events.
func (h *Hub) Subscribe(ctx context.Context, workflowID string) (*Subscription, error) {
	st, err := h.lockRun(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	ch := make(chan model.WorkflowEvent, SubscriberBuffer)
	sub := &Subscription{
		Replay: slices.Clone(st.events),
		Events: ch,
		ch:     ch,
		state:  st,
	}
	if st.finished {
		close(ch)
		return sub, nil
	}
	st.subs[sub] = struct{}{}
	return sub, nil
}

// lockRun returns the run's state locked, loading it from the store when it
// is not in memory. A mirror evicted between lookup and lock is reloaded.
func (h *Hub) lockRun(ctx context.Context, workflowID string) (*runState, error) {
	for {
		st := h.lookup(workflowID)
		if st == nil {
			return h.load(ctx, workflowID)
		}
		st.mu.Lock()
		if !st.remote || st.finished || h.lookup(workflowID) == st {
			return st, nil
		}
		st.mu.Unlock()
	}
}

// load builds the state of a run that is not in memory from the store and
// returns it locked. While notifications are available a running run is kept
// as a mirror that follows the owning instance; otherwise the result is a
// finished snapshot.
func (h *Hub) load(ctx context.Context, workflowID string) (*runState, error) {
	run, err := h.store.GetRun(ctx, workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownWorkflow
	}
	if err != nil {
		return nil, err
	}

	st := &runState{run: run, subs: make(map[*Subscription]struct{}), remote: true}
	st.mu.Lock()

	// st is not yet visible, so taking h.mu here cannot invert the lock order.
	h.mu.Lock()
	if existing, ok := h.runs[workflowID]; ok {
		h.mu.Unlock()
		st.mu.Unlock()
		existing.mu.Lock()
		return existing, nil
	}
	track := h.following && !run.Status.IsTerminal()
	if track {
		h.runs[workflowID] = st
	}
	h.mu.Unlock()

	events, err := h.store.ListEvents(ctx, workflowID)
	if err != nil {
		// The sweep evicts the broken mirror.
		st.finished = true
		st.mu.Unlock()
		return nil, err
	}
	st.events = events
	if !track || run.Status.IsTerminal() || endsTerminal(events) {
		st.finished = true
		st.finishedAt = h.now()
	}
	return st, nil
}

// catchUp delivers stored events the mirror has not seen yet. Caller holds st.mu.
func (h *Hub) catchUp(ctx context.Context, workflowID string, st *runState) {
	if !st.remote || st.finished {
		return
	}
	events, err := h.store.ListEvents(ctx, workflowID)
	if err != nil {
		h.logger.Warn("hub: refresh mirrored run", "workflow_id", workflowID, "error", err)
		return
	}
	if len(events) <= len(st.events) {
		return
	}
	for _, ev := range events[len(st.events):] {
		st.deliver(ev)
		if ev.Type().IsTerminal() {
			st.finish(storage.FinishFor(ev), h.now())
			return
		}
	}
}

func (h *Hub) refresh(ctx context.Context, workflowID string) {
	st := h.lookup(workflowID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	h.catchUp(ctx, workflowID, st)
}

func endsTerminal(events []model.WorkflowEvent) bool {
	return len(events) > 0 && events[len(events)-1].Type().IsTerminal()
}

// Start follows store notifications and evicts finished runs until ctx ends.
// It blocks, so call it in a goroutine.
func (h *Hub) Start(ctx context.Context) error {
	var notes <-chan string
	if n, ok := h.store.(storage.Notifier); ok {
		ch, err := n.Notifications(ctx)
		switch {
		case err == nil:
			notes = ch
			h.setFollowing(true)
			h.logger.Info("hub: following runs of other instances", "channel", storage.ChannelWorkflowEvents)
		case errors.Is(err, storage.ErrNotifyUnavailable):
			h.logger.Debug("hub: notifications not configured")
		default:
			return err
		}
	}

	ticker := time.NewTicker(h.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-notes:
			if !ok {
				notes = nil
				h.setFollowing(false)
				continue
			}
			h.refresh(ctx, id)
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *Hub) setFollowing(v bool) {
	h.mu.Lock()
	h.following = v
	h.mu.Unlock()
}

func (h *Hub) sweepInterval() time.Duration {
	return min(max(h.retention/4, time.Second), time.Minute)
}

// sweep evicts runs finished longer than the retention period and mirrors
// nobody watches. Watched mirrors are refreshed in case a notification was lost.
func (h *Hub) sweep(ctx context.Context) {
	h.mu.Lock()
	states := make(map[string]*runState, len(h.runs))
	for id, st := range h.runs {
		states[id] = st
	}
	h.mu.Unlock()

	now := h.now()
	var evict []string
	for id, st := range states {
		st.mu.Lock()
		switch {
		case st.finished && now.Sub(st.finishedAt) >= h.retention:
			evict = append(evict, id)
		case st.remote && !st.finished && len(st.subs) == 0:
			evict = append(evict, id)
		case st.remote:
			h.catchUp(ctx, id, st)
		}
		st.mu.Unlock()
	}
	if len(evict) == 0 {
		return
	}

	h.mu.Lock()
	for _, id := range evict {
		if h.runs[id] == states[id] {
			delete(h.runs, id)
		}
	}
	h.mu.Unlock()
	h.logger.Debug("hub: evicted runs", "count", len(evict))
}

// Snapshot returns a run and its log, from memory when the run is held
// locally and from the store otherwise.
func (h *Hub) Snapshot(ctx context.Context, workflowID string) (model.RunDetail, error) {
	if st := h.lookup(workflowID); st != nil && !st.remote {
		st.mu.Lock()
		defer st.mu.Unlock()
		return model.RunDetail{Run: st.run, Events: slices.Clone(st.events)}, nil
	}

	run, err := h.store.GetRun(ctx, workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.RunDetail{}, ErrUnknownWorkflow
	}
	if err != nil {
		return model.RunDetail{}, err
	}
	events, err := h.store.ListEvents(ctx, workflowID)
	if err != nil {
		return model.RunDetail{}, err
	}
	return model.RunDetail{Run: run, Events: events}, nil
}

// ActiveRuns counts locally owned runs that have not finished.
func (h *Hub) ActiveRuns() int {
	h.mu.Lock()
	states := make([]*runState, 0, len(h.runs))
	for _, st := range h.runs {
		states = append(states, st)
	}
	h.mu.Unlock()

	n := 0
	for _, st := range states {
		st.mu.Lock()
		if !st.remote && !st.finished {
			n++
		}
		st.mu.Unlock()
	}
	return n
}

func (h *Hub) lookup(workflowID string) *runState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs[workflowID]
}
