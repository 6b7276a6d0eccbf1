package metaorcha

import "slices"

// State is the client-side view of one workflow run.
type State struct {
	WorkflowID string
	// Events is the append-only event log in arrival order.
	Events []Event
	Status Status
}

// Finished reports whether the run reached completed or error.
func (s State) Finished() bool {
	return s.Status.IsTerminal()
}

// Reducer applies events to a State. It has no side effects.
type Reducer struct{}

// Apply returns the state after ev and whether ev moved the run into a
// terminal status. Events arriving after a terminal status are ignored.
func (Reducer) Apply(s State, ev Event) (State, bool) {
	if s.Finished() {
		return s, false
	}
	if s.Status == "" {
		s.Status = StatusRunning
	}
	if s.WorkflowID == "" {
		s.WorkflowID = ev.WorkflowID
	}
	s.Events = append(slices.Clip(s.Events), ev)

	switch ev.Type() {
	case EventCompleted:
		s.Status = StatusCompleted
		return s, true
	case EventError:
		s.Status = StatusError
		return s, true
	default:
		return s, false
	}
}

// Complete marks a running state completed without an event, for streams
// that end cleanly before any terminal event.
func (Reducer) Complete(s State) (State, bool) {
	if s.Finished() {
		return s, false
	}
	s.Status = StatusCompleted
	return s, true
}
