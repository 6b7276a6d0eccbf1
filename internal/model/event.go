package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType is the lifecycle category of a workflow event.
type EventType string

const (
	EventLog       EventType = "LOG"
	EventCompleted EventType = "COMPLETED"
	EventError     EventType = "ERROR"
)

// IsTerminal reports whether an event of this type ends a workflow's stream.
func (t EventType) IsTerminal() bool {
	return t == EventCompleted || t == EventError
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventLog, EventCompleted, EventError:
		return true
	}
	return false
}

// Protocol names the internal collaborator that produced an event.
// It is informational and never drives control flow.
type Protocol string

const (
	ProtocolMCP    Protocol = "MCP"
	ProtocolA2A    Protocol = "A2A"
	ProtocolSystem Protocol = "SYSTEM"
)

// TimestampLayout is the ISO-8601 layout used on the wire (millisecond precision, UTC).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Payload is the variant data carried by a WorkflowEvent. Each concrete
// payload determines the event's type, so type and data cannot disagree.
type Payload interface {
	EventType() EventType
	isPayload()
}

// LogPayload is the data of a LOG event.
type LogPayload struct {
	Message string
}

// CompletedPayload is the data of a COMPLETED event. Result is an opaque JSON value.
type CompletedPayload struct {
	Result json.RawMessage
}

// ErrorPayload is the data of an ERROR event.
type ErrorPayload struct {
	Error string
}

func (LogPayload) EventType() EventType       { return EventLog }
func (CompletedPayload) EventType() EventType { return EventCompleted }
func (ErrorPayload) EventType() EventType     { return EventError }

func (LogPayload) isPayload()       {}
func (CompletedPayload) isPayload() {}
func (ErrorPayload) isPayload()     {}

// PayloadFor rebuilds a payload from its flattened columns. Unknown types
// fall back to LOG.
func PayloadFor(t EventType, message string, result json.RawMessage, errText string) Payload {
	switch t {
	case EventCompleted:
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		return CompletedPayload{Result: result}
	case EventError:
		return ErrorPayload{Error: errText}
	default:
		return LogPayload{Message: message}
	}
}

// WorkflowEvent is one atomic lifecycle notification for a workflow run.
// ID is used only for de-duplication and display; it is never sent on the wire.
type WorkflowEvent struct {
	ID         string
	WorkflowID string
	Protocol   Protocol
	Payload    Payload
	Timestamp  time.Time
}

// NewLog builds a LOG event stamped with the current time.
func NewLog(workflowID string, p Protocol, message string) WorkflowEvent {
	return newEvent(workflowID, p, LogPayload{Message: message})
}

// NewCompleted builds a COMPLETED event carrying result.
func NewCompleted(workflowID string, p Protocol, result json.RawMessage) WorkflowEvent {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return newEvent(workflowID, p, CompletedPayload{Result: result})
}

// NewError builds an ERROR event carrying message.
func NewError(workflowID string, p Protocol, message string) WorkflowEvent {
	return newEvent(workflowID, p, ErrorPayload{Error: message})
}

func newEvent(workflowID string, p Protocol, payload Payload) WorkflowEvent {
	return WorkflowEvent{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Protocol:   p,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// Type returns the event type implied by the payload. A nil payload is a LOG.
func (e WorkflowEvent) Type() EventType {
	if e.Payload == nil {
		return EventLog
	}
	return e.Payload.EventType()
}

// Message returns the human-readable text of the event regardless of variant.
func (e WorkflowEvent) Message() string {
	switch p := e.Payload.(type) {
	case LogPayload:
		return p.Message
	case ErrorPayload:
		return p.Error
	case CompletedPayload:
		return string(p.Result)
	}
	return ""
}

// Result returns the COMPLETED result, or nil for other variants.
func (e WorkflowEvent) Result() json.RawMessage {
	if p, ok := e.Payload.(CompletedPayload); ok {
		return p.Result
	}
	return nil
}

// Columns flattens the payload for storage: message, result and error text.
func (e WorkflowEvent) Columns() (message string, result json.RawMessage, errText string) {
	switch p := e.Payload.(type) {
	case LogPayload:
		return p.Message, nil, ""
	case CompletedPayload:
		return "", p.Result, ""
	case ErrorPayload:
		return "", nil, p.Error
	}
	return "", nil, ""
}

type wireEvent struct {
	WorkflowID string    `json:"workflow_id"`
	EventType  EventType `json:"event_type"`
	Protocol   Protocol  `json:"protocol,omitempty"`
	Data       wireData  `json:"data"`
	Timestamp  string    `json:"timestamp"`
}

type wireData struct {
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// MarshalJSON encodes the event in its wire shape. Exactly one data field is
// populated, selected by the payload variant.
func (e WorkflowEvent) MarshalJSON() ([]byte, error) {
	msg, result, errText := e.Columns()
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(wireEvent{
		WorkflowID: e.WorkflowID,
		EventType:  e.Type(),
		Protocol:   e.Protocol,
		Data:       wireData{Message: msg, Result: result, Error: errText},
		Timestamp:  ts.UTC().Format(TimestampLayout),
	})
}

// UnmarshalJSON decodes the wire shape with the same lenient defaults as
// DecodeWire.
func (e *WorkflowEvent) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	ev, err := DecodeWire(b, WireDefaults{})
	if err != nil {
		return err
	}
	*e = ev
	return nil
}
