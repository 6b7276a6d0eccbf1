package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// UnknownError is the error text used when an ERROR event carries none.
const UnknownError = "Unknown error"

// errNotObject is returned by DecodeWire for a payload that is not a JSON object.
var errNotObject = errors.New("payload is not a JSON object")

// WireDefaults supplies the receiver-side values DecodeWire fills in. Nil
// fields fall back to time.Now and uuid.NewString.
type WireDefaults struct {
	Now   func() time.Time
	NewID func() string
}

// wireEnvelope accepts both the current {"event_type","data":{...}} shape
// and the older flat {"type","message","result"} shape.
type wireEnvelope struct {
	WorkflowID string          `json:"workflow_id"`
	EventType  string          `json:"event_type"`
	Type       string          `json:"type"`
	Protocol   string          `json:"protocol"`
	Data       *wireFields     `json:"data"`
	Message    *string         `json:"message"`
	Result     json.RawMessage `json:"result"`
	Error      *string         `json:"error"`
	Timestamp  string          `json:"timestamp"`
}

type wireFields struct {
	Message *string         `json:"message"`
	Result  json.RawMessage `json:"result"`
	Error   *string         `json:"error"`
}

// DecodeWire decodes one event payload leniently. Unknown or missing event
// types become LOG, a missing or unparseable timestamp becomes now, and an
// ERROR without text gets UnknownError. Any id on the wire is ignored; the
// event gets a fresh receiver-assigned one.
func DecodeWire(payload []byte, d WireDefaults) (WorkflowEvent, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return WorkflowEvent{}, errNotObject
	}
	var env wireEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return WorkflowEvent{}, err
	}
	if env.Data == nil {
		env.Data = &wireFields{}
	}

	typ := EventType(env.EventType)
	if typ == "" {
		typ = EventType(env.Type)
	}
	if !typ.Valid() {
		typ = EventLog
	}

	var p Payload
	switch typ {
	case EventCompleted:
		result := env.Data.Result
		if len(result) == 0 {
			result = env.Result
		}
		p = PayloadFor(EventCompleted, "", result, "")
	case EventError:
		msg := firstOf(env.Data.Error, env.Error, env.Data.Message, env.Message)
		if msg == "" {
			msg = UnknownError
		}
		p = ErrorPayload{Error: msg}
	default:
		p = LogPayload{Message: firstOf(env.Data.Message, env.Message)}
	}

	return WorkflowEvent{
		ID:         d.newID(),
		WorkflowID: env.WorkflowID,
		Protocol:   Protocol(env.Protocol),
		Payload:    p,
		Timestamp:  d.timestamp(env.Timestamp),
	}, nil
}

func (d WireDefaults) timestamp(s string) time.Time {
	if s != "" {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC()
		}
	}
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d WireDefaults) newID() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return uuid.NewString()
}

func firstOf(vals ...*string) string {
	for _, v := range vals {
		if v != nil && *v != "" {
			return *v
		}
	}
	return ""
}
