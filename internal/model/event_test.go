package model_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metaorcha/metaorcha/internal/model"
)

func TestEventType_IsTerminal(t *testing.T) {
	assert.False(t, model.EventLog.IsTerminal())
	assert.True(t, model.EventCompleted.IsTerminal())
	assert.True(t, model.EventError.IsTerminal())
	assert.False(t, model.EventType("WHATEVER").IsTerminal())
}

func TestPayloadDeterminesType(t *testing.T) {
	tests := []struct {
		ev   model.WorkflowEvent
		want model.EventType
		msg  string
	}{
		{model.NewLog("wf", model.ProtocolMCP, "hello"), model.EventLog, "hello"},
		{model.NewError("wf", model.ProtocolSystem, "boom"), model.EventError, "boom"},
		{model.NewCompleted("wf", model.ProtocolSystem, json.RawMessage(`{"a":1}`)), model.EventCompleted, `{"a":1}`},
		{model.WorkflowEvent{}, model.EventLog, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.ev.Type())
		assert.Equal(t, tt.msg, tt.ev.Message())
	}
}

func TestNewEvent_AssignsIDAndTimestamp(t *testing.T) {
	a := model.NewLog("wf", model.ProtocolA2A, "x")
	b := model.NewLog("wf", model.ProtocolA2A, "x")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.WithinDuration(t, time.Now(), a.Timestamp, time.Second)
	assert.Equal(t, time.UTC, a.Timestamp.Location())
}

func TestMarshalJSON_WireShape(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123_000_000, time.UTC)

	ev := model.NewLog("wf-1", model.ProtocolMCP, "handshake")
	ev.Timestamp = ts
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"workflow_id":"wf-1","event_type":"LOG","protocol":"MCP","data":{"message":"handshake"},"timestamp":"2026-03-01T12:00:00.123Z"}`, string(b))
	assert.NotContains(t, string(b), ev.ID)

	done := model.NewCompleted("wf-1", model.ProtocolSystem, json.RawMessage(`{"numeric_result":8}`))
	done.Timestamp = ts
	b, err = json.Marshal(done)
	require.NoError(t, err)
	assert.JSONEq(t, `{"workflow_id":"wf-1","event_type":"COMPLETED","protocol":"SYSTEM","data":{"result":{"numeric_result":8}},"timestamp":"2026-03-01T12:00:00.123Z"}`, string(b))

	fail := model.NewError("wf-1", "", "AI processing failed")
	fail.Timestamp = ts
	b, err = json.Marshal(fail)
	require.NoError(t, err)
	assert.JSONEq(t, `{"workflow_id":"wf-1","event_type":"ERROR","data":{"error":"AI processing failed"},"timestamp":"2026-03-01T12:00:00.123Z"}`, string(b))
}

func TestUnmarshalJSON_LenientType(t *testing.T) {
	var ev model.WorkflowEvent
	require.NoError(t, json.Unmarshal([]byte(`{"workflow_id":"w","event_type":"PROGRESS","data":{"message":"m"},"timestamp":"2026-03-01T12:00:00Z","id":"from-wire"}`), &ev))
	assert.Equal(t, model.EventLog, ev.Type())
	assert.Equal(t, "m", ev.Message())
	assert.NotEmpty(t, ev.ID)
	assert.NotEqual(t, "from-wire", ev.ID)
	assert.Equal(t, 2026, ev.Timestamp.Year())

	before := time.Now().Add(-time.Second)
	require.NoError(t, json.Unmarshal([]byte(`{"workflow_id":"w","event_type":"COMPLETED","data":{},"timestamp":"yesterday"}`), &ev))
	assert.Equal(t, model.EventCompleted, ev.Type())
	assert.Equal(t, json.RawMessage("null"), ev.Result())
	assert.True(t, ev.Timestamp.After(before), "unparseable timestamp defaults to now")

	require.NoError(t, json.Unmarshal([]byte(`{"workflow_id":"w","event_type":"ERROR","data":{}}`), &ev))
	assert.Equal(t, model.UnknownError, ev.Message())

	assert.Error(t, json.Unmarshal([]byte(`[1]`), &ev))
}

func TestDecodeWire_Defaults(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ev, err := model.DecodeWire([]byte(`{"type":"ERROR","message":"boom"}`), model.WireDefaults{
		Now:   func() time.Time { return now },
		NewID: func() string { return "id-1" },
	})
	require.NoError(t, err)
	assert.Equal(t, "id-1", ev.ID)
	assert.Equal(t, now, ev.Timestamp)
	assert.Equal(t, model.EventError, ev.Type())
	assert.Equal(t, "boom", ev.Message())

	_, err = model.DecodeWire([]byte(`not json`), model.WireDefaults{})
	assert.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, model.RunStatusCompleted, model.StatusFor(model.EventCompleted))
	assert.Equal(t, model.RunStatusError, model.StatusFor(model.EventError))
	assert.Equal(t, model.RunStatusRunning, model.StatusFor(model.EventLog))
	assert.True(t, model.RunStatusError.IsTerminal())
	assert.False(t, model.RunStatusRunning.IsTerminal())
}

func TestValidatePrompt(t *testing.T) {
	require.NoError(t, model.ValidatePrompt("Calculate 5+3 and convert to words"))
	assert.ErrorIs(t, model.ValidatePrompt(""), model.ErrEmptyPrompt)
	assert.ErrorIs(t, model.ValidatePrompt(" \t\n"), model.ErrEmptyPrompt)
	err := model.ValidatePrompt(strings.Repeat("a", model.MaxPromptLen+1))
	assert.ErrorIs(t, err, model.ErrPromptTooLong)
	assert.Contains(t, err.Error(), "maximum length")
}
