// Package codec converts between WorkflowEvent values and the single-line
// JSON payloads carried by both stream transports.
//
// Decoding is lenient: missing fields get receiver-side defaults and the
// older flat shape ({"type","message","result"}) is accepted alongside the
// current {"event_type","data":{...}} shape. A payload that is not a JSON
// object fails with ErrDecode, which callers treat as a skippable line.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/metaorcha/metaorcha/internal/model"
)

var (
	// ErrDecode marks a payload that could not be decoded into an event.
	ErrDecode = errors.New("codec: decode failure")

	// ErrDone is returned when the producer sends the end-of-stream sentinel.
	ErrDone = errors.New("codec: end of stream")
)

// DonePayload is the reserved payload that ends a stream without carrying an event.
const DonePayload = "[DONE]"

// DataPrefix is the line marker that precedes every payload.
const DataPrefix = "data: "

// UnknownError is the error text used when an ERROR event carries none.
const UnknownError = model.UnknownError

// Decoder turns wire payloads into events. The zero value is ready to use.
type Decoder struct {
	// Now supplies the timestamp for events that lack a parseable one.
	Now func() time.Time
	// NewID supplies the receiver-assigned event id.
	NewID func() string
}

var defaultDecoder Decoder

// Decode decodes payload with the default Decoder.
func Decode(payload []byte) (model.WorkflowEvent, error) {
	return defaultDecoder.Decode(payload)
}

// DecodeLine decodes one transport line, stripping an optional "data:" marker.
// The [DONE] sentinel yields ErrDone.
func DecodeLine(line []byte) (model.WorkflowEvent, error) {
	return defaultDecoder.DecodeLine(line)
}

// Decode decodes a single JSON payload. Any id on the wire is ignored.
func (d Decoder) Decode(payload []byte) (model.WorkflowEvent, error) {
	ev, err := model.DecodeWire(payload, model.WireDefaults{Now: d.Now, NewID: d.NewID})
	if err != nil {
		return model.WorkflowEvent{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return ev, nil
}

// DecodeLine is like Decode but accepts a full transport line.
func (d Decoder) DecodeLine(line []byte) (model.WorkflowEvent, error) {
	payload := TrimData(line)
	if string(payload) == DonePayload {
		return model.WorkflowEvent{}, ErrDone
	}
	return d.Decode(payload)
}

// TrimData strips surrounding whitespace and a leading "data:" marker.
func TrimData(line []byte) []byte {
	line = bytes.TrimSpace(line)
	if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		line = bytes.TrimSpace(rest)
	}
	return line
}

// Encode produces the single-line JSON payload for ev.
func Encode(ev model.WorkflowEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return b, nil
}

// Frame wraps a payload in event-stream framing: "data: <payload>\n\n".
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(DataPrefix)+len(payload)+2)
	out = append(out, DataPrefix...)
	out = append(out, payload...)
	return append(out, '\n', '\n')
}

// EncodeFrame encodes ev and frames it.
func EncodeFrame(ev model.WorkflowEvent) ([]byte, error) {
	b, err := Encode(ev)
	if err != nil {
		return nil, err
	}
	return Frame(b), nil
}

// DoneFrame is the framed end-of-stream sentinel.
var DoneFrame = []byte(DataPrefix + DonePayload + "\n\n")
