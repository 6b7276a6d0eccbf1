// Package metaorcha is a Go client for the MetaOrcha workflow API. It submits
// workflows, consumes their event streams and reduces the events into a
// per-run state.
package metaorcha

import (
	"errors"
	"fmt"

	"github.com/metaorcha/metaorcha/internal/model"
)

// Fallback messages used when the server gives no error text.
const (
	MsgSubmissionFailed = "Workflow submission failed"
	MsgNoWorkflowID     = "No workflow ID returned"
	MsgDuplicateID      = "Duplicate workflow ID returned"
	MsgConnectionFailed = "Connection failed"
	MsgCancelled        = "Submission cancelled"

	// MsgConnectionLost is the message of the ERROR event synthesized when a
	// stream drops before its terminal event.
	MsgConnectionLost = "Connection to server lost"
)

var (
	// ErrEmptyPrompt is returned before any request for a blank prompt.
	ErrEmptyPrompt = model.ErrEmptyPrompt

	// ErrStreamClosed is returned by Recv after the stream was closed by the caller.
	ErrStreamClosed = errors.New("metaorcha: stream closed")

	// ErrMalformedMessage is returned by Recv for a message that could not be
	// framed, such as an oversized line. The stream stays usable.
	ErrMalformedMessage = errors.New("metaorcha: malformed message")

	// ErrRunCancelled is returned by Run.Wait for a run stopped with Cancel.
	ErrRunCancelled = errors.New("metaorcha: run cancelled")
)

// SubmissionError reports a failed workflow submission. No stream is opened
// and nothing is emitted; the caller may submit again.
type SubmissionError struct {
	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("metaorcha: submit (%d): %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("metaorcha: submit: %s: %v", e.Message, e.Err)
	}
	return "metaorcha: submit: " + e.Message
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TransportError reports a stream connection that failed or dropped, as
// opposed to an ERROR event sent by the server.
type TransportError struct {
	// StatusCode is set when the stream request itself was rejected.
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("metaorcha: stream rejected (%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("metaorcha: stream dropped: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRateLimited returns true if err is a submission rejected with 429.
func IsRateLimited(err error) bool {
	var e *SubmissionError
	return errors.As(err, &e) && e.StatusCode == 429
}

// IsNotFound returns true if err is a stream request rejected with 404.
func IsNotFound(err error) bool {
	var e *TransportError
	return errors.As(err, &e) && e.StatusCode == 404
}

// IsTransportError returns true if err is a connection-level stream failure.
func IsTransportError(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}
