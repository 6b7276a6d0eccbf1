package metaorcha

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/metaorcha/metaorcha/internal/codec"
)

// RawMessage is one undecoded message from an event stream.
type RawMessage struct {
	// Event is the optional message name; the server sends unnamed messages.
	Event string
	Data  []byte
}

// Stream is a lazy sequence of raw messages for one workflow.
//
// Recv returns io.EOF once the server has signalled the end of the stream and
// a *TransportError when the connection fails or ends early. A message that
// cannot be framed yields ErrMalformedMessage and reading may continue. After
// Close it returns ErrStreamClosed. Close is idempotent and may be called from
// any goroutine; it unblocks a pending Recv.
type Stream interface {
	Recv() (RawMessage, error)
	Close() error
}

// Transport opens the event stream of an existing workflow.
type Transport interface {
	Open(ctx context.Context, workflowID string) (Stream, error)
}

// SubscriptionTransport reads GET /api/v1/workflows/{id}/stream, where each
// message is terminated by a blank line.
type SubscriptionTransport struct {
	BaseURL    string
	HTTPClient *http.Client
}

var _ Transport = SubscriptionTransport{}

// Open subscribes to workflowID. A rejected request is a *TransportError
// carrying the status code.
func (t SubscriptionTransport) Open(ctx context.Context, workflowID string) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	endpoint := strings.TrimRight(t.BaseURL, "/") + "/api/v1/workflows/" + url.PathEscape(workflowID) + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := httpClient(t.HTTPClient).Do(req)
	if err != nil {
		cancel()
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		serr := responseError(resp)
		_ = resp.Body.Close()
		cancel()
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: errors.New(serr.Message)}
	}
	return newBodyStream(ctx, cancel, resp.Body, codec.NewReader(resp.Body)), nil
}

// ChunkedTransport posts a prompt to /api/v1/orchestrate and reads the
// streamed response body one data line at a time.
type ChunkedTransport struct {
	BaseURL    string
	HTTPClient *http.Client
}

// OpenPrompt submits prompt and returns the response body as a Stream.
// A rejected request is a *SubmissionError.
func (t ChunkedTransport) OpenPrompt(ctx context.Context, prompt string) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := postPrompt(ctx, httpClient(t.HTTPClient), strings.TrimRight(t.BaseURL, "/")+"/api/v1/orchestrate", prompt)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		serr := responseError(resp)
		_ = resp.Body.Close()
		cancel()
		return nil, serr
	}
	return newBodyStream(ctx, cancel, resp.Body, codec.NewLineReader(resp.Body)), nil
}

func httpClient(c *http.Client) *http.Client {
	if c == nil {
		return http.DefaultClient
	}
	return c
}

// bodyStream adapts a streamed response body to Stream.
type bodyStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.Closer
	reader *codec.Reader

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func newBodyStream(ctx context.Context, cancel context.CancelFunc, body io.Closer, reader *codec.Reader) *bodyStream {
	return &bodyStream{ctx: ctx, cancel: cancel, body: body, reader: reader}
}

func (s *bodyStream) Recv() (RawMessage, error) {
	if s.isClosed() {
		return RawMessage{}, ErrStreamClosed
	}
	msg, err := s.reader.Next()
	// A read interrupted by Close or by the caller's context is not a drop.
	if s.isClosed() || s.ctx.Err() != nil {
		return RawMessage{}, ErrStreamClosed
	}
	switch {
	case err == nil:
		return RawMessage{Event: msg.Event, Data: msg.Data}, nil
	case errors.Is(err, codec.ErrDone):
		return RawMessage{}, io.EOF
	case errors.Is(err, codec.ErrLineTooLong):
		return RawMessage{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return RawMessage{}, &TransportError{Err: fmt.Errorf("stream ended before [DONE]: %w", io.ErrUnexpectedEOF)}
	default:
		return RawMessage{}, &TransportError{Err: err}
	}
}

func (s *bodyStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		_ = s.body.Close()
	})
	return nil
}

func (s *bodyStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
