package metaorcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/metaorcha/metaorcha/internal/model"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the MetaOrcha server (e.g. "http://localhost:8000").
	BaseURL string

	// HTTPClient is an optional custom HTTP client used for every request,
	// streams included. If nil, submissions use a client with Timeout and
	// streams use one without a deadline.
	HTTPClient *http.Client

	// Timeout applies to submission requests. Defaults to 30 seconds.
	Timeout time.Duration

	// Logger receives skipped malformed stream lines. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client is an HTTP client for the MetaOrcha workflow API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL      string
	client       *http.Client
	streamClient *http.Client
	logger       *slog.Logger

	mu     sync.Mutex
	issued map[string]struct{}
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("metaorcha: BaseURL is required")
	}

	httpClient, streamClient := cfg.HTTPClient, cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
		streamClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		client:       httpClient,
		streamClient: streamClient,
		logger:       logger,
		issued:       make(map[string]struct{}),
	}, nil
}

// Submit creates a workflow and returns its id. Blank prompts are rejected
// with ErrEmptyPrompt before any request is made; every other failure is a
// *SubmissionError. Submit never retries.
func (c *Client) Submit(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}

	resp, err := postPrompt(ctx, c.client, c.baseURL+"/api/v1/workflows", prompt)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", responseError(resp)
	}

	var out model.CreateWorkflowResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.WorkflowID == "" {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Message: MsgNoWorkflowID, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.issued[out.WorkflowID]; dup {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Message: MsgDuplicateID}
	}
	c.issued[out.WorkflowID] = struct{}{}
	return out.WorkflowID, nil
}

// Open subscribes to the event stream of an existing workflow.
func (c *Client) Open(ctx context.Context, workflowID string) (Stream, error) {
	t := SubscriptionTransport{BaseURL: c.baseURL, HTTPClient: c.streamClient}
	return t.Open(ctx, workflowID)
}

// OpenPrompt submits prompt to the combined endpoint and returns its
// response body as a stream. Rejections are *SubmissionError.
func (c *Client) OpenPrompt(ctx context.Context, prompt string) (Stream, error) {
	t := ChunkedTransport{BaseURL: c.baseURL, HTTPClient: c.streamClient}
	return t.OpenPrompt(ctx, prompt)
}

// Follow opens the stream of workflowID and starts reducing it.
func (c *Client) Follow(ctx context.Context, workflowID string, opts ...RunOption) (*Run, error) {
	stream, err := c.Open(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return NewRun(workflowID, stream, c.runOptions(opts)...), nil
}

// Orchestrate submits and streams in a single request. The workflow id is
// learned from the first event.
func (c *Client) Orchestrate(ctx context.Context, prompt string, opts ...RunOption) (*Run, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	stream, err := c.OpenPrompt(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return NewRun("", stream, c.runOptions(opts)...), nil
}

func (c *Client) runOptions(opts []RunOption) []RunOption {
	return append([]RunOption{WithLogger(c.logger)}, opts...)
}

func postPrompt(ctx context.Context, hc *http.Client, url, prompt string) (*http.Response, error) {
	data, err := json.Marshal(model.CreateWorkflowRequest{Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("metaorcha: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, &SubmissionError{Message: MsgConnectionFailed, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &SubmissionError{Message: MsgCancelled, Err: ctx.Err()}
		}
		return nil, &SubmissionError{Message: MsgConnectionFailed, Err: err}
	}
	return resp, nil
}

// responseError builds a SubmissionError from a non-2xx response, preferring
// the server's {"error": ...} text.
func responseError(resp *http.Response) *SubmissionError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	msg := MsgSubmissionFailed
	var e model.ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &SubmissionError{StatusCode: resp.StatusCode, Message: msg}
}
