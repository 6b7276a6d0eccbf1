package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultBaseURL is the completion gateway used when none is configured.
const DefaultBaseURL = "https://ai.gateway.lovable.dev"

// DefaultModel is the model requested when none is configured.
const DefaultModel = "google/gemini-3-flash-preview"

// SystemInstruction constrains the gateway reply to the result shape the
// workflow reports.
const SystemInstruction = `You are a multi-agent orchestration system. The user gives a task. You must:
1. Perform any calculations requested
2. Convert the numeric result to English words
3. Return ONLY a JSON object with this exact format (no markdown, no code fences):
{"calculation": "the math expression", "numeric_result": <number>, "text_result": "the number in English words", "explanation": "brief step-by-step"}`

var tracer = otel.Tracer("metaorcha/gateway")

// HTTPCompleter calls an OpenAI-compatible chat completions endpoint.
type HTTPCompleter struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewHTTPCompleter creates a completer for the gateway at baseURL.
func NewHTTPCompleter(baseURL, apiKey, model string) *HTTPCompleter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &HTTPCompleter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends prompt with the fixed system instruction and returns the
// first choice's content, or "" when the reply has none.
func (c *HTTPCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := tracer.Start(ctx, "gateway.complete")
	defer span.End()
	span.SetAttributes(attribute.String("gateway.model", c.model))

	reqBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemInstruction},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("gateway: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("gateway: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("gateway: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		span.SetStatus(codes.Error, resp.Status)
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("gateway: decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", nil
	}
	return result.Choices[0].Message.Content, nil
}
