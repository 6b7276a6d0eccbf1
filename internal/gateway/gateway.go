// Package gateway calls the external completion gateway that performs the
// actual computation of a workflow.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Completer sends one prompt to a language-model gateway and returns the raw
// reply text. Implementations must not retry internally.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// StatusError is returned when the gateway answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway: status %d: %s", e.StatusCode, e.Body)
}

// IsRateLimited reports whether err is a 429 from the gateway.
func IsRateLimited(err error) bool {
	return hasStatus(err, 429)
}

// IsPaymentRequired reports whether err is a 402 from the gateway.
func IsPaymentRequired(err error) bool {
	return hasStatus(err, 402)
}

func hasStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// ParseResult turns untrusted gateway text into a JSON value. Markdown code
// fences are stripped first; text that still fails to parse is wrapped as
// {"raw_response": <raw>}.
func ParseResult(raw string) json.RawMessage {
	cleaned := strings.ReplaceAll(raw, "```json\n", "")
	cleaned = strings.ReplaceAll(cleaned, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```\n", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned != "" && json.Valid([]byte(cleaned)) {
		return json.RawMessage(cleaned)
	}
	b, _ := json.Marshal(map[string]string{"raw_response": raw})
	return b
}

// StaticCompleter returns a fixed reply or error. It backs tests and the
// offline "static" provider.
type StaticCompleter struct {
	Content string
	Err     error
}

// Complete returns the configured content or error.
func (s StaticCompleter) Complete(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Err != nil {
		return "", s.Err
	}
	return s.Content, nil
}

// DemoContent is the reply of the offline provider.
const DemoContent = `{"calculation": "5+3", "numeric_result": 8, "text_result": "eight", "explanation": "5 plus 3 equals 8, which is written as eight."}`
