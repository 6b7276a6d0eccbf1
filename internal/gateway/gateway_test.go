package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPCompleter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization: %q", got)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Model != "test-model" {
			t.Errorf("unexpected model: %s", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[0].Content != SystemInstruction {
			t.Errorf("system instruction not sent: %+v", req.Messages)
		}

		switch req.Messages[1].Content {
		case "limited":
			http.Error(w, "slow down", http.StatusTooManyRequests)
		case "broke":
			http.Error(w, "pay up", http.StatusPaymentRequired)
		case "down":
			http.Error(w, "oops", http.StatusInternalServerError)
		case "empty":
			_, _ = fmt.Fprint(w, `{"choices":[]}`)
		default:
			_, _ = fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"numeric_result\":8}"}}]}`)
		}
	}))
	defer server.Close()

	c := NewHTTPCompleter(server.URL+"/", "test-key", "test-model")
	ctx := context.Background()

	t.Run("content", func(t *testing.T) {
		got, err := c.Complete(ctx, "Calculate 5+3")
		if err != nil {
			t.Fatal(err)
		}
		if got != `{"numeric_result":8}` {
			t.Errorf("got %q", got)
		}
	})

	t.Run("no choices", func(t *testing.T) {
		got, err := c.Complete(ctx, "empty")
		if err != nil {
			t.Fatal(err)
		}
		if got != "" {
			t.Errorf("expected empty content, got %q", got)
		}
	})

	t.Run("status errors", func(t *testing.T) {
		_, err := c.Complete(ctx, "limited")
		if !IsRateLimited(err) || IsPaymentRequired(err) {
			t.Errorf("expected rate limit error, got %v", err)
		}
		_, err = c.Complete(ctx, "broke")
		if !IsPaymentRequired(err) {
			t.Errorf("expected payment required, got %v", err)
		}
		_, err = c.Complete(ctx, "down")
		var se *StatusError
		if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
			t.Errorf("expected 500 StatusError, got %v", err)
		}
	})
}

func TestHTTPCompleter_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPCompleter(url, "", "").Complete(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error for closed server")
	}
	var se *StatusError
	if errors.As(err, &se) {
		t.Errorf("transport failure must not be a StatusError: %v", err)
	}
}

func TestParseResult(t *testing.T) {
	plain := `{"calculation": "5+3", "numeric_result": 8, "text_result": "eight"}`
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", plain, plain},
		{"json fence", "```json\n" + plain + "\n```", plain},
		{"bare fence", "```\n" + plain + "\n```\n", plain},
		{"fence without newline", "```json" + plain + "```", plain},
		{"padded", "\n\n  " + plain + "  \n", plain},
		{"unparseable", "the answer is eight", `{"raw_response":"the answer is eight"}`},
		{"empty", "", `{"raw_response":""}`},
		{"fenced garbage", "```json\nnot json\n```", `{"raw_response":"` + "```json\\nnot json\\n```" + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseResult(tt.raw)
			var gotV, wantV any
			if err := json.Unmarshal(got, &gotV); err != nil {
				t.Fatalf("result is not JSON: %s", got)
			}
			if err := json.Unmarshal([]byte(tt.want), &wantV); err != nil {
				t.Fatal(err)
			}
			if fmt.Sprint(gotV) != fmt.Sprint(wantV) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStaticCompleter(t *testing.T) {
	got, err := StaticCompleter{Content: DemoContent}.Complete(context.Background(), "x")
	if err != nil || got != DemoContent {
		t.Fatalf("got %q, %v", got, err)
	}

	boom := &StatusError{StatusCode: 429}
	if _, err := (StaticCompleter{Err: boom}).Complete(context.Background(), "x"); !IsRateLimited(err) {
		t.Errorf("expected configured error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (StaticCompleter{Content: "x"}).Complete(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
