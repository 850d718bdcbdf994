package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
)

func newTestAnthropic(t *testing.T, handler http.HandlerFunc) *AnthropicClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewAnthropicClient("sk-test", option.WithBaseURL(server.URL), option.WithHTTPClient(server.Client()))
}

func testRequest() Request {
	return Request{
		Model:     "claude-test",
		MaxTokens: 4096,
		System:    "system",
		User:      "user",
		Tool: ToolSpec{
			Name:       "classify_messages",
			Properties: map[string]any{"classifications": map[string]any{"type": "array"}},
			Required:   []string{"classifications"},
		},
	}
}

func TestCreateMessageForcesToolAndReturnsToolCalls(t *testing.T) {
	var body map[string]any
	client := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"stop_reason":"tool_use",
			"content":[{"type":"tool_use","id":"tu_1","name":"classify_messages","input":{"classifications":[]}}],
			"usage":{"input_tokens":120,"output_tokens":30}
		}`))
	})

	resp, err := client.CreateMessage(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "classify_messages" {
		t.Fatalf("unexpected tool calls: %+v", resp.ToolCalls)
	}
	if string(resp.ToolCalls[0].Input) != `{"classifications":[]}` {
		t.Fatalf("unexpected tool input: %s", resp.ToolCalls[0].Input)
	}
	if resp.Usage.TotalTokens() != 150 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}

	choice, _ := body["tool_choice"].(map[string]any)
	if choice["type"] != "tool" || choice["name"] != "classify_messages" {
		t.Fatalf("tool choice not forced: %v", body["tool_choice"])
	}
	tools, _ := body["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected one tool, got %v", body["tools"])
	}
	schema := tools[0].(map[string]any)["input_schema"].(map[string]any)
	if schema["type"] != "object" {
		t.Fatalf("unexpected schema: %v", schema)
	}
}

func TestCreateMessageErrorKinds(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		check      func(t *testing.T, err error)
	}{
		{
			name: "rate limited with hint", status: http.StatusTooManyRequests, retryAfter: "17",
			check: func(t *testing.T, err error) {
				var rl *RateLimitError
				if !errors.As(err, &rl) || rl.RetryAfter != 17*time.Second {
					t.Fatalf("expected RateLimitError with 17s, got %v", err)
				}
			},
		},
		{
			name: "rate limited without hint", status: http.StatusTooManyRequests,
			check: func(t *testing.T, err error) {
				var rl *RateLimitError
				if !errors.As(err, &rl) || rl.RetryAfter != 0 {
					t.Fatalf("expected RateLimitError without hint, got %v", err)
				}
			},
		},
		{
			name: "overloaded", status: 529,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrOverloaded) {
					t.Fatalf("expected ErrOverloaded, got %v", err)
				}
			},
		},
		{
			name: "bad request", status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				var rl *RateLimitError
				if err == nil || errors.Is(err, ErrOverloaded) || errors.As(err, &rl) {
					t.Fatalf("expected a generic error, got %v", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("retry-after", tt.retryAfter)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"type":"error","error":{"type":"some_error","message":"nope"}}`))
			})
			_, err := client.CreateMessage(context.Background(), testRequest())
			tt.check(t, err)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"-3", 0},
		{now.Add(45 * time.Second).Format(time.RFC1123), 45 * time.Second},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Fatalf("parseRetryAfter(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
