package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var ErrOverloaded = errors.New("LLM provider overloaded")

// RateLimitError is returned when the provider throttles a request.
// RetryAfter is zero when the provider gave no hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("LLM rate limited, retry after %s", e.RetryAfter)
	}
	return "LLM rate limited"
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ToolSpec describes the single tool the model is forced to call.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

type Request struct {
	Model     string
	MaxTokens int64
	System    string
	User      string
	Tool      ToolSpec
}

type ToolCall struct {
	Name  string
	Input json.RawMessage
}

type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

type Response struct {
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Client issues one model call. Implementations report throttling as
// *RateLimitError and provider overload as ErrOverloaded.
type Client interface {
	CreateMessage(ctx context.Context, req Request) (Response, error)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := time.Parse(time.RFC1123, v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
