package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"messageagent/internal/httpx"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const statusOverloaded = 529

type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient builds a client with SDK retries disabled; callers own
// the retry policy.
func NewAnthropicClient(apiKey string, opts ...option.RequestOption) *AnthropicClient {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpx.ExternalHTTPClient()),
		option.WithMaxRetries(0),
	}
	return &AnthropicClient{client: anthropic.NewClient(append(base, opts...)...)}
}

func (c *AnthropicClient) CreateMessage(ctx context.Context, req Request) (Response, error) {
	tool := anthropic.ToolParam{
		Name: req.Tool.Name,
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: req.Tool.Properties,
			Required:   req.Tool.Required,
		},
	}
	if req.Tool.Description != "" {
		tool.Description = anthropic.String(req.Tool.Description)
	}

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: req.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: req.System, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
		Tools:      []anthropic.ToolUnionParam{{OfTool: &tool}},
		ToolChoice: anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: req.Tool.Name}},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		return Response{}, mapAnthropicError(err)
	}

	resp := Response{
		StopReason: string(message.StopReason),
		Usage: Usage{
			InputTokens:              message.Usage.InputTokens,
			OutputTokens:             message.Usage.OutputTokens,
			CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
		},
	}
	for _, block := range message.Content {
		if block.Type == "tool_use" {
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{Name: block.Name, Input: block.Input})
		}
	}
	log.Printf("llm anthropic response tool_calls=%d stop=%s tokens_in=%d tokens_out=%d cache_create=%d cache_read=%d",
		len(resp.ToolCalls), resp.StopReason, resp.Usage.InputTokens, resp.Usage.OutputTokens,
		resp.Usage.CacheCreationInputTokens, resp.Usage.CacheReadInputTokens)
	return resp, nil
}

func mapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("LLM API error: %w", err)
	}
	switch apiErr.StatusCode {
	case http.StatusTooManyRequests:
		var retryAfter time.Duration
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("retry-after"), time.Now())
		}
		return &RateLimitError{RetryAfter: retryAfter, Err: err}
	case statusOverloaded:
		return fmt.Errorf("%w: %v", ErrOverloaded, err)
	}
	return fmt.Errorf("LLM API error: %w", err)
}
