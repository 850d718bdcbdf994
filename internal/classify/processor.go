package classify

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"messageagent/internal/domain"
	"messageagent/internal/integrations/llm"
)

// ProcessorConfig holds the batch and retry settings. Zero values fall back
// to the defaults; a negative MaxRetries disables retries.
type ProcessorConfig struct {
	Model             string
	MaxTokens         int64
	BatchSize         int
	MaxBodyChars      int
	MaxRetries        int
	InitialBackoff    time.Duration
	DefaultRetryAfter time.Duration
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxBodyChars <= 0 {
		c.MaxBodyChars = defaultMaxBodyChars
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 3
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = 60 * time.Second
	}
	return c
}

// BatchResult is the validated outcome of one batch.
type BatchResult struct {
	Index   int
	Size    int
	Results []domain.ClassificationResult
	Usage   llm.Usage
}

// Callbacks are optional. An error from OnBatchComplete aborts the pass.
type Callbacks struct {
	OnBatchComplete func(BatchResult) error
	OnBatchError    func(index int, err error)
	OnProgress      func(processed, total int)
}

// ProcessSummary describes one pass over a message set.
type ProcessSummary struct {
	Batches   int
	Completed int
	Failed    int
	Processed int
	Usage     llm.Usage
	Cancelled bool
}

type SleepFunc func(ctx context.Context, d time.Duration) error

type Processor struct {
	client    llm.Client
	cfg       ProcessorConfig
	sleep     SleepFunc
	cancelled atomic.Bool
}

type ProcessorOption func(*Processor)

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn SleepFunc) ProcessorOption {
	return func(p *Processor) { p.sleep = fn }
}

func NewProcessor(client llm.Client, cfg ProcessorConfig, opts ...ProcessorOption) *Processor {
	p := &Processor{client: client, cfg: cfg.withDefaults(), sleep: sleepContext}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) BatchSize() int { return p.cfg.BatchSize }

// Cancel stops the pass before its next batch. An in-flight batch finishes.
func (p *Processor) Cancel() { p.cancelled.Store(true) }

func (p *Processor) Reset() { p.cancelled.Store(false) }

// Batches splits messages into consecutive chunks of at most size.
func Batches(messages []domain.Message, size int) [][]domain.Message {
	if size <= 0 {
		size = 1
	}
	var out [][]domain.Message
	for start := 0; start < len(messages); start += size {
		end := min(start+size, len(messages))
		out = append(out, messages[start:end])
	}
	return out
}

// Process classifies messages batch by batch. A failed batch is reported
// through OnBatchError and the pass moves on; both outcomes count toward
// OnProgress.
func (p *Processor) Process(ctx context.Context, messages []domain.Message, projects []domain.Project, cb Callbacks) (ProcessSummary, error) {
	batches := Batches(messages, p.cfg.BatchSize)
	summary := ProcessSummary{Batches: len(batches)}

	projectIDs := make([]string, 0, len(projects))
	for _, pr := range projects {
		projectIDs = append(projectIDs, pr.ID)
	}
	tool := ToolSchema(projectIDs)
	system := BuildSystemPrompt()

	for i, batch := range batches {
		if p.cancelled.Load() || ctx.Err() != nil {
			summary.Cancelled = true
			break
		}

		expected := make([]string, len(batch))
		for j, m := range batch {
			expected[j] = m.ID
		}
		req := llm.Request{
			Model:     p.cfg.Model,
			MaxTokens: p.cfg.MaxTokens,
			System:    system,
			User:      BuildUserMessage(batch, projects, p.cfg.MaxBodyChars),
			Tool:      tool,
		}

		results, usage, err := p.execute(ctx, req, expected, projectIDs)
		summary.Usage.Add(usage)
		summary.Processed += len(batch)
		if err != nil {
			summary.Failed++
			log.Printf("classify batch=%d/%d size=%d failed: %v", i+1, len(batches), len(batch), err)
			if cb.OnBatchError != nil {
				cb.OnBatchError(i, err)
			}
		} else {
			summary.Completed++
			log.Printf("classify batch=%d/%d size=%d results=%d tokens=%d", i+1, len(batches), len(batch), len(results), usage.TotalTokens())
			if cb.OnBatchComplete != nil {
				if err := cb.OnBatchComplete(BatchResult{Index: i, Size: len(batch), Results: results, Usage: usage}); err != nil {
					return summary, err
				}
			}
		}
		if cb.OnProgress != nil {
			cb.OnProgress(summary.Processed, len(messages))
		}
	}
	return summary, nil
}

// execute runs one batch request, retrying throttling and overload up to
// MaxRetries times. Malformed output is not retried.
func (p *Processor) execute(ctx context.Context, req llm.Request, expected, projectIDs []string) ([]domain.ClassificationResult, llm.Usage, error) {
	var total llm.Usage
	for attempt := 0; ; attempt++ {
		resp, err := p.client.CreateMessage(ctx, req)
		if err == nil {
			total.Add(resp.Usage)
			results, perr := ParseResult(resp, expected, projectIDs)
			return results, total, perr
		}
		if attempt >= p.cfg.MaxRetries {
			return nil, total, err
		}

		wait, ok := p.retryDelay(err, attempt)
		if !ok {
			return nil, total, err
		}
		log.Printf("classify retry=%d/%d wait=%s after: %v", attempt+1, p.cfg.MaxRetries, wait, err)
		if err := p.sleep(ctx, wait); err != nil {
			return nil, total, err
		}
	}
}

// retryDelay returns how long to wait before the next attempt, or false when
// err is not retryable.
func (p *Processor) retryDelay(err error, attempt int) (time.Duration, bool) {
	var rl *llm.RateLimitError
	switch {
	case errors.As(err, &rl):
		if rl.RetryAfter > 0 {
			return rl.RetryAfter, true
		}
		return p.cfg.DefaultRetryAfter, true
	case errors.Is(err, llm.ErrOverloaded):
		return p.cfg.InitialBackoff << attempt, true
	default:
		return 0, false
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
