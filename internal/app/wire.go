package app

import (
	"errors"
	"log/slog"

	"messageagent/internal/classify"
	"messageagent/internal/domain"
	"messageagent/internal/integrations/chatwork"
	"messageagent/internal/integrations/llm"
	slackapi "messageagent/internal/integrations/slack"
	"messageagent/internal/ratequeue"
	"messageagent/internal/syncer"
)

var errLLMNotConfigured = errors.New("anthropic_api_key is not configured")

func (a *app) engine() *syncer.Engine {
	// Leave the interfaces nil, not typed-nil, for unconfigured platforms.
	var cw syncer.ChatworkAPI
	if a.cfg.ChatworkConfigured() {
		cw = chatwork.NewClient(a.cfg.ChatworkAPIToken)
	}
	var sl syncer.SlackAPI
	if a.cfg.SlackConfigured() {
		sl = slackapi.NewClient(a.cfg.SlackBotToken)
	}
	queues := syncer.Queues{
		Chatwork: ratequeue.New("chatwork", a.cfg.ChatworkRequestsPerMinute),
		Slack:    ratequeue.New("slack", a.cfg.SlackRequestsPerMinute),
	}
	return syncer.NewEngine(a.store, cw, sl, queues,
		syncer.WithSlackUserNames(a.cfg.SlackResolveUserNames),
		syncer.WithProgress(logSyncProgress),
	)
}

// classifier builds the orchestrator. Manual overrides never call the
// model, so requireLLM is false for them.
func (a *app) classifier(requireLLM bool) (*classify.Classifier, error) {
	if requireLLM && !a.cfg.LLMConfigured() {
		return nil, errLLMNotConfigured
	}
	proc := classify.NewProcessor(llm.NewAnthropicClient(a.cfg.AnthropicAPIKey), classify.ProcessorConfig{
		Model:             a.cfg.LLMModel,
		BatchSize:         a.cfg.LLMBatchSize,
		MaxBodyChars:      a.cfg.LLMMaxBodyChars,
		MaxRetries:        a.cfg.LLMMaxRetries,
		InitialBackoff:    a.cfg.InitialBackoff(),
		DefaultRetryAfter: a.cfg.DefaultRetryAfter(),
	})
	return classify.NewClassifier(a.store, proc,
		classify.WithThreshold(a.cfg.LLMConfidence),
		classify.WithPageSize(a.cfg.ClassifyPageSize),
		classify.WithProgress(logClassifyProgress),
	), nil
}

func logSyncProgress(p domain.SyncProgress) {
	if p.Status == domain.SyncError {
		slog.Warn("sync progress", "source", p.SourceName, "status", p.Status, "error", p.Error)
		return
	}
	slog.Info("sync progress", "source", p.SourceName, "status", p.Status, "fetched", p.Fetched, "has_more", p.HasMore)
}

func logClassifyProgress(p domain.ClassificationProgress) {
	attrs := []any{
		"job", p.JobID,
		"status", p.Status,
		"processed", p.ProcessedMessages,
		"total", p.TotalMessages,
		"batch", p.CurrentBatch,
		"batches", p.TotalBatches,
	}
	if p.Error != "" {
		slog.Error("classify progress", append(attrs, "error", p.Error)...)
		return
	}
	slog.Info("classify progress", attrs...)
}
