package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"messageagent/internal/classify"
	"messageagent/internal/schedule"
	"messageagent/internal/syncer"

	"github.com/spf13/cobra"
)

// scheduledRunner adapts the engine and classifier to schedule.Runner.
// "Nothing to do" outcomes are summaries, not errors.
type scheduledRunner struct {
	engine     *syncer.Engine
	classifier *classify.Classifier
	llmErr     error
}

func (r scheduledRunner) Sync(ctx context.Context) (string, error) {
	summary, err := r.engine.RunSync(ctx)
	switch {
	case errors.Is(err, syncer.ErrNoActiveSources):
		return syncer.FormatSummary(syncer.Summary{}), nil
	case err != nil:
		return "", err
	}
	return syncer.FormatSummary(summary), nil
}

func (r scheduledRunner) Classify(ctx context.Context) (string, error) {
	if r.classifier == nil {
		return "", r.llmErr
	}
	res, err := r.classifier.Run(ctx)
	switch {
	case errors.Is(err, classify.ErrNothingToClassify):
		return "Nothing to classify.", nil
	case err != nil:
		return "", err
	}
	return formatRunResult(res), nil
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run sync and classification on their cron schedules",
		Long: `Run sync_schedule and classify_schedule (5-field cron, evaluated in
timezone) until interrupted. An empty expression disables that job.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine := a.engine()
			c, llmErr := a.classifier(true)
			runner := scheduledRunner{engine: engine, classifier: c, llmErr: llmErr}

			jobs, wait := schedule.Start(ctx, a.cfg, runner)
			if len(jobs) == 0 {
				return fmt.Errorf("no schedules configured")
			}
			for _, j := range jobs {
				slog.Info("serve job scheduled", "job", j.Name, "cron", j.Spec)
			}
			if llmErr != nil {
				slog.Warn("serve classification unavailable", "error", llmErr)
			}

			<-ctx.Done()
			slog.Info("serve shutting down")
			engine.Stop()
			if c != nil {
				c.Cancel()
			}
			wait()
			return nil
		},
	}
}
