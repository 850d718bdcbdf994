// Package app wires configuration, storage and the platform clients into
// the messageagent command line.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"messageagent/internal/config"
	"messageagent/internal/httpx"
	"messageagent/internal/storage/sqlite"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

type app struct {
	cfg      config.Config
	store    *sqlite.Store
	closeLog func() error
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "messageagent",
		Short: "Aggregate Chatwork and Slack messages and classify them into projects",
		Long: `messageagent pulls messages from Chatwork rooms and Slack channels into a
local SQLite store and classifies them into user-defined projects with an LLM.

Configuration comes from config.yaml (CONFIG_PATH), an optional .env file and
environment variables.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			return a.open()
		},
	}

	root.AddCommand(
		newDiscoverCmd(a),
		newSyncCmd(a),
		newSourcesCmd(a),
		newClassifyCmd(a),
		newAssignCmd(a),
		newUnassignCmd(a),
		newProjectsCmd(a),
		newMessagesCmd(a),
		newStatusCmd(a),
		newServeCmd(a),
	)
	a.closeAfterRun(root)
	return root
}

// closeAfterRun releases the store and log file once a command finishes,
// including when it fails. PersistentPostRunE is skipped on errors.
func (a *app) closeAfterRun(cmd *cobra.Command) {
	for _, c := range cmd.Commands() {
		a.closeAfterRun(c)
	}
	if cmd.RunE == nil {
		return
	}
	run := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if cerr := a.close(); err == nil {
				err = cerr
			}
		}()
		return run(cmd, args)
	}
}

func (a *app) open() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger, closeLog := config.SetupLogger(cfg.LogFile, level)
	// Library packages log with log.Printf; SetDefault routes those lines
	// through the same handlers at info level.
	slog.SetDefault(logger)
	a.closeLog = closeLog

	timeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	slog.Debug("config loaded",
		"db", cfg.DBPath,
		"chatwork", cfg.ChatworkConfigured(),
		"slack", cfg.SlackConfigured(),
		"llm", cfg.LLMConfigured(),
		"model", cfg.LLMModel,
		"batch_size", cfg.LLMBatchSize,
		"threshold", cfg.LLMConfidence,
		"timezone", cfg.Timezone,
		"http_timeout", timeout,
	)

	store, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		_ = a.close()
		return fmt.Errorf("init database: %w", err)
	}
	a.store = store
	return nil
}

func (a *app) close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.closeLog != nil {
		if cerr := a.closeLog(); err == nil {
			err = cerr
		}
		a.closeLog = nil
	}
	return err
}
