package config

import (
	"bytes"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CONFIG_PATH", filepath.Join(dir, "missing-config.yaml"))
	t.Setenv("DOTENV_PATH", filepath.Join(dir, "missing.env"))
	for _, key := range []string{
		"CHATWORK_API_TOKEN", "SLACK_BOT_TOKEN", "ANTHROPIC_API_KEY", "LLM_MODEL",
		"LLM_BATCH_SIZE", "LLM_CONFIDENCE_THRESHOLD", "DB_PATH", "TIMEZONE",
		"SYNC_SCHEDULE", "CLASSIFY_SCHEDULE", "SLACK_REQUESTS_PER_MINUTE", "SLACK_RESOLVE_USER_NAMES", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLMBatchSize != 20 {
		t.Fatalf("unexpected batch size default: %d", cfg.LLMBatchSize)
	}
	if cfg.LLMConfidence != 0.70 {
		t.Fatalf("unexpected confidence default: %.2f", cfg.LLMConfidence)
	}
	if cfg.ClassifyPageSize != 200 {
		t.Fatalf("unexpected page size default: %d", cfg.ClassifyPageSize)
	}
	if cfg.ChatworkRequestsPerMinute != 20 || cfg.SlackRequestsPerMinute != 1 {
		t.Fatalf("unexpected rate defaults: chatwork=%d slack=%d", cfg.ChatworkRequestsPerMinute, cfg.SlackRequestsPerMinute)
	}
	if cfg.InitialBackoff() != 5*time.Second || cfg.DefaultRetryAfter() != 60*time.Second {
		t.Fatalf("unexpected retry defaults: backoff=%s retry-after=%s", cfg.InitialBackoff(), cfg.DefaultRetryAfter())
	}
	if cfg.DBPath != "./messageagent.db" {
		t.Fatalf("unexpected db path default: %q", cfg.DBPath)
	}
	if cfg.ExternalHTTPTimeoutSeconds != defaultExternalHTTPTimeoutSeconds {
		t.Fatalf("unexpected external HTTP timeout default: %d", cfg.ExternalHTTPTimeoutSeconds)
	}
	if cfg.Location == nil || cfg.Location.String() != "UTC" {
		t.Fatalf("unexpected location: %v", cfg.Location)
	}
	if cfg.ChatworkConfigured() || cfg.SlackConfigured() || cfg.LLMConfigured() {
		t.Fatal("expected no collaborators configured")
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	isolateEnv(t)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
chatwork_api_token: "yaml-cw"
slack_bot_token: "yaml-bot"
llm_batch_size: 10
llm_confidence_threshold: 0.8
timezone: "Asia/Tokyo"
sync_schedule: "*/15 * * * *"
db_path: "/tmp/yaml.db"
slack_resolve_user_names: true
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", cfgPath)
	t.Setenv("SLACK_BOT_TOKEN", "env-bot")
	t.Setenv("LLM_BATCH_SIZE", "30")
	t.Setenv("SYNC_SCHEDULE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ChatworkAPIToken != "yaml-cw" {
		t.Fatalf("expected yaml chatwork token, got %q", cfg.ChatworkAPIToken)
	}
	if cfg.SlackBotToken != "env-bot" {
		t.Fatalf("expected env slack token to win, got %q", cfg.SlackBotToken)
	}
	if cfg.LLMBatchSize != 30 {
		t.Fatalf("expected env batch size to win, got %d", cfg.LLMBatchSize)
	}
	if cfg.LLMConfidence != 0.8 {
		t.Fatalf("expected yaml confidence, got %.2f", cfg.LLMConfidence)
	}
	if cfg.SyncSchedule != "" {
		t.Fatalf("expected empty env schedule to disable sync, got %q", cfg.SyncSchedule)
	}
	if !cfg.SlackResolveUserNames {
		t.Fatal("expected slack_resolve_user_names from yaml")
	}
	if cfg.Location.String() != "Asia/Tokyo" {
		t.Fatalf("unexpected location: %v", cfg.Location)
	}
}

func TestLoadDotEnv(t *testing.T) {
	isolateEnv(t)
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("ANTHROPIC_API_KEY=sk-dotenv\nCHATWORK_API_TOKEN=cw-dotenv\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("DOTENV_PATH", envPath)
	t.Setenv("CHATWORK_API_TOKEN", "cw-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.AnthropicAPIKey != "sk-dotenv" {
		t.Fatalf("expected key from .env, got %q", cfg.AnthropicAPIKey)
	}
	if cfg.ChatworkAPIToken != "cw-env" {
		t.Fatalf("expected process env to win over .env, got %q", cfg.ChatworkAPIToken)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"bad int", "LLM_BATCH_SIZE", "abc", "LLM_BATCH_SIZE"},
		{"threshold above one", "LLM_CONFIDENCE_THRESHOLD", "1.5", "llm_confidence_threshold"},
		{"bad bool", "SLACK_RESOLVE_USER_NAMES", "sometimes", "SLACK_RESOLVE_USER_NAMES"},
		{"bad timezone", "TIMEZONE", "Mars/Olympus", "invalid timezone"},
		{"bad log level", "LOG_LEVEL", "loud", "invalid log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnv(t)
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.val)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestSetupLoggerWithWritersFansOut(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("sync finished", "sources", 2)

	if !strings.Contains(stderr.String(), "sync finished") || strings.Contains(stderr.String(), "hidden") {
		t.Fatalf("unexpected text output: %q", stderr.String())
	}
	if !strings.Contains(file.String(), `"msg":"sync finished"`) || !strings.Contains(file.String(), `"sources":2`) {
		t.Fatalf("unexpected json output: %q", file.String())
	}
}

func TestStdlibLogLinesReachFanout(t *testing.T) {
	prevLogger, prevOut, prevFlags := slog.Default(), log.Writer(), log.Flags()
	t.Cleanup(func() {
		slog.SetDefault(prevLogger)
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})

	var stderr, file bytes.Buffer
	slog.SetDefault(SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo))
	log.Printf("sync source=%s new=%d", "src-1", 3)

	if !strings.Contains(stderr.String(), "sync source=src-1 new=3") {
		t.Fatalf("log.Printf line missing from text output: %q", stderr.String())
	}
	if !strings.Contains(file.String(), `"msg":"sync source=src-1 new=3"`) {
		t.Fatalf("log.Printf line missing from json output: %q", file.String())
	}
}
