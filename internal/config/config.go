package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultExternalHTTPTimeout = 90 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

const DefaultAnthropicModel = "claude-sonnet-4-5-20250929"

type Config struct {
	ChatworkAPIToken string `yaml:"chatwork_api_token"`
	SlackBotToken    string `yaml:"slack_bot_token"`
	AnthropicAPIKey  string `yaml:"anthropic_api_key"`

	LLMModel                    string  `yaml:"llm_model"`
	LLMBatchSize                int     `yaml:"llm_batch_size"`
	LLMConfidence               float64 `yaml:"llm_confidence_threshold"`
	LLMMaxRetries               int     `yaml:"llm_max_retries"`
	LLMInitialBackoffSeconds    int     `yaml:"llm_initial_backoff_seconds"`
	LLMDefaultRetryAfterSeconds int     `yaml:"llm_default_retry_after_seconds"`
	LLMMaxBodyChars             int     `yaml:"llm_max_body_chars"`
	ClassifyPageSize            int     `yaml:"classify_page_size"`

	ChatworkRequestsPerMinute int  `yaml:"chatwork_requests_per_minute"`
	SlackRequestsPerMinute    int  `yaml:"slack_requests_per_minute"`
	SlackResolveUserNames     bool `yaml:"slack_resolve_user_names"`

	DBPath                     string `yaml:"db_path"`
	ExternalHTTPTimeoutSeconds int    `yaml:"external_http_timeout_seconds"`

	SyncSchedule     string `yaml:"sync_schedule"`
	ClassifySchedule string `yaml:"classify_schedule"`
	Timezone         string `yaml:"timezone"`

	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`

	Location *time.Location `yaml:"-"` // computed from Timezone, not from YAML
}

// Load reads CONFIG_PATH (default config.yaml), then .env, then environment
// overrides, then applies defaults and validates.
func Load() (Config, error) {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("error parsing %s: %w", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	envPath := ".env"
	if p := os.Getenv("DOTENV_PATH"); p != "" {
		envPath = p
	}
	// godotenv.Load never overwrites variables already set in the environment.
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("error loading %s: %w", envPath, err)
	}

	var errs []error
	envOverride(&cfg.ChatworkAPIToken, "CHATWORK_API_TOKEN")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	errs = append(errs,
		envOverrideInt(&cfg.LLMBatchSize, "LLM_BATCH_SIZE"),
		envOverrideFloat(&cfg.LLMConfidence, "LLM_CONFIDENCE_THRESHOLD"),
		envOverrideInt(&cfg.LLMMaxRetries, "LLM_MAX_RETRIES"),
		envOverrideInt(&cfg.LLMInitialBackoffSeconds, "LLM_INITIAL_BACKOFF_SECONDS"),
		envOverrideInt(&cfg.LLMDefaultRetryAfterSeconds, "LLM_DEFAULT_RETRY_AFTER_SECONDS"),
		envOverrideInt(&cfg.LLMMaxBodyChars, "LLM_MAX_BODY_CHARS"),
		envOverrideInt(&cfg.ClassifyPageSize, "CLASSIFY_PAGE_SIZE"),
		envOverrideInt(&cfg.ChatworkRequestsPerMinute, "CHATWORK_REQUESTS_PER_MINUTE"),
		envOverrideInt(&cfg.SlackRequestsPerMinute, "SLACK_REQUESTS_PER_MINUTE"),
		envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS"),
		envOverrideBool(&cfg.SlackResolveUserNames, "SLACK_RESOLVE_USER_NAMES"),
	)
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverrideAllowEmpty(&cfg.SyncSchedule, "SYNC_SCHEDULE")
	envOverrideAllowEmpty(&cfg.ClassifySchedule, "CLASSIFY_SCHEDULE")
	envOverride(&cfg.Timezone, "TIMEZONE")
	envOverride(&cfg.LogFile, "LOG_FILE")
	envOverride(&cfg.LogLevel, "LOG_LEVEL")
	if err := errors.Join(errs...); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LLMModel == "" {
		cfg.LLMModel = DefaultAnthropicModel
	}
	if cfg.LLMBatchSize == 0 {
		cfg.LLMBatchSize = 20
	}
	if cfg.LLMConfidence == 0 {
		cfg.LLMConfidence = 0.70
	}
	if cfg.LLMMaxRetries == 0 {
		cfg.LLMMaxRetries = 3
	}
	if cfg.LLMInitialBackoffSeconds == 0 {
		cfg.LLMInitialBackoffSeconds = 5
	}
	if cfg.LLMDefaultRetryAfterSeconds == 0 {
		cfg.LLMDefaultRetryAfterSeconds = 60
	}
	if cfg.LLMMaxBodyChars == 0 {
		cfg.LLMMaxBodyChars = 500
	}
	if cfg.ClassifyPageSize == 0 {
		cfg.ClassifyPageSize = 200
	}
	if cfg.ChatworkRequestsPerMinute == 0 {
		cfg.ChatworkRequestsPerMinute = 20
	}
	if cfg.SlackRequestsPerMinute == 0 {
		cfg.SlackRequestsPerMinute = 1
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./messageagent.db"
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	c.Location = loc

	if c.LLMConfidence < 0 || c.LLMConfidence > 1 {
		return fmt.Errorf("llm_confidence_threshold must be within [0,1], got %.2f", c.LLMConfidence)
	}
	if c.LLMBatchSize < 1 {
		return fmt.Errorf("llm_batch_size must be positive, got %d", c.LLMBatchSize)
	}
	if c.ClassifyPageSize < 1 {
		return fmt.Errorf("classify_page_size must be positive, got %d", c.ClassifyPageSize)
	}
	if c.LLMMaxRetries < 0 {
		return fmt.Errorf("llm_max_retries must not be negative, got %d", c.LLMMaxRetries)
	}
	if c.ChatworkRequestsPerMinute < 1 || c.SlackRequestsPerMinute < 1 {
		return fmt.Errorf("requests per minute must be positive (chatwork=%d slack=%d)",
			c.ChatworkRequestsPerMinute, c.SlackRequestsPerMinute)
	}
	if c.ExternalHTTPTimeoutSeconds < 1 {
		return fmt.Errorf("external_http_timeout_seconds must be positive, got %d", c.ExternalHTTPTimeoutSeconds)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c Config) ChatworkConfigured() bool {
	return strings.TrimSpace(c.ChatworkAPIToken) != ""
}

func (c Config) SlackConfigured() bool {
	return strings.TrimSpace(c.SlackBotToken) != ""
}

func (c Config) LLMConfigured() bool {
	return strings.TrimSpace(c.AnthropicAPIKey) != ""
}

func (c Config) InitialBackoff() time.Duration {
	return time.Duration(c.LLMInitialBackoffSeconds) * time.Second
}

func (c Config) DefaultRetryAfter() time.Duration {
	return time.Duration(c.LLMDefaultRetryAfterSeconds) * time.Second
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideFloat(field *float64, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideBool(field *bool, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}
