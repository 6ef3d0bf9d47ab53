// Package config handles configuration loading and management for gradeflow.
// It supports XDG config paths, project-level overrides, .env files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/gradeflow/internal/engine"
	"github.com/ShayCichocki/gradeflow/internal/grading"
	"github.com/ShayCichocki/gradeflow/internal/interview"
	"github.com/ShayCichocki/gradeflow/internal/observability"
	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/internal/report"
)

// ProjectConfigName is the per-project override file.
const ProjectConfigName = ".gradeflow.yaml"

// Backend names shared by the store, queue, timer and stream sections.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendAWS    = "aws"
	BackendKafka  = "kafka"
)

// Config holds all configuration for gradeflow.
type Config struct {
	Anthropic     engine.ClientConfig         `mapstructure:"anthropic"`
	AWS           AWSConfig                   `mapstructure:"aws"`
	Store         StoreConfig                 `mapstructure:"store"`
	Queue         QueueConfig                 `mapstructure:"queue"`
	Timer         TimerConfig                 `mapstructure:"timer"`
	Retries       RetriesConfig               `mapstructure:"retries"`
	Worker        WorkerConfig                `mapstructure:"worker"`
	Notifications NotificationsConfig         `mapstructure:"notifications"`
	Sessions      SessionsConfig              `mapstructure:"sessions"`
	Grading       GradingConfig               `mapstructure:"grading"`
	Reports       report.Config               `mapstructure:"reports"`
	HTTP          HTTPConfig                  `mapstructure:"http"`
	Tracing       observability.TracingConfig `mapstructure:"tracing"`
}

// AWSConfig holds settings shared by every AWS client.
type AWSConfig struct {
	Region  string `mapstructure:"region"`
	Profile string `mapstructure:"profile"`
	// Endpoint overrides the service endpoint, for local emulators.
	Endpoint string `mapstructure:"endpoint"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	// Backend is one of memory, sqlite or aws (DynamoDB).
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
	Table      string `mapstructure:"table"`
	// StreamARN is the DynamoDB stream of Table, read by the stream command.
	StreamARN string `mapstructure:"stream_arn"`
	// PollInterval paces the SQLite change outbox.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// QueueConfig selects the message queues.
type QueueConfig struct {
	// Backend is one of memory, sqlite, aws (SQS) or kafka.
	Backend string `mapstructure:"backend"`
	// SQS queue URLs.
	TasksURL                   string `mapstructure:"tasks_url"`
	TasksDeadLetterURL         string `mapstructure:"tasks_dead_letter_url"`
	NotificationsURL           string `mapstructure:"notifications_url"`
	NotificationsDeadLetterURL string `mapstructure:"notifications_dead_letter_url"`
	// Kafka settings.
	Brokers            string `mapstructure:"brokers"`
	TasksTopic         string `mapstructure:"tasks_topic"`
	NotificationsTopic string `mapstructure:"notifications_topic"`
	GroupID            string `mapstructure:"group_id"`
}

// TimerConfig selects the durable timer service.
type TimerConfig struct {
	// Backend is one of memory, sqlite, aws (Step Functions) or kafka.
	Backend         string        `mapstructure:"backend"`
	StateMachineARN string        `mapstructure:"state_machine_arn"`
	Topic           string        `mapstructure:"topic"`
	Interval        time.Duration `mapstructure:"interval"`
}

// RetriesConfig is the retry policy of task messages.
type RetriesConfig struct {
	Max   int           `mapstructure:"max"`
	Delay time.Duration `mapstructure:"delay"`
}

// Policy returns the queue policy described by r.
func (r RetriesConfig) Policy() queue.Policy {
	return queue.Policy{MaxRetries: r.Max, Delay: queue.FixedDelay(r.Delay)}
}

// WorkerConfig sizes the queue consumers.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	BatchSize   int `mapstructure:"batch_size"`
}

// NotificationsConfig controls outbound notifications. It is hot-reloaded.
type NotificationsConfig struct {
	// Delay is the default pause before a graded notification goes out.
	Delay   time.Duration `mapstructure:"delay"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SessionsConfig controls interview sessions. It is hot-reloaded.
type SessionsConfig struct {
	// DefaultDuration is the session length in minutes when a request has none.
	DefaultDuration int `mapstructure:"default_duration"`
	// Multiplier stretches the expiration of sessions that are not timeboxed.
	Multiplier   float64 `mapstructure:"multiplier"`
	SystemPrompt string  `mapstructure:"system_prompt"`
	UserPrompt   string  `mapstructure:"user_prompt"`
}

// Expiration returns the session expiration settings.
func (s SessionsConfig) Expiration() interview.ExpirationConfig {
	return interview.ExpirationConfig{DefaultDuration: s.DefaultDuration, Multiplier: s.Multiplier}
}

// GradingConfig controls grading tasks.
type GradingConfig struct {
	// RulesFile is a YAML rule source, watched for changes.
	RulesFile    string            `mapstructure:"rules_file"`
	FetchTimeout time.Duration     `mapstructure:"fetch_timeout"`
	Prompts      grading.Templates `mapstructure:"prompts"`
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (GRADEFLOW_*, ANTHROPIC_API_KEY)
// 2. Project config (.gradeflow.yaml in current directory or parent)
// 3. User config (~/.config/gradeflow/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific file, still honouring
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

// LoadDotEnv loads KEY=value pairs from the given files (".env" when none)
// into the environment without overriding variables already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("gradeflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "GRADEFLOW_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("aws.region", "GRADEFLOW_AWS_REGION", "AWS_REGION")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	cfg.Reports.AccessKey = os.ExpandEnv(cfg.Reports.AccessKey)
	cfg.Reports.SecretKey = os.ExpandEnv(cfg.Reports.SecretKey)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the backend names and numeric ranges.
func (c *Config) Validate() error {
	backends := map[string][]string{
		"store": {BackendMemory, BackendSQLite, BackendAWS},
		"queue": {BackendMemory, BackendSQLite, BackendAWS, BackendKafka},
		"timer": {BackendMemory, BackendSQLite, BackendAWS, BackendKafka},
	}
	check := func(section, value string) error {
		for _, ok := range backends[section] {
			if value == ok {
				return nil
			}
		}
		return fmt.Errorf("config: unknown %s backend %q", section, value)
	}
	if err := check("store", c.Store.Backend); err != nil {
		return err
	}
	if err := check("queue", c.Queue.Backend); err != nil {
		return err
	}
	if err := check("timer", c.Timer.Backend); err != nil {
		return err
	}
	if c.Retries.Max < 0 {
		return fmt.Errorf("config: retries.max must not be negative")
	}
	if c.Notifications.Delay < 0 {
		return fmt.Errorf("config: notifications.delay must not be negative")
	}
	if c.Sessions.DefaultDuration <= 0 {
		return fmt.Errorf("config: sessions.default_duration must be positive")
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.max_retries", 1)

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.endpoint", "")

	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("store.table", "gradeflow")
	v.SetDefault("store.stream_arn", "")
	v.SetDefault("store.poll_interval", "500ms")

	v.SetDefault("queue.backend", BackendSQLite)
	v.SetDefault("queue.tasks_url", "")
	v.SetDefault("queue.tasks_dead_letter_url", "")
	v.SetDefault("queue.notifications_url", "")
	v.SetDefault("queue.notifications_dead_letter_url", "")
	v.SetDefault("queue.brokers", "localhost:9092")
	v.SetDefault("queue.tasks_topic", "gradeflow.tasks")
	v.SetDefault("queue.notifications_topic", "gradeflow.notifications")
	v.SetDefault("queue.group_id", "gradeflow")

	v.SetDefault("timer.backend", BackendSQLite)
	v.SetDefault("timer.state_machine_arn", "")
	v.SetDefault("timer.topic", "gradeflow.timers")
	v.SetDefault("timer.interval", "1s")

	v.SetDefault("retries.max", queue.DefaultMaxRetries)
	v.SetDefault("retries.delay", queue.DefaultRetryDelay.String())

	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.batch_size", queue.MaxBatchSend)

	v.SetDefault("notifications.delay", "0s")
	v.SetDefault("notifications.timeout", "2m")

	v.SetDefault("sessions.default_duration", 60)
	v.SetDefault("sessions.multiplier", 1.5)
	v.SetDefault("sessions.system_prompt", "")
	v.SetDefault("sessions.user_prompt", "")

	v.SetDefault("grading.rules_file", "")
	v.SetDefault("grading.fetch_timeout", "30s")
	v.SetDefault("grading.prompts.unstructured_system", "")
	v.SetDefault("grading.prompts.unstructured_user", "")
	v.SetDefault("grading.prompts.structured_system", "")
	v.SetDefault("grading.prompts.structured_user", "")

	v.SetDefault("reports.endpoint", "")
	v.SetDefault("reports.bucket", "gradeflow-reports")
	v.SetDefault("reports.access_key", "")
	v.SetDefault("reports.secret_key", "")
	v.SetDefault("reports.region", "")
	v.SetDefault("reports.use_ssl", true)
	v.SetDefault("reports.dir", "reports")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.environment", "")
	v.SetDefault("tracing.insecure", false)
}

// getUserConfigDir returns the XDG config directory for gradeflow.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "gradeflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "gradeflow")
	}
	return filepath.Join(home, ".config", "gradeflow")
}

// findProjectConfig searches for .gradeflow.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}

// Default returns a Config with default values, ignoring the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}
