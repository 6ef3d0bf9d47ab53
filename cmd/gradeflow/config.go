package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/gradeflow/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show the effective configuration",
	Long: `View the gradeflow configuration after files, .env and environment
variables are merged.

Without arguments, displays every setting. With one argument (key),
displays the value for that key. Secrets are masked.

Configuration is read from ~/.config/gradeflow/config.yaml
Project-specific overrides can be placed in .gradeflow.yaml
Any key can be set from the environment as GRADEFLOW_<SECTION>_<KEY>`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Masked(live.Current())
		if len(args) == 1 {
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		}
		fmt.Printf("# %s\n", live.Path())
		displayAllConfig(cfg)
		return nil
	},
}

var configKeys = []string{
	"anthropic.api_key",
	"anthropic.model",
	"anthropic.use_bedrock",
	"aws.region",
	"aws.endpoint",
	"store.backend",
	"store.sqlite_path",
	"store.table",
	"store.stream_arn",
	"queue.backend",
	"queue.tasks_url",
	"queue.notifications_url",
	"queue.brokers",
	"timer.backend",
	"timer.state_machine_arn",
	"timer.topic",
	"retries.max",
	"retries.delay",
	"worker.concurrency",
	"worker.batch_size",
	"notifications.delay",
	"notifications.timeout",
	"sessions.default_duration",
	"sessions.multiplier",
	"grading.rules_file",
	"grading.fetch_timeout",
	"reports.endpoint",
	"reports.bucket",
	"reports.dir",
	"http.addr",
	"http.allowed_origins",
	"tracing.exporter",
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	for _, key := range configKeys {
		value, _ := getConfigValue(cfg, key)
		fmt.Printf("%s: %s\n", key, value)
	}
}

// getConfigValue retrieves a configuration value by dot-notation key.
// cfg should come from config.Masked.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		if cfg.Anthropic.APIKey == "" {
			return "(not set)", nil
		}
		return cfg.Anthropic.APIKey, nil
	case "anthropic.model":
		return string(cfg.Anthropic.Model), nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseAWSBedrock), nil
	case "aws.region":
		return cfg.AWS.Region, nil
	case "aws.endpoint":
		return cfg.AWS.Endpoint, nil
	case "store.backend":
		return cfg.Store.Backend, nil
	case "store.sqlite_path":
		return cfg.Store.SQLitePath, nil
	case "store.table":
		return cfg.Store.Table, nil
	case "store.stream_arn":
		return cfg.Store.StreamARN, nil
	case "queue.backend":
		return cfg.Queue.Backend, nil
	case "queue.tasks_url":
		return cfg.Queue.TasksURL, nil
	case "queue.notifications_url":
		return cfg.Queue.NotificationsURL, nil
	case "queue.brokers":
		return cfg.Queue.Brokers, nil
	case "timer.backend":
		return cfg.Timer.Backend, nil
	case "timer.state_machine_arn":
		return cfg.Timer.StateMachineARN, nil
	case "timer.topic":
		return cfg.Timer.Topic, nil
	case "retries.max":
		return strconv.Itoa(cfg.Retries.Max), nil
	case "retries.delay":
		return cfg.Retries.Delay.String(), nil
	case "worker.concurrency":
		return strconv.Itoa(cfg.Worker.Concurrency), nil
	case "worker.batch_size":
		return strconv.Itoa(cfg.Worker.BatchSize), nil
	case "notifications.delay":
		return cfg.Notifications.Delay.String(), nil
	case "notifications.timeout":
		return cfg.Notifications.Timeout.String(), nil
	case "sessions.default_duration":
		return strconv.Itoa(cfg.Sessions.DefaultDuration), nil
	case "sessions.multiplier":
		return strconv.FormatFloat(cfg.Sessions.Multiplier, 'g', -1, 64), nil
	case "grading.rules_file":
		return cfg.Grading.RulesFile, nil
	case "grading.fetch_timeout":
		return cfg.Grading.FetchTimeout.String(), nil
	case "reports.endpoint":
		return cfg.Reports.Endpoint, nil
	case "reports.bucket":
		return cfg.Reports.Bucket, nil
	case "reports.dir":
		return cfg.Reports.Dir, nil
	case "http.addr":
		return cfg.HTTP.Addr, nil
	case "http.allowed_origins":
		return strings.Join(cfg.HTTP.AllowedOrigins, ","), nil
	case "tracing.exporter":
		return cfg.Tracing.Exporter, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}
