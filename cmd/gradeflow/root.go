package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/gradeflow/internal/config"
	"github.com/ShayCichocki/gradeflow/internal/observability"
)

var (
	configPath string
	envFiles   []string

	live            *config.Live
	shutdownTracing func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "gradeflow",
	Short: "Asynchronous grading orchestration",
	Long: `Gradeflow fans grading tasks and interview sessions out into independent
sub-tasks, grades each one with Claude, and fans the verdicts back in.

Every stage is driven by queues, a change feed and durable timers, so the
same binary runs as one local process or as separate workers:

  gradeflow local      # everything in one process on SQLite
  gradeflow serve      # HTTP API only
  gradeflow worker     # task queue consumer
  gradeflow notifier   # callback delivery
  gradeflow stream     # change feed dispatcher
  gradeflow relay      # durable timer delivery`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if shutdownTracing == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Printf("[config] tracing shutdown: %v", err)
		}
	},
}

// loadConfig reads .env files and the configuration before every command.
func loadConfig(cmd *cobra.Command, args []string) error {
	if cmd == versionCmd {
		return nil
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return err
	}
	l, err := config.NewLive(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	live = l
	shutdownTracing, err = observability.InitTracing("gradeflow", l.Current().Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	return nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: .gradeflow.yaml or ~/.config/gradeflow/config.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Environment files to load before the config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(notifierCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(localCmd)
	rootCmd.AddCommand(orderCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}
