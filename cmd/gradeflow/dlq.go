package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/gradeflow/internal/orchestrator"
	"github.com/ShayCichocki/gradeflow/internal/queue"
)

var (
	dlqLimit   int
	dlqRedrive bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect dead-lettered messages",
	Long: `List messages that exhausted their retries on the tasks and
notifications queues.

SQS and Kafka dead letters live in their own queue or topic and are
inspected with the broker's tools. With --redrive, SQLite dead letters are
made visible again.`,
	RunE: runDLQ,
}

func init() {
	dlqCmd.Flags().IntVarP(&dlqLimit, "limit", "n", 50, "Maximum messages listed per queue")
	dlqCmd.Flags().BoolVar(&dlqRedrive, "redrive", false, "Put dead letters back on their queue")
}

type redriver interface {
	Redrive(ctx context.Context) (int64, error)
}

func runDLQ(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	set, err := buildBackends(ctx, live.Current())
	if err != nil {
		return err
	}
	defer set.Close()

	for _, q := range []struct {
		name  string
		queue orchestrator.Queue
	}{
		{orchestrator.QueueTasks, set.Tasks},
		{orchestrator.QueueNotifications, set.Notifications},
	} {
		lister, ok := q.queue.(queue.DeadLetterLister)
		if !ok {
			printStatus("-", fmt.Sprintf("%s: dead letters are kept by the broker", q.name), color.FgYellow)
			continue
		}
		dead, err := lister.DeadLetters(ctx, dlqLimit)
		if err != nil {
			return fmt.Errorf("%s: %w", q.name, err)
		}
		fmt.Printf("%s (%d):\n", q.name, len(dead))
		for _, d := range dead {
			fmt.Printf("  %s  %-26s %s\n", d.At.Format("2006-01-02 15:04:05"), d.Message.Type, d.Message.ID)
			if d.Cause != "" {
				fmt.Printf("    %s\n", color.RedString(d.Cause))
			}
		}
		if !dlqRedrive {
			continue
		}
		r, ok := q.queue.(redriver)
		if !ok {
			printStatus("✗", fmt.Sprintf("%s: redrive not supported", q.name), color.FgRed)
			continue
		}
		n, err := r.Redrive(ctx)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("%s: redrove %d messages", q.name, n), color.FgGreen)
	}
	return nil
}
