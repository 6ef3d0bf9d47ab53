package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/gradeflow/internal/grading"
	"github.com/ShayCichocki/gradeflow/internal/orchestrator"
	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status <task|session|batch> <id>",
	Short: "Show a task, session or batch and its progress",
	Long: `Display a parent document and its sub-tasks.

Examples:
  gradeflow status task 6f1c...      # grading task and its rule sub-tasks
  gradeflow status session 91ab...   # interview session and its questions
  gradeflow status batch 2d3e...     # batch counters and report location`,
	Args: cobra.ExactArgs(2),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	orch, set, err := newOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer set.Close()

	err = showStatus(ctx, orch, strings.ToLower(args[0]), args[1])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s not found", args[0], args[1])
	}
	return err
}

func showStatus(ctx context.Context, orch *orchestrator.Orchestrator, kind, id string) error {
	switch kind {
	case "task":
		task, subs, err := orch.Grading().Task(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Task %s (%s)\n", task.ID, task.Mode)
		fmt.Printf("  Status:  %s\n", taskStatusColor(task.Status).Sprint(task.Status))
		if task.BatchID != "" {
			fmt.Printf("  Batch:   %s\n", task.BatchID)
		}
		if task.Error != "" {
			fmt.Printf("  Error:   %s\n", color.RedString(task.Error))
		}
		for _, r := range task.Results {
			fmt.Printf("  %-24s %s (%.2f)\n", r.RuleName, verdictColor(r.Result).Sprint(r.Result), r.Confidence)
		}
		displaySubTasks(subs)
	case "session":
		sess, subs, err := orch.Sessions().Get(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Session %s\n", sess.ID)
		fmt.Printf("  Status:  %s\n", sessionStatusColor(sess.Status).Sprint(sess.Status))
		if sess.ExternalOrderID != "" {
			fmt.Printf("  Order:   %s\n", sess.ExternalOrderID)
		}
		if sess.Error != "" {
			fmt.Printf("  Error:   %s\n", color.RedString(sess.Error))
		}
		if s := sess.Score(); s != nil {
			fmt.Printf("  Score:   %.1f\n", *s)
		}
		displaySubTasks(subs)
	case "batch":
		batch, err := orch.Grading().Batch(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Batch %s\n", batch.ID)
		fmt.Printf("  Tasks:   %d/%d completed\n", batch.TasksCompleted, batch.TasksCount)
		if batch.ReportLocation != "" {
			fmt.Printf("  Report:  %s\n", batch.ReportLocation)
		}
		tasks, err := grading.BatchTasks(ctx, orch.Store(), *batch)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("  %s  %s\n", t.ID, taskStatusColor(t.Status).Sprint(t.Status))
		}
	default:
		return fmt.Errorf("unknown kind %q: want task, session or batch", kind)
	}
	return nil
}

func displaySubTasks(subs []models.SubTask) {
	if len(subs) == 0 {
		return
	}
	fmt.Printf("\nSub-tasks (%d):\n", len(subs))
	for _, s := range subs {
		state := color.YellowString("pending")
		switch {
		case s.Outcome == models.OutcomeFailed:
			state = color.RedString("failed")
		case s.Result != nil:
			state = verdictColor(s.Result.Result).Sprint(s.Result.Result)
		}
		fmt.Printf("  %-40s %s\n", s.ID, state)
		for _, e := range s.Errors {
			fmt.Printf("    %s\n", color.HiBlackString(e))
		}
	}
}

func taskStatusColor(s models.TaskStatus) *color.Color {
	switch s {
	case models.TaskStatusDone:
		return color.New(color.FgGreen)
	case models.TaskStatusError:
		return color.New(color.FgRed)
	case models.TaskStatusInProgress:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgYellow)
	}
}

func sessionStatusColor(s models.SessionStatus) *color.Color {
	switch s {
	case models.SessionGraded:
		return color.New(color.FgGreen)
	case models.SessionCompleted:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgYellow)
	}
}

func verdictColor(result string) *color.Color {
	switch strings.ToLower(result) {
	case "pass":
		return color.New(color.FgGreen)
	case "fail":
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}
