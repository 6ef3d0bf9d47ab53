package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/gradeflow/internal/config"
	"github.com/ShayCichocki/gradeflow/internal/grading"
)

var orderCmd = &cobra.Command{
	Use:   "order <file>",
	Short: "Create grading tasks from a request file",
	Long: `Create a grading task, or a batch of them, from a YAML or JSON file.

A file with an "orders" list is a batch:

  data:
    applicationStepId: step-1
  orders:
    - mode: sm-response
      applicationStepId: step-1
      submission:
        - question: Describe your design
          answer: ...

Anything else is a single order.`,
	Args: cobra.ExactArgs(1),
	RunE: runOrder,
}

func runOrder(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read order file: %w", err)
	}
	if live.Current().Queue.Backend == config.BackendMemory {
		printStatus("!", "memory queues are private to this process; nothing will grade the order", color.FgYellow)
	}

	ctx, cancel := signalContext()
	defer cancel()
	orch, set, err := newOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer set.Close()

	var probe struct {
		Orders []yaml.Node `yaml:"orders"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}
	if len(probe.Orders) > 0 {
		var req grading.BatchRequest
		if err := yaml.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("parse batch: %w", err)
		}
		batch, tasks, err := orch.Grading().OrderBatch(ctx, req)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("batch %s", batch.ID), color.FgGreen)
		for _, t := range tasks {
			fmt.Printf("  task %s\n", t.ID)
		}
		return nil
	}

	var req grading.OrderRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("parse order: %w", err)
	}
	task, err := orch.Grading().Order(ctx, req)
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("task %s", task.ID), color.FgGreen)
	return nil
}

// printStatus prints a colored status line.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
