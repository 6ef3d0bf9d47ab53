// Package grading implements submission grading on top of the fan-out
// orchestrator: one sub-task per grading rule, aggregated into the task's
// per-rule results.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ShayCichocki/gradeflow/internal/engine"
	"github.com/ShayCichocki/gradeflow/internal/fanout"
	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// Statuses maps the grading task state machine onto the orchestrator.
var Statuses = fanout.Statuses{
	Ready:   string(models.TaskStatusPending),
	Running: string(models.TaskStatusInProgress),
	Done:    string(models.TaskStatusDone),
	Failed:  string(models.TaskStatusError),
}

// Strategy grades submissions.
type Strategy struct {
	engine  engine.Engine
	fetcher Fetcher
	prompts PromptBuilder
}

// NewStrategy returns a grading strategy.
func NewStrategy(e engine.Engine, f Fetcher, p PromptBuilder) *Strategy {
	return &Strategy{engine: e, fetcher: f, prompts: p}
}

func (s *Strategy) Kind() models.Kind         { return models.KindGradingTask }
func (s *Strategy) Statuses() fanout.Statuses { return Statuses }

// Decompose builds one prompt per rule. The sub-task id is the rule id.
func (s *Strategy) Decompose(ctx context.Context, parent *store.Record) ([]models.SubTask, error) {
	var task models.GradingTask
	if err := parent.Decode(&task); err != nil {
		return nil, queue.NonRetryable(err)
	}
	if len(task.Rules) == 0 {
		return nil, queue.NonRetryablef("grading task %s has no rules", task.ID)
	}

	var (
		structured bool
		content    string
		entries    []models.QuestionAndAnswer
	)
	switch task.Mode {
	case models.ModeUnstructured, "":
		text, err := s.fetcher.Fetch(ctx, task.SubmissionLink)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			return nil, queue.NonRetryablef("submission %s is empty", task.SubmissionLink)
		}
		content = text
	case models.ModeTableSections:
		text, err := s.fetcher.Fetch(ctx, task.SubmissionLink)
		if err != nil {
			return nil, err
		}
		entries = Sections(text)
		if len(entries) == 0 {
			return nil, queue.NonRetryablef("cannot extract sections from %s", task.SubmissionLink)
		}
		structured = true
	case models.ModeSMResponse:
		if len(task.Submission) == 0 {
			return nil, queue.NonRetryablef("submission is empty")
		}
		entries = task.Submission
		structured = true
	default:
		return nil, queue.NonRetryablef("unknown grading mode %q", task.Mode)
	}

	subs := make([]models.SubTask, 0, len(task.Rules))
	seen := make(map[string]bool, len(task.Rules))
	for _, rule := range task.Rules {
		if seen[rule.ID] {
			return nil, queue.NonRetryablef("duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = true
		prompt, err := s.prompts.Build(structured, PromptData{
			Rule:     rule,
			Content:  content,
			Contents: matching(entries, rule.KeyPattern),
		})
		if err != nil {
			return nil, queue.NonRetryable(fmt.Errorf("prompt for rule %s: %w", rule.ID, err))
		}
		subs = append(subs, models.NewSubTask(task.Key, rule.ID, prompt))
	}
	log.Printf("[grading] %s (%s) produced %d prompts", task.ID, task.Mode, len(subs))
	return subs, nil
}

// Execute asks the engine for the rule's verdict.
func (s *Strategy) Execute(ctx context.Context, sub models.SubTask) (*models.Verdict, error) {
	return s.engine.Evaluate(ctx, sub.Prompt)
}

// Aggregate lists one result per rule, in rule order.
func (s *Strategy) Aggregate(_ context.Context, parent *store.Record, subs []models.SubTask) (map[string]any, error) {
	var task models.GradingTask
	if err := parent.Decode(&task); err != nil {
		return nil, queue.NonRetryable(err)
	}
	byID := make(map[string]models.SubTask, len(subs))
	for _, sub := range subs {
		byID[sub.ID] = sub
	}

	results := make([]models.RuleResult, 0, len(task.Rules))
	for _, rule := range task.Rules {
		sub, ok := byID[rule.ID]
		if !ok || sub.Result == nil {
			return nil, queue.NonRetryable(fmt.Errorf("%w: rule %s", errMissingResult, rule.ID))
		}
		results = append(results, models.RuleResult{Verdict: *sub.Result, RuleID: rule.ID, RuleName: rule.Name})
	}
	return map[string]any{models.FieldResult: results}, nil
}

var errMissingResult = errors.New("no sub-task result")
