package grading

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// ErrInvalidOrder is returned for orders that can never be graded.
var ErrInvalidOrder = errors.New("invalid grading order")

// OrderRequest asks for one submission to be graded.
type OrderRequest struct {
	Mode                    models.GradingMode         `json:"mode" yaml:"mode"`
	Rules                   []models.Rule              `json:"rules,omitempty" yaml:"rules"`
	ApplicationStepID       string                     `json:"applicationStepId,omitempty" yaml:"applicationStepId"`
	ApplicationStepResultID string                     `json:"applicationStepResultId,omitempty" yaml:"applicationStepResultId"`
	SubmissionLink          string                     `json:"submissionLink,omitempty" yaml:"submissionLink"`
	Submission              []models.QuestionAndAnswer `json:"submission,omitempty" yaml:"submission"`
	CallbackURL             string                     `json:"callbackUrl,omitempty" yaml:"callbackUrl"`
	ForceNoDelay            bool                       `json:"forceNoDelay,omitempty" yaml:"forceNoDelay"`
}

// BatchRequest asks for several submissions graded and reported together.
type BatchRequest struct {
	Data   models.BatchData `json:"data" yaml:"data"`
	Orders []OrderRequest   `json:"orders" yaml:"orders"`
}

// Service creates grading tasks and reads them back.
type Service struct {
	store store.Store
	tasks queue.Sender
	rules RuleSource
}

// NewService returns a service. rules may be nil when every order carries
// its own rules.
func NewService(s store.Store, tasks queue.Sender, rules RuleSource) *Service {
	return &Service{store: s, tasks: tasks, rules: rules}
}

func (s *Service) newTask(ctx context.Context, req OrderRequest) (*models.GradingTask, error) {
	if req.Mode != "" && !req.Mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidOrder, req.Mode)
	}
	rules := req.Rules
	if len(rules) == 0 && s.rules != nil && req.ApplicationStepID != "" {
		var err error
		if rules, err = s.rules.Rules(ctx, req.ApplicationStepID); err != nil {
			return nil, fmt.Errorf("load rules for %s: %w", req.ApplicationStepID, err)
		}
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: no grading rules", ErrInvalidOrder)
	}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if strings.TrimSpace(r.ID) == "" || seen[r.ID] {
			return nil, fmt.Errorf("%w: rule ids must be unique and non-empty", ErrInvalidOrder)
		}
		seen[r.ID] = true
	}

	task := models.NewGradingTask(req.Mode, rules)
	switch task.Mode {
	case models.ModeSMResponse:
		if len(req.Submission) == 0 {
			return nil, fmt.Errorf("%w: %s needs a submission", ErrInvalidOrder, task.Mode)
		}
	default:
		if req.SubmissionLink == "" {
			return nil, fmt.Errorf("%w: %s needs a submission link", ErrInvalidOrder, task.Mode)
		}
	}
	task.ApplicationStepID = req.ApplicationStepID
	task.ApplicationStepResultID = req.ApplicationStepResultID
	task.SubmissionLink = req.SubmissionLink
	task.Submission = req.Submission
	task.CallbackURL = req.CallbackURL
	task.ForceNoDelay = req.ForceNoDelay
	return task, nil
}

// Order stores a pending grading task and asks for its decomposition.
func (s *Service) Order(ctx context.Context, req OrderRequest) (*models.GradingTask, error) {
	task, err := s.newTask(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := store.PutDocs(ctx, s.store, task); err != nil {
		return nil, fmt.Errorf("store grading task: %w", err)
	}
	if err := s.tasks.Send(ctx, models.PlanMessage(task.Key), 0); err != nil {
		return nil, fmt.Errorf("enqueue grading task %s: %w", task.ID, err)
	}
	log.Printf("[grading] ordered %s (%s, %d rules)", task.ID, task.Mode, len(task.Rules))
	return task, nil
}

// OrderBatch stores a batch and its tasks, then plans every task.
// Either all orders are valid or nothing is stored.
func (s *Service) OrderBatch(ctx context.Context, req BatchRequest) (*models.Batch, []*models.GradingTask, error) {
	if len(req.Orders) == 0 {
		return nil, nil, fmt.Errorf("%w: empty batch", ErrInvalidOrder)
	}
	batch := models.NewBatch(len(req.Orders), req.Data)
	tasks := make([]*models.GradingTask, 0, len(req.Orders))
	docs := []any{batch}
	for i, o := range req.Orders {
		task, err := s.newTask(ctx, o)
		if err != nil {
			return nil, nil, fmt.Errorf("order %d: %w", i, err)
		}
		task.BatchID = batch.ID
		batch.TaskIDs = append(batch.TaskIDs, task.ID)
		tasks = append(tasks, task)
		docs = append(docs, task)
	}
	if err := store.PutDocs(ctx, s.store, docs...); err != nil {
		return nil, nil, fmt.Errorf("store batch: %w", err)
	}

	msgs := make([]models.Message, len(tasks))
	for i, t := range tasks {
		msgs[i] = models.PlanMessage(t.Key)
	}
	if err := queue.SendAll(ctx, s.tasks, msgs); err != nil {
		return nil, nil, fmt.Errorf("enqueue batch %s: %w", batch.ID, err)
	}
	log.Printf("[grading] ordered batch %s with %d tasks", batch.ID, len(tasks))
	return batch, tasks, nil
}

// Task returns a grading task and its sub-tasks.
func (s *Service) Task(ctx context.Context, id string) (*models.GradingTask, []models.SubTask, error) {
	task, err := store.GetAs[models.GradingTask](ctx, s.store, models.GradingTaskKey(id))
	if err != nil {
		return nil, nil, err
	}
	subs, err := store.QueryAs[models.SubTask](ctx, s.store, task.PK, models.SubTaskPrefix(task.Key))
	if err != nil {
		return nil, nil, err
	}
	return task, subs, nil
}

// Batch returns a batch by id.
func (s *Service) Batch(ctx context.Context, id string) (*models.Batch, error) {
	return store.GetAs[models.Batch](ctx, s.store, models.BatchKey(id))
}

// BatchTasks loads the member tasks of batch, in order.
func BatchTasks(ctx context.Context, r store.Reader, batch models.Batch) ([]models.GradingTask, error) {
	out := make([]models.GradingTask, 0, len(batch.TaskIDs))
	for _, id := range batch.TaskIDs {
		t, err := store.GetAs[models.GradingTask](ctx, r, models.GradingTaskKey(id))
		if err != nil {
			return nil, fmt.Errorf("task %s of batch %s: %w", id, batch.ID, err)
		}
		out = append(out, *t)
	}
	return out, nil
}
