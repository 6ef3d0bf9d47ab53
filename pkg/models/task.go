package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a grading task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been decomposed yet.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates sub-tasks are executing.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusDone indicates the results have been aggregated.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusError indicates the task failed before or during aggregation.
	TaskStatusError TaskStatus = "error"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusDone, TaskStatusError:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses with no outgoing transition.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusError
}

// GradingMode selects how a submission is turned into sub-tasks.
type GradingMode string

const (
	// ModeUnstructured grades a free-form document against every rule.
	ModeUnstructured GradingMode = "unstructured"
	// ModeTableSections grades a document split into table sections.
	ModeTableSections GradingMode = "table-sections"
	// ModeSMResponse grades question/answer pairs matched to rules by key pattern.
	ModeSMResponse GradingMode = "sm-response"
)

// DefaultGradingMode is used when an order does not specify one.
const DefaultGradingMode = ModeUnstructured

// Valid returns true if the mode is a known value.
func (m GradingMode) Valid() bool {
	switch m {
	case ModeUnstructured, ModeTableSections, ModeSMResponse:
		return true
	default:
		return false
	}
}

// Rule is a single grading criterion supplied by the rule source.
type Rule struct {
	ID              string `json:"id" yaml:"id"`
	Name            string `json:"name" yaml:"name"`
	ApplicationStep string `json:"applicationStepId,omitempty" yaml:"applicationStepId"`
	Rule            string `json:"rule" yaml:"rule"`
	PassExamples    string `json:"passExamples,omitempty" yaml:"passExamples"`
	FailExamples    string `json:"failExamples,omitempty" yaml:"failExamples"`
	// KeyPattern restricts the rule to answers whose question matches it (sm-response mode).
	KeyPattern  string `json:"keyPattern,omitempty" yaml:"keyPattern"`
	ContentType string `json:"contentType,omitempty" yaml:"contentType"`
	Model       string `json:"model,omitempty" yaml:"model"`
}

// QuestionAndAnswer is one entry of a structured submission.
type QuestionAndAnswer struct {
	Question string `json:"question" yaml:"question"`
	Answer   string `json:"answer" yaml:"answer"`
}

// RuleResult is the aggregated verdict for one rule.
type RuleResult struct {
	Verdict
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
}

// GradingTask is the parent of one submission grading.
type GradingTask struct {
	Key
	ID     string     `json:"id"`
	Status TaskStatus `json:"status"`
	Progress
	Mode                    GradingMode         `json:"mode"`
	Rules                   []Rule              `json:"rules"`
	SubmissionLink          string              `json:"submissionLink,omitempty"`
	Submission              []QuestionAndAnswer `json:"submission,omitempty"`
	ApplicationStepID       string              `json:"applicationStepId,omitempty"`
	ApplicationStepResultID string              `json:"applicationStepResultId,omitempty"`
	BatchID                 string              `json:"batchId,omitempty"`
	// Results is populated only after every sub-task finished.
	Results []RuleResult `json:"result,omitempty"`
	Error   string       `json:"error,omitempty"`
	Errors  []string     `json:"errors,omitempty"`
	// CallbackURL receives the terminal status notification.
	CallbackURL string `json:"callbackUrl,omitempty"`
	// ForceNoDelay sends the notification without the configured delay.
	ForceNoDelay bool      `json:"forceNoDelay,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewGradingTask creates a pending grading task with a fresh id.
func NewGradingTask(mode GradingMode, rules []Rule) *GradingTask {
	if mode == "" {
		mode = DefaultGradingMode
	}
	id := uuid.NewString()
	return &GradingTask{
		Key:       GradingTaskKey(id),
		ID:        id,
		Status:    TaskStatusPending,
		Mode:      mode,
		Rules:     rules,
		CreatedAt: time.Now().UTC(),
	}
}

// RuleByID returns the rule with the given id, or nil.
func (t *GradingTask) RuleByID(id string) *Rule {
	for i := range t.Rules {
		if t.Rules[i].ID == id {
			return &t.Rules[i]
		}
	}
	return nil
}
