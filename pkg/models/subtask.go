package models

import "time"

// Outcome records how a sub-task terminated.
type Outcome string

const (
	// OutcomeSucceeded means the sub-task produced a result.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed means the sub-task gave up after a non-retryable or final error.
	OutcomeFailed Outcome = "failed"
)

// VerdictUnknown is the result synthesized for sub-tasks that never produced one.
const VerdictUnknown = "Unknown"

// Prompt is the input handed to the reasoning engine.
type Prompt struct {
	System string `json:"system"`
	User   string `json:"user"`
	// Model optionally overrides the engine's default model.
	Model string `json:"model,omitempty"`
}

// Empty reports whether the prompt carries no user content.
func (p Prompt) Empty() bool {
	return p.User == ""
}

// Verdict is the structured answer of the reasoning engine for one sub-task.
type Verdict struct {
	// Result is the categorical outcome (Pass, Fail, Unknown, ...).
	Result string `json:"result"`
	// Confidence is the engine's confidence in [0, 1].
	Confidence float64 `json:"confidence"`
	// Reasoning explains the result.
	Reasoning string `json:"reasoning"`
	// Feedback is candidate-facing text.
	Feedback string `json:"feedback,omitempty"`
	// Score is an optional numeric grade in [0, 10].
	Score *float64 `json:"score,omitempty"`
}

// SubTask is the smallest independently executable unit of grading work.
type SubTask struct {
	Key
	// ID is stable across re-decomposition (the related rule or question id).
	ID string `json:"id"`
	// ParentKey locates the parent counter. It is a weak reference.
	ParentKey Key `json:"parentKey"`
	// RelatedID names the entity the sub-task was derived from.
	RelatedID string `json:"relatedId,omitempty"`
	// Prompt is the per-sub-task input payload.
	Prompt Prompt `json:"prompt"`
	// Result stays nil until the sub-task succeeds.
	Result *Verdict `json:"result,omitempty"`
	// Outcome is set exactly once, by whoever records the terminal outcome.
	Outcome Outcome `json:"outcome,omitempty"`
	// Errors accumulates every failed attempt, oldest first, with a timestamp prefix.
	Errors     []string   `json:"errors,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ModifiedAt *time.Time `json:"modifiedAt,omitempty"`
}

// NewSubTask builds a child of parent with the given stable id.
func NewSubTask(parent Key, id string, prompt Prompt) SubTask {
	return SubTask{
		Key:       SubTaskKey(parent, id),
		ID:        id,
		ParentKey: parent,
		RelatedID: id,
		Prompt:    prompt,
		CreatedAt: time.Now().UTC(),
	}
}

// Terminal reports whether the sub-task already has a recorded outcome.
func (s SubTask) Terminal() bool {
	return s.Outcome != ""
}

// FormatError renders an audit-trail entry for err at t.
func FormatError(t time.Time, msg string) string {
	return t.UTC().Format(time.RFC3339) + ": " + msg
}
