package models

import (
	"time"

	"github.com/google/uuid"
)

// Batch groups grading tasks so that their completion can be reported together.
// TasksCompleted is driven by task terminal transitions, one level above sub-tasks.
type Batch struct {
	Key
	ID             string    `json:"id"`
	TasksCount     int       `json:"tasksCount"`
	TasksCompleted int       `json:"tasksCompleted"`
	// TaskIDs lists the member tasks, so they are read by key.
	TaskIDs        []string  `json:"taskIds"`
	Data           BatchData `json:"data"`
	// ReportLocation is set once the batch report has been stored.
	ReportLocation string    `json:"reportLocation,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// BatchData is free-form metadata carried into the batch report.
type BatchData struct {
	ApplicationStepID string `json:"applicationStepId,omitempty" yaml:"applicationStepId"`
	RecipientEmail    string `json:"recipientEmail,omitempty" yaml:"recipientEmail"`
	Notes             string `json:"notes,omitempty" yaml:"notes"`
}

// NewBatch creates a batch expecting count tasks.
func NewBatch(count int, data BatchData) *Batch {
	id := uuid.NewString()
	return &Batch{
		Key:        BatchKey(id),
		ID:         id,
		TasksCount: count,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}
}

// Done reports whether every task of the batch reached a terminal state.
func (b Batch) Done() bool {
	return b.TasksCount != 0 && b.TasksCompleted == b.TasksCount
}
