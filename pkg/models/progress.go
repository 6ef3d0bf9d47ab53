package models

// Progress tracks sub-task execution for a parent.
// Both counters stay nil until decomposition completes.
type Progress struct {
	// TotalSubTasksCount is the number of sub-tasks produced by decomposition.
	TotalSubTasksCount *int `json:"totalSubTasksCount,omitempty"`
	// ExecutedSubTasksCount is incremented once per sub-task terminal outcome.
	ExecutedSubTasksCount *int `json:"executedSubTasksCount,omitempty"`
}

// Total returns the total counter or 0 when unset.
func (p Progress) Total() int {
	if p.TotalSubTasksCount == nil {
		return 0
	}
	return *p.TotalSubTasksCount
}

// Executed returns the executed counter or 0 when unset.
func (p Progress) Executed() int {
	if p.ExecutedSubTasksCount == nil {
		return 0
	}
	return *p.ExecutedSubTasksCount
}

// Started reports whether decomposition has initialised the counters.
func (p Progress) Started() bool {
	return p.TotalSubTasksCount != nil && p.ExecutedSubTasksCount != nil
}

// Parent is the part of a parent document the fan-out machinery reads.
// GradingTask and Session both decode into it.
type Parent struct {
	Key
	ID     string `json:"id"`
	Status string `json:"status"`
	Progress
	// BatchID links the parent to a second-level aggregation counter.
	BatchID string   `json:"batchId,omitempty"`
	Error   string   `json:"error,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// Field names shared by every parent document.
const (
	FieldStatus         = "status"
	FieldTotal          = "totalSubTasksCount"
	FieldExecuted       = "executedSubTasksCount"
	FieldError          = "error"
	FieldErrors         = "errors"
	FieldResult         = "result"
	FieldOutcome        = "outcome"
	FieldModifiedAt     = "modifiedAt"
	FieldTasksCompleted = "tasksCompleted"
)

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
