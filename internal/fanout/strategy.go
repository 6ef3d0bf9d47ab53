// Package fanout is the generic fan-out/fan-in orchestrator.
//
// A parent document is decomposed into sub-tasks, each sub-task is executed
// from its own queue message, and every terminal sub-task outcome increments
// the parent's executed counter exactly once. The change that moves the
// counter onto the total triggers aggregation, which ends with a conditional
// transition of the parent to its done status.
//
// Business variants plug in through Strategy.
package fanout

import (
	"context"
	"strings"

	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// Statuses are the parent statuses the coordinator reads and writes.
// Ready and Running may be equal; the counters tell them apart.
type Statuses struct {
	// Ready is required before decomposition.
	Ready string
	// Running is set together with the counters.
	Running string
	// Done is set by a successful aggregation.
	Done string
	// Failed is set when decomposition or aggregation gives up.
	Failed string
}

// Strategy supplies the business semantics of one kind of parent.
type Strategy interface {
	// Kind is the entity kind of the parents this strategy handles.
	Kind() models.Kind
	Statuses() Statuses
	// Decompose returns the sub-tasks of parent. It must be deterministic:
	// the same parent always yields the same sub-task ids.
	Decompose(ctx context.Context, parent *store.Record) ([]models.SubTask, error)
	// Execute produces the verdict of one sub-task.
	Execute(ctx context.Context, sub models.SubTask) (*models.Verdict, error)
	// Aggregate computes the fields written to the parent when it completes.
	// Every sub-task passed in has a result; missing ones are synthesized as
	// Unknown verdicts. A non-retryable error fails the parent.
	Aggregate(ctx context.Context, parent *store.Record, subs []models.SubTask) (map[string]any, error)
}

// UnknownVerdict is the result recorded for a sub-task that failed.
func UnknownVerdict(errs []string) *models.Verdict {
	return &models.Verdict{
		Result:     models.VerdictUnknown,
		Confidence: 1,
		Reasoning:  "Encountered error while grading this sub-task",
		Feedback:   strings.Join(errs, "\n"),
	}
}
