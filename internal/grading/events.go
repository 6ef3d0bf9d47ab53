package grading

import (
	"context"
	"log"
	"net/http"

	"github.com/ShayCichocki/gradeflow/internal/feed"
	"github.com/ShayCichocki/gradeflow/internal/notify"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// Notifier schedules outbound status notifications.
type Notifier interface {
	Schedule(ctx context.Context, r notify.Request) error
}

// Reporter produces the report of a completed batch.
type Reporter interface {
	Report(ctx context.Context, batch models.Batch) error
}

// Events reacts to grading task and batch changes.
type Events struct {
	notifier Notifier
	reports  Reporter
}

// NewEvents returns the change handlers. reports may be nil.
func NewEvents(n Notifier, reports Reporter) *Events {
	return &Events{notifier: n, reports: reports}
}

// Register subscribes the handlers to d.
func (e *Events) Register(d *feed.Dispatcher) {
	d.On(models.KindGradingTask, e.HandleTask)
	d.On(models.KindBatch, e.HandleBatch)
}

// HandleTask notifies the callback when a task reaches done or error.
// Errors go out without delay.
func (e *Events) HandleTask(ctx context.Context, ev feed.Event) error {
	before, after, err := feed.Images[models.GradingTask](ev)
	if err != nil {
		return err
	}
	if before.Status == after.Status {
		return nil
	}

	var req notify.Request
	switch after.Status {
	case models.TaskStatusDone:
		req = TaskNotification(after, models.NotificationGraded)
		req.ForceNoDelay = after.ForceNoDelay
	case models.TaskStatusError:
		req = TaskNotification(after, models.NotificationError)
		req.ForceNoDelay = true
	default:
		return nil
	}
	log.Printf("[grading] %s is %s, notifying", after.ID, after.Status)
	return e.notifier.Schedule(ctx, req)
}

// TaskNotification builds the callback request for task.
func TaskNotification(task models.GradingTask, status models.NotificationStatus) notify.Request {
	return notify.Request{
		ID: task.ID,
		Notification: models.Notification{
			CallbackURL: task.CallbackURL,
			Method:      http.MethodPost,
			Payload: models.NotificationPayload{
				Status:       status,
				AssessmentID: task.ApplicationStepResultID,
				Error:        task.Error,
				Results:      task.Results,
			},
		},
	}
}

// HandleBatch reports a batch once its last task finished.
func (e *Events) HandleBatch(ctx context.Context, ev feed.Event) error {
	before, after, err := feed.Images[models.Batch](ev)
	if err != nil {
		return err
	}
	if before.Done() || !after.Done() || e.reports == nil {
		return nil
	}
	log.Printf("[grading] batch %s completed %d/%d", after.ID, after.TasksCompleted, after.TasksCount)
	return e.reports.Report(ctx, after)
}
