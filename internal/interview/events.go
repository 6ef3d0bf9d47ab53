package interview

import (
	"context"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ShayCichocki/gradeflow/internal/feed"
	"github.com/ShayCichocki/gradeflow/internal/notify"
	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// Notifier schedules outbound status notifications.
type Notifier interface {
	Schedule(ctx context.Context, r notify.Request) error
}

// ExpirationConfig controls when a started session is force-completed.
type ExpirationConfig struct {
	// DefaultDuration, in minutes, applies to sessions without a limit.
	DefaultDuration int
	// Multiplier stretches the limit of sessions that are not timeboxed.
	Multiplier float64
}

// ExpirationDelay returns how long after start a session is checked for
// expiration. Timeboxed sessions get one extra minute so the client can
// finish on its own first.
func ExpirationDelay(sess models.Session, cfg ExpirationConfig) time.Duration {
	minutes := sess.DurationLimit
	if minutes <= 0 {
		minutes = cfg.DefaultDuration
	}
	seconds := float64(minutes * 60)
	if sess.IsTimeboxed {
		seconds += 60
	} else if cfg.Multiplier > 0 {
		seconds *= cfg.Multiplier
	}
	return time.Duration(seconds * float64(time.Second))
}

// Events reacts to session status changes.
type Events struct {
	tasks    queue.Sender
	timers   queue.Scheduler
	target   string
	notifier Notifier
	cfg      func() ExpirationConfig
}

// NewEvents returns the session change handlers. Plan messages go to tasks;
// expiration checks are scheduled on timers towards the queue named target.
func NewEvents(tasks queue.Sender, timers queue.Scheduler, target string, n Notifier, cfg func() ExpirationConfig) *Events {
	return &Events{tasks: tasks, timers: timers, target: target, notifier: n, cfg: cfg}
}

// Register subscribes the handlers to d.
func (e *Events) Register(d *feed.Dispatcher) {
	d.On(models.KindSession, e.Handle)
}

// Handle dispatches on the new status of a session.
func (e *Events) Handle(ctx context.Context, ev feed.Event) error {
	before, after, err := feed.Images[models.Session](ev)
	if err != nil {
		return err
	}
	if before.Status == after.Status {
		return nil
	}
	switch after.Status {
	case models.SessionStarted:
		return e.onStarted(ctx, after)
	case models.SessionCompleted:
		return e.onCompleted(ctx, after)
	case models.SessionGraded:
		return e.onGraded(ctx, after)
	}
	return nil
}

func (e *Events) onStarted(ctx context.Context, sess models.Session) error {
	var cfg ExpirationConfig
	if e.cfg != nil {
		cfg = e.cfg()
	}
	delay := ExpirationDelay(sess, cfg)
	msg := models.NewMessage(models.MessageCheckSessionExpiration)
	msg.SessionID = sess.ID
	log.Printf("[interview] session %s started, checking expiration in %s", sess.ID, delay)
	return e.timers.Schedule(ctx, sess.ID+"_sessionEndCheck", e.target, msg, delay)
}

func (e *Events) onCompleted(ctx context.Context, sess models.Session) error {
	if sess.Abandoned() {
		log.Printf("[interview] session %s abandoned, rejecting", sess.ID)
		return e.notifier.Schedule(ctx, rejected(sess, "Session is abandoned"))
	}
	if err := e.tasks.Send(ctx, models.PlanMessage(sess.Key), 0); err != nil {
		return err
	}
	req := request(sess, models.NotificationCompleted)
	req.ForceNoDelay = true
	return e.notifier.Schedule(ctx, req)
}

func (e *Events) onGraded(ctx context.Context, sess models.Session) error {
	if sess.Error != "" {
		return e.notifier.Schedule(ctx, rejected(sess, sess.Error))
	}
	req := request(sess, models.NotificationGraded)
	req.Score = sess.Score()
	req.NoDelayIfScoreAbove = sess.NoDelayIfScoreAbove
	req.ForceNoDelay = sess.ForceNoDelay
	if sess.Grading != nil {
		req.Notification.Payload.Summary = sess.Grading.Summary
	}
	if score := sess.Score(); score != nil {
		req.Notification.Payload.Score = FormatScore(*score)
	}
	return e.notifier.Schedule(ctx, req)
}

// FormatScore renders a 0-10 score as the 0-100 integer string callers expect.
func FormatScore(score float64) string {
	return strconv.Itoa(int(math.Round(score * 10)))
}

func assessmentID(sess models.Session) string {
	if sess.ExternalOrderID != "" {
		return sess.ExternalOrderID
	}
	return sess.ID
}

func request(sess models.Session, status models.NotificationStatus) notify.Request {
	return notify.Request{
		ID: sess.ID,
		Notification: models.Notification{
			CallbackURL: sess.CallbackURL,
			Method:      http.MethodPut,
			Payload: models.NotificationPayload{
				Status:       status,
				AssessmentID: assessmentID(sess),
			},
		},
	}
}

func rejected(sess models.Session, summary string) notify.Request {
	req := request(sess, models.NotificationRejected)
	req.ForceNoDelay = true
	req.Notification.Payload.Summary = summary
	return req
}
