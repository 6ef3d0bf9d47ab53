// Package notify delivers terminal status notifications to the callback URL
// of a parent, optionally after a configurable delay.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// Request describes one notification to schedule.
type Request struct {
	// ID is the parent id; it names the timer.
	ID           string
	Notification models.Notification
	// Score is compared against NoDelayIfScoreAbove.
	Score               *float64
	NoDelayIfScoreAbove *float64
	// ForceNoDelay sends immediately.
	ForceNoDelay bool
}

// Delay returns the pause before r is delivered given the configured default.
func Delay(def time.Duration, r Request) time.Duration {
	if r.ForceNoDelay {
		return 0
	}
	if r.Score != nil && r.NoDelayIfScoreAbove != nil && *r.Score >= *r.NoDelayIfScoreAbove {
		return 0
	}
	return def
}

// Name is the deterministic timer name of a notification, so that the same
// status is never scheduled twice for a parent.
func Name(id string, status models.NotificationStatus) string {
	return id + "_notification_" + string(status)
}

// Record marks a notification as handed to the queue or the timer service.
type Record struct {
	models.Key
	Name     string                    `json:"name"`
	ParentID string                    `json:"parentId"`
	Status   models.NotificationStatus `json:"status"`
	QueuedAt time.Time                 `json:"queuedAt"`
}

// Scheduler enqueues send-notification messages, directly or through a
// durable timer.
type Scheduler struct {
	queue   queue.Sender
	timers  queue.Scheduler
	target  string
	delay   func() time.Duration
	records store.Store
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRecords keeps a Record per scheduled notification in s, so a status
// change that is delivered again is not notified twice.
func WithRecords(s store.Store) SchedulerOption {
	return func(sc *Scheduler) { sc.records = s }
}

// NewScheduler returns a scheduler sending to q (named target for the timer
// service). delay is read on every call so live configuration applies.
func NewScheduler(q queue.Sender, timers queue.Scheduler, target string, delay func() time.Duration, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{queue: q, timers: timers, target: target, delay: delay}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule arranges delivery of r.
func (s *Scheduler) Schedule(ctx context.Context, r Request) error {
	if strings.TrimSpace(r.Notification.CallbackURL) == "" {
		log.Printf("[notify] %s has no callback url, skipping %s", r.ID, r.Notification.Payload.Status)
		return nil
	}
	n := r.Notification
	name := Name(r.ID, n.Payload.Status)
	if done, err := s.scheduled(ctx, name); err != nil || done {
		return err
	}

	var def time.Duration
	if s.delay != nil {
		def = s.delay()
	}
	d := Delay(def, r)

	msg := models.NewMessage(models.MessageSendNotification)
	msg.Notification = &n

	if d <= 0 {
		if err := s.queue.Send(ctx, msg, 0); err != nil {
			return fmt.Errorf("enqueue notification for %s: %w", r.ID, err)
		}
		log.Printf("[notify] queued %s notification for %s", n.Payload.Status, r.ID)
	} else {
		if err := s.timers.Schedule(ctx, name, s.target, msg, d); err != nil {
			return fmt.Errorf("schedule notification for %s: %w", r.ID, err)
		}
		log.Printf("[notify] scheduled %s notification for %s in %s", n.Payload.Status, r.ID, d)
	}
	s.record(ctx, name, r)
	return nil
}

func (s *Scheduler) scheduled(ctx context.Context, name string) (bool, error) {
	if s.records == nil {
		return false, nil
	}
	rec, err := s.records.Get(ctx, models.NotificationKey(name))
	if err != nil {
		return false, fmt.Errorf("look up notification %s: %w", name, err)
	}
	if rec != nil {
		log.Printf("[notify] %s already scheduled, skipping", name)
		return true, nil
	}
	return false, nil
}

// record is best effort: the notification is already on its way, and failing
// here would only make the caller schedule it again.
func (s *Scheduler) record(ctx context.Context, name string, r Request) {
	if s.records == nil {
		return
	}
	err := store.PutNewDocs(ctx, s.records, Record{
		Key:      models.NotificationKey(name),
		Name:     name,
		ParentID: r.ID,
		Status:   r.Notification.Payload.Status,
		QueuedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[notify] failed to record %s: %v", name, err)
	}
}
