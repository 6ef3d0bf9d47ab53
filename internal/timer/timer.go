// Package timer implements durable delayed delivery: a message scheduled
// under a unique execution name is put on its target queue once the delay
// has elapsed, even if the scheduling process dies in between.
package timer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// ErrUnknownTarget is returned when a timer names a queue nobody registered.
var ErrUnknownTarget = errors.New("timer: unknown target queue")

// Entry is one scheduled delivery.
type Entry struct {
	Name    string         `json:"name"`
	Target  string         `json:"target"`
	DueAt   time.Time      `json:"dueAt"`
	Message models.Message `json:"message"`
}

// Targets maps queue names to the senders that deliver into them.
type Targets map[string]queue.Sender

// Deliver puts e's message on its target queue.
func (t Targets) Deliver(ctx context.Context, e Entry) error {
	s, ok := t[e.Target]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, e.Target)
	}
	if err := s.Send(ctx, e.Message, 0); err != nil {
		return fmt.Errorf("deliver %s to %s: %w", e.Name, e.Target, err)
	}
	return nil
}

// Direct uses the target queue's native delay and falls back to another
// scheduler when the queue cannot delay that long.
type Direct struct {
	targets  Targets
	fallback queue.Scheduler
}

// NewDirect returns a scheduler over targets. fallback may be nil.
func NewDirect(targets Targets, fallback queue.Scheduler) *Direct {
	return &Direct{targets: targets, fallback: fallback}
}

func (d *Direct) Schedule(ctx context.Context, name, target string, msg models.Message, delay time.Duration) error {
	s, ok := d.targets[target]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	err := s.Send(ctx, msg, delay)
	if errors.Is(err, queue.ErrDelayUnsupported) && d.fallback != nil {
		return d.fallback.Schedule(ctx, name, target, msg, delay)
	}
	return err
}

var _ queue.Scheduler = (*Direct)(nil)
