// Package feed delivers before/after pairs of document mutations to the
// orchestrator. Delivery is at-least-once and only ordered per document:
// handlers must be idempotent under redelivery.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ShayCichocki/gradeflow/internal/observability"
	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// Event is one change of the feed.
type Event = store.Change

// Handler consumes a batch of events. A returned error makes the source
// redeliver the whole batch.
type Handler func(ctx context.Context, events []Event) error

// Source produces events until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, h Handler) error
}

// DefaultRetryInterval is the pause before a failed batch is redelivered.
const DefaultRetryInterval = time.Second

// EventHandler reacts to one MODIFY event of a given entity kind.
type EventHandler func(ctx context.Context, ev Event) error

// Dispatcher routes MODIFY events to handlers by entity kind.
// Other event types are not relevant to the orchestration and are dropped.
type Dispatcher struct {
	handlers map[models.Kind][]EventHandler
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[models.Kind][]EventHandler)}
}

// On registers h for events about documents of kind k.
func (d *Dispatcher) On(k models.Kind, h EventHandler) {
	d.handlers[k] = append(d.handlers[k], h)
}

// Dispatch is a Handler. Every event is attempted; errors are joined.
func (d *Dispatcher) Dispatch(ctx context.Context, events []Event) error {
	var errs []error
	for _, ev := range events {
		if ev.Type != store.ChangeModify {
			continue
		}
		kind := models.KindOf(ev.Key())
		for _, h := range d.handlers[kind] {
			if err := d.dispatchOne(ctx, kind, ev, h); err != nil {
				log.Printf("[feed] handler failed kind=%s key=%s: %v", kind, ev.Key(), err)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, kind models.Kind, ev Event, h EventHandler) (err error) {
	ctx, span := observability.StartSpan(ctx, "feed.dispatch",
		attribute.String("kind", string(kind)),
		attribute.String("key", ev.Key().Composite()),
	)
	defer func() { observability.EndSpan(span, err) }()
	return h(ctx, ev)
}

// Images decodes the before and after images of ev into T.
// A missing image decodes to the zero value.
func Images[T any](ev Event) (before, after T, err error) {
	if ev.Before != nil {
		if err = json.Unmarshal(ev.Before.Body, &before); err != nil {
			return before, after, fmt.Errorf("decode old image: %w", err)
		}
	}
	if ev.After != nil {
		if err = json.Unmarshal(ev.After.Body, &after); err != nil {
			return before, after, fmt.Errorf("decode new image: %w", err)
		}
	}
	return before, after, nil
}

// CounterReached is the edge-triggered completion test: it holds only for the
// modification that moved executed onto a non-zero total.
// Replaying the same pair is harmless because the first clause is then false.
func CounterReached(before, after models.Progress) bool {
	if after.ExecutedSubTasksCount == nil || after.TotalSubTasksCount == nil {
		return false
	}
	executed, total := *after.ExecutedSubTasksCount, *after.TotalSubTasksCount
	changed := before.ExecutedSubTasksCount == nil || *before.ExecutedSubTasksCount != executed
	return changed && executed == total && total != 0
}

// StatusChanged reports whether the status field differs between the images,
// and the new value.
func StatusChanged(before, after models.Parent) (string, bool) {
	if before.Status == after.Status {
		return "", false
	}
	return after.Status, true
}
