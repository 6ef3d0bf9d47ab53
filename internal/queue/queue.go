// Package queue is the at-least-once work queue the orchestrator is built on.
//
// Messages are models.Message envelopes. A Consumer receives them in batches,
// dispatches each by type and applies the retry policy: non-retryable errors
// stop immediately, retryable ones are rescheduled through a Scheduler with
// their retry counter incremented, and messages that exhaust their retries are
// dead-lettered.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// MaxBatchSend is the largest number of messages sent in one request.
const MaxBatchSend = 10

// ErrDelayUnsupported is returned by backends that cannot delay delivery natively.
var ErrDelayUnsupported = errors.New("queue: delayed delivery not supported")

// NonRetryableError marks a failure that must not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return "non-retryable: " + e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps err so that the consumer stops retrying it.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// NonRetryablef formats a non-retryable error.
func NonRetryablef(format string, args ...any) error {
	return NonRetryable(fmt.Errorf(format, args...))
}

// IsNonRetryable reports whether err or anything it wraps is non-retryable.
func IsNonRetryable(err error) bool {
	var nr *NonRetryableError
	return errors.As(err, &nr)
}

// Sender enqueues messages.
type Sender interface {
	// Send enqueues msg, visible after delay.
	Send(ctx context.Context, msg models.Message, delay time.Duration) error
}

// BatchSender enqueues several messages per request.
type BatchSender interface {
	SendBatch(ctx context.Context, msgs []models.Message) error
}

// SendAll enqueues msgs without delay, in chunks of MaxBatchSend when s
// supports batching.
func SendAll(ctx context.Context, s Sender, msgs []models.Message) error {
	bs, ok := s.(BatchSender)
	if !ok {
		for _, m := range msgs {
			if err := s.Send(ctx, m, 0); err != nil {
				return err
			}
		}
		return nil
	}
	for start := 0; start < len(msgs); start += MaxBatchSend {
		end := min(start+MaxBatchSend, len(msgs))
		if err := bs.SendBatch(ctx, msgs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// Delivery is a received message awaiting acknowledgement.
type Delivery struct {
	Message models.Message
	// Receipt identifies the delivery to the backend.
	Receipt string
	// raw carries backend state needed to settle the delivery.
	raw any
}

// Receiver receives and settles deliveries.
type Receiver interface {
	// Receive returns up to max deliveries; it may return none after a wait.
	Receive(ctx context.Context, max int) ([]Delivery, error)
	// Ack removes a processed delivery.
	Ack(ctx context.Context, d Delivery) error
	// Release makes a delivery available again after a short pause.
	Release(ctx context.Context, d Delivery) error
	// DeadLetter moves a delivery to the dead-letter destination.
	DeadLetter(ctx context.Context, d Delivery, cause error) error
}

// Flusher is implemented by receivers that settle deliveries lazily.
// The consumer calls Flush once every delivery of a batch is settled.
type Flusher interface {
	Flush(ctx context.Context) error
}

// DeadLetter is a message that exhausted its retries.
type DeadLetter struct {
	Message models.Message
	Cause   string
	At      time.Time
}

// DeadLetterLister is implemented by backends whose dead letters can be listed.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// Scheduler re-injects msg into the target queue after delay. The execution
// name is unique per scheduling; scheduling the same name twice is a no-op.
type Scheduler interface {
	Schedule(ctx context.Context, executionName, target string, msg models.Message, delay time.Duration) error
}
