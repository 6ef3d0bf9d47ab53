package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/gradeflow/internal/observability"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// HandlerFunc processes one message.
type HandlerFunc func(ctx context.Context, msg models.Message) error

type route struct {
	handler HandlerFunc
	policy  Policy
}

// Attempt describes the delivery being handled.
type Attempt struct {
	Retries    int
	MaxRetries int
}

// Final reports whether a failure of this attempt exhausts the retries.
func (a Attempt) Final() bool {
	return a.Retries >= a.MaxRetries
}

type attemptKey struct{}

// WithAttempt returns ctx carrying a.
func WithAttempt(ctx context.Context, a Attempt) context.Context {
	return context.WithValue(ctx, attemptKey{}, a)
}

// AttemptFrom returns the attempt the consumer stored in ctx.
func AttemptFrom(ctx context.Context) (Attempt, bool) {
	a, ok := ctx.Value(attemptKey{}).(Attempt)
	return a, ok
}

// Consumer receives batches from one queue and dispatches them by message type.
type Consumer struct {
	name        string
	receiver    Receiver
	scheduler   Scheduler
	routes      map[models.MessageType]route
	batchSize   int
	concurrency int
	now         func() time.Time
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithBatchSize sets the number of messages received at once.
func WithBatchSize(n int) ConsumerOption {
	return func(c *Consumer) { c.batchSize = n }
}

// WithConcurrency bounds the messages of a batch processed in parallel.
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) { c.concurrency = n }
}

// WithClock overrides the time source used for error timestamps.
func WithClock(now func() time.Time) ConsumerOption {
	return func(c *Consumer) { c.now = now }
}

// NewConsumer returns a consumer of the queue called name. Retries are
// rescheduled through s back into name.
func NewConsumer(name string, r Receiver, s Scheduler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		name:        name,
		receiver:    r,
		scheduler:   s,
		routes:      make(map[models.MessageType]route),
		batchSize:   MaxBatchSend,
		concurrency: MaxBatchSend,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle registers h for messages of type t.
func (c *Consumer) Handle(t models.MessageType, p Policy, h HandlerFunc) {
	c.routes[t] = route{handler: h, policy: p}
}

// Run receives and processes batches until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	log.Printf("[queue] consumer %s started", c.name)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		deliveries, err := c.receiver.Receive(ctx, c.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[queue] %s receive failed: %v", c.name, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if len(deliveries) > 0 {
			c.ProcessBatch(ctx, deliveries)
		}
	}
}

// ProcessBatch handles deliveries in parallel and returns the ones that were
// dead-lettered (the batch item failures). A failing message never blocks
// its siblings.
func (c *Consumer) ProcessBatch(ctx context.Context, deliveries []Delivery) []Delivery {
	var (
		mu       sync.Mutex
		failures []Delivery
		g        errgroup.Group
	)
	g.SetLimit(max(c.concurrency, 1))
	for _, d := range deliveries {
		g.Go(func() error {
			if c.settle(ctx, d) {
				mu.Lock()
				failures = append(failures, d)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if f, ok := c.receiver.(Flusher); ok {
		if err := f.Flush(ctx); err != nil {
			log.Printf("[queue] %s flush failed: %v", c.name, err)
		}
	}
	return failures
}

// settle runs the handler for d and applies the retry policy.
// It returns true when d was dead-lettered.
func (c *Consumer) settle(ctx context.Context, d Delivery) bool {
	msg := d.Message
	r, ok := c.routes[msg.Type]
	if !ok {
		err := fmt.Errorf("no handler for message type %q", msg.Type)
		log.Printf("[queue] %s %v", c.name, err)
		c.deadLetter(ctx, d, err)
		return true
	}

	err := c.invoke(ctx, r, msg)
	switch {
	case err == nil:
		c.ack(ctx, d)
		return false

	case IsNonRetryable(err):
		log.Printf("[queue] %s message %s (%s) failed permanently: %v", c.name, msg.ID, msg.Type, err)
		c.ack(ctx, d)
		return false

	case r.policy.Exhausted(msg.Retries):
		log.Printf("[queue] %s message %s (%s) exhausted %d retries: %v", c.name, msg.ID, msg.Type, msg.Retries, err)
		c.deadLetter(ctx, d, err)
		return true
	}

	msg.IncrementRetry(err, c.now())
	name := fmt.Sprintf("%s_retry_%d", msg.ID, msg.Retries)
	delay := r.policy.delay(msg.Retries)
	if serr := c.scheduler.Schedule(ctx, name, c.name, msg, delay); serr != nil {
		log.Printf("[queue] %s reschedule %s failed, releasing: %v", c.name, name, serr)
		if rerr := c.receiver.Release(ctx, d); rerr != nil {
			log.Printf("[queue] %s release %s failed: %v", c.name, msg.ID, rerr)
		}
		return false
	}
	log.Printf("[queue] %s message %s (%s) retry %d in %s: %v", c.name, msg.ID, msg.Type, msg.Retries, delay, err)
	c.ack(ctx, d)
	return false
}

func (c *Consumer) invoke(ctx context.Context, r route, msg models.Message) (err error) {
	ctx, span := observability.StartSpan(ctx, "queue.handle",
		attribute.String("queue", c.name),
		attribute.String("message.type", string(msg.Type)),
		attribute.String("message.id", msg.ID),
		attribute.Int("message.retries", msg.Retries),
	)
	defer func() { observability.EndSpan(span, err) }()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	ctx = WithAttempt(ctx, Attempt{Retries: msg.Retries, MaxRetries: r.policy.MaxRetries})
	return r.handler(ctx, msg)
}

func (c *Consumer) ack(ctx context.Context, d Delivery) {
	if err := c.receiver.Ack(ctx, d); err != nil {
		log.Printf("[queue] %s ack %s failed: %v", c.name, d.Message.ID, err)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, d Delivery, cause error) {
	if err := c.receiver.DeadLetter(ctx, d, cause); err != nil {
		log.Printf("[queue] %s dead-letter %s failed: %v", c.name, d.Message.ID, err)
	}
}
