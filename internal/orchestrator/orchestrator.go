package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/gradeflow/internal/fanout"
	"github.com/ShayCichocki/gradeflow/internal/feed"
	"github.com/ShayCichocki/gradeflow/internal/grading"
	"github.com/ShayCichocki/gradeflow/internal/interview"
	"github.com/ShayCichocki/gradeflow/internal/notify"
	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/internal/report"
	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/internal/timer"
)

// Queue names used as timer targets.
const (
	QueueTasks         = "tasks"
	QueueNotifications = "notifications"
)

// Role is one of the loops a process can run.
type Role string

const (
	// RoleTasks consumes plan, execute and expiration messages.
	RoleTasks Role = "tasks"
	// RoleNotifications delivers callbacks.
	RoleNotifications Role = "notifications"
	// RoleStream processes the change feed.
	RoleStream Role = "stream"
	// RoleRelay delivers due timers.
	RoleRelay Role = "relay"
)

// AllRoles runs everything in one process.
var AllRoles = []Role{RoleTasks, RoleNotifications, RoleStream, RoleRelay}

// Queue is a backend the orchestrator both sends to and consumes.
type Queue interface {
	queue.Sender
	queue.Receiver
}

// Backends is the infrastructure an Orchestrator runs on.
type Backends struct {
	Store         store.Store
	Tasks         Queue
	Notifications Queue
	Timers        queue.Scheduler
	// Feed is required by RoleStream.
	Feed feed.Source
	// Relay delivers due timers. It is required by RoleRelay when the
	// scheduler does not deliver on its own.
	Relay func(ctx context.Context) error
	// Close releases the backends. Optional.
	Close func() error
}

// Targets maps the queue names to the backends, for timer services.
func (b Backends) Targets() timer.Targets {
	return timer.Targets{QueueTasks: b.Tasks, QueueNotifications: b.Notifications}
}

// Orchestrator wires the grading and interview flows onto a set of backends.
type Orchestrator struct {
	backends Backends
	roles    []Role

	coordinator   *fanout.Coordinator
	grading       *grading.Service
	sessions      *interview.Service
	dispatcher    *feed.Dispatcher
	tasks         *queue.Consumer
	notifications *queue.Consumer

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewOrchestrator builds every component and registers the handlers.
func NewOrchestrator(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if req.Backends.Store == nil || req.Backends.Tasks == nil || req.Backends.Notifications == nil || req.Backends.Timers == nil {
		return nil, errors.New("orchestrator: store, queues and timers are required")
	}
	if req.Engine == nil {
		return nil, errors.New("orchestrator: engine is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.fetcher == nil {
		o.fetcher = grading.NewHTTPFetcher(30 * time.Second)
	}
	if o.prompts == nil {
		p, err := grading.NewTemplateBuilder(grading.DefaultTemplates())
		if err != nil {
			return nil, err
		}
		o.prompts = p
	}

	b := req.Backends
	sessionStrategy, err := interview.NewStrategy(req.Engine, o.sessionSystem, o.sessionUser)
	if err != nil {
		return nil, fmt.Errorf("session prompts: %w", err)
	}

	coord := fanout.New(b.Store, b.Tasks, fanout.WithClock(o.now))
	coord.Register(grading.NewStrategy(req.Engine, o.fetcher, o.prompts))
	coord.Register(sessionStrategy)

	consumerOpts := []queue.ConsumerOption{
		queue.WithConcurrency(o.concurrency),
		queue.WithBatchSize(o.batchSize),
		queue.WithClock(o.now),
	}
	tasks := queue.NewConsumer(QueueTasks, b.Tasks, b.Timers, consumerOpts...)
	coord.Handle(tasks, o.policy)
	sessions := interview.NewService(b.Store, o.expiration().DefaultDuration)
	sessions.Register(tasks, o.policy)

	notifications := queue.NewConsumer(QueueNotifications, b.Notifications, b.Timers, consumerOpts...)
	notify.NewSender(o.sender...).Register(notifications)

	scheduler := notify.NewScheduler(b.Notifications, b.Timers, QueueNotifications, o.notifyDelay, notify.WithRecords(b.Store))
	var reports grading.Reporter
	if o.uploader != nil {
		reports = report.NewBatches(b.Store, o.uploader)
	}
	disp := feed.NewDispatcher()
	coord.Watch(disp)
	grading.NewEvents(scheduler, reports).Register(disp)
	interview.NewEvents(b.Tasks, b.Timers, QueueTasks, scheduler, o.expiration).Register(disp)

	return &Orchestrator{
		backends:      b,
		roles:         o.roles,
		coordinator:   coord,
		grading:       grading.NewService(b.Store, b.Tasks, o.rules),
		sessions:      sessions,
		dispatcher:    disp,
		tasks:         tasks,
		notifications: notifications,
		stopCh:        make(chan struct{}),
	}, nil
}

// Run starts the configured roles and blocks until ctx is cancelled, Stop is
// called or a loop fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.checkRoles(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for _, role := range o.roles {
		switch role {
		case RoleTasks:
			g.Go(func() error { return o.tasks.Run(ctx) })
		case RoleNotifications:
			g.Go(func() error { return o.notifications.Run(ctx) })
		case RoleStream:
			g.Go(func() error { return o.backends.Feed.Run(ctx, o.dispatcher.Dispatch) })
		case RoleRelay:
			if o.backends.Relay == nil {
				log.Printf("[orchestrator] timers deliver on their own, no relay started")
				continue
			}
			g.Go(func() error { return o.backends.Relay(ctx) })
		}
		log.Printf("[orchestrator] started %s", role)
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) checkRoles() error {
	for _, role := range o.roles {
		switch role {
		case RoleTasks, RoleNotifications, RoleRelay:
		case RoleStream:
			if o.backends.Feed == nil {
				return errors.New("orchestrator: stream role needs a feed")
			}
		default:
			return fmt.Errorf("orchestrator: unknown role %q", role)
		}
	}
	return nil
}

// Stop makes Run return.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// Close releases the backends.
func (o *Orchestrator) Close() error {
	if o.backends.Close == nil {
		return nil
	}
	return o.backends.Close()
}

// Grading returns the grading task service.
func (o *Orchestrator) Grading() *grading.Service { return o.grading }

// Sessions returns the interview session service.
func (o *Orchestrator) Sessions() *interview.Service { return o.sessions }

// Dispatcher returns the change dispatcher, for feeds driven from outside Run.
func (o *Orchestrator) Dispatcher() *feed.Dispatcher { return o.dispatcher }

// TasksConsumer returns the tasks queue consumer.
func (o *Orchestrator) TasksConsumer() *queue.Consumer { return o.tasks }

// NotificationsConsumer returns the notifications queue consumer.
func (o *Orchestrator) NotificationsConsumer() *queue.Consumer { return o.notifications }

// Store returns the document store.
func (o *Orchestrator) Store() store.Store { return o.backends.Store }

// MemoryRelay drives a manual-clock timer from wall time.
func MemoryRelay(m *timer.Memory, interval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error { return m.Run(ctx, interval) }
}

// Coordinator returns the fan-out coordinator.
func (o *Orchestrator) Coordinator() *fanout.Coordinator { return o.coordinator }
