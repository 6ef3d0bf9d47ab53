package fanout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ShayCichocki/gradeflow/internal/feed"
	"github.com/ShayCichocki/gradeflow/internal/observability"
	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// ErrNoSubTasks is the failure recorded when decomposition yields nothing.
var ErrNoSubTasks = errors.New("decomposition produced no sub-tasks")

// Coordinator runs the plan, execute and aggregate steps for every
// registered strategy.
type Coordinator struct {
	store      store.Store
	tasks      queue.Sender
	strategies map[models.Kind]Strategy
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New returns a coordinator persisting to s and enqueueing sub-task
// executions on tasks.
func New(s store.Store, tasks queue.Sender, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      s,
		tasks:      tasks,
		strategies: make(map[models.Kind]Strategy),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a strategy for its kind of parent.
func (c *Coordinator) Register(st Strategy) {
	c.strategies[st.Kind()] = st
}

// Handle registers the plan and execute handlers on a consumer.
func (c *Coordinator) Handle(cons *queue.Consumer, p queue.Policy) {
	cons.Handle(models.MessagePlan, p, c.Plan)
	cons.Handle(models.MessageExecuteSubTask, p, c.Execute)
}

// Watch registers completion detection for every strategy's kind.
func (c *Coordinator) Watch(d *feed.Dispatcher) {
	for kind := range c.strategies {
		d.On(kind, c.HandleChange)
	}
}

func (c *Coordinator) strategy(key models.Key) (Strategy, error) {
	st, ok := c.strategies[models.KindOf(key)]
	if !ok {
		return nil, queue.NonRetryablef("no strategy for %s", key)
	}
	return st, nil
}

// Plan decomposes a ready parent, records its sub-tasks, initialises the
// counters and enqueues one execute message per sub-task.
func (c *Coordinator) Plan(ctx context.Context, msg models.Message) error {
	if msg.ParentKey == nil {
		return queue.NonRetryablef("plan message %s has no parent key", msg.ID)
	}
	key := *msg.ParentKey
	st, err := c.strategy(key)
	if err != nil {
		return err
	}
	sts := st.Statuses()

	rec, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load parent %s: %w", key, err)
	}
	if rec == nil {
		return queue.NonRetryablef("parent %s not found", key)
	}
	var parent models.Parent
	if err := rec.Decode(&parent); err != nil {
		return queue.NonRetryable(err)
	}

	if parent.Started() {
		// A previous attempt initialised the counters but may have died
		// before enqueueing; nothing can have executed yet in that case.
		if parent.Status == sts.Running && parent.Executed() == 0 {
			log.Printf("[orchestrator] re-enqueueing sub-tasks of %s", key)
			return c.enqueuePending(ctx, key)
		}
		log.Printf("[orchestrator] %s already planned, skipping", key)
		return nil
	}
	if parent.Status != sts.Ready {
		log.Printf("[orchestrator] %s is %q, not %q; skipping plan", key, parent.Status, sts.Ready)
		return nil
	}

	subs, err := st.Decompose(ctx, rec)
	if err == nil && len(subs) == 0 {
		err = queue.NonRetryable(ErrNoSubTasks)
	}
	if err != nil {
		if c.terminalFailure(ctx, err) {
			c.failParent(ctx, parent, sts, sts.Ready, err,
				store.Missing(models.FieldTotal))
		}
		return fmt.Errorf("decompose %s: %w", key, err)
	}

	docs := make([]any, len(subs))
	for i := range subs {
		subs[i].ParentKey = key
		subs[i].Key = models.SubTaskKey(key, subs[i].ID)
		docs[i] = subs[i]
	}
	if err := store.PutNewDocs(ctx, c.store, docs...); err != nil {
		return fmt.Errorf("store sub-tasks of %s: %w", key, err)
	}

	// The parent update below is the commit point of the plan. Until it
	// lands, the sub-tasks written above are unreachable: no execute message
	// names them, and a retried plan rewrites the same ids with PutNew.
	n := len(subs)
	_, err = c.store.Update(ctx, key, store.Update{
		Set: map[string]any{
			models.FieldStatus:     sts.Running,
			models.FieldTotal:      n,
			models.FieldExecuted:   0,
			models.FieldModifiedAt: c.now().UTC(),
		},
		Conditions: []store.Condition{
			store.Equals(models.FieldStatus, sts.Ready),
			store.Missing(models.FieldTotal),
		},
	})
	if store.IsConditionFailed(err) {
		log.Printf("[orchestrator] %s was planned concurrently", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("start %s: %w", key, err)
	}

	msgs := make([]models.Message, n)
	for i, sub := range subs {
		msgs[i] = models.ExecuteMessage(key, sub.Key)
	}
	if err := queue.SendAll(ctx, c.tasks, msgs); err != nil {
		return fmt.Errorf("enqueue sub-tasks of %s: %w", key, err)
	}
	log.Printf("[orchestrator] planned %s with %d sub-tasks", key, n)
	return nil
}

func (c *Coordinator) enqueuePending(ctx context.Context, key models.Key) error {
	subs, err := store.QueryAs[models.SubTask](ctx, c.store, key.PK, models.SubTaskPrefix(key))
	if err != nil {
		return fmt.Errorf("load sub-tasks of %s: %w", key, err)
	}
	var msgs []models.Message
	for _, sub := range subs {
		if !sub.Terminal() {
			msgs = append(msgs, models.ExecuteMessage(key, sub.Key))
		}
	}
	return queue.SendAll(ctx, c.tasks, msgs)
}

// Execute runs one sub-task. Success, a non-retryable failure and the failure
// of the last allowed attempt are terminal: the outcome is recorded once,
// together with the parent counter increment. Other failures only append to
// the sub-task's errors and are retried by the queue.
func (c *Coordinator) Execute(ctx context.Context, msg models.Message) error {
	if msg.SubTaskKey == nil {
		return queue.NonRetryablef("execute message %s has no sub-task key", msg.ID)
	}
	sub, err := store.GetAs[models.SubTask](ctx, c.store, *msg.SubTaskKey)
	if errors.Is(err, store.ErrNotFound) {
		return queue.NonRetryable(err)
	}
	if err != nil {
		return fmt.Errorf("load sub-task: %w", err)
	}
	if sub.Terminal() {
		log.Printf("[orchestrator] %s already %s, skipping", sub.Key, sub.Outcome)
		return nil
	}
	st, err := c.strategy(sub.ParentKey)
	if err != nil {
		return err
	}

	verdict, runErr := st.Execute(ctx, *sub)
	if runErr == nil && verdict == nil {
		runErr = errors.New("no verdict produced")
	}
	now := c.now().UTC()

	if runErr == nil {
		return c.settle(ctx, sub, store.Update{
			Set: map[string]any{
				models.FieldResult:     verdict,
				models.FieldOutcome:    models.OutcomeSucceeded,
				models.FieldModifiedAt: now,
			},
		})
	}

	entry := models.FormatError(now, runErr.Error())
	if !c.terminalFailure(ctx, runErr) {
		_, err := c.store.Update(ctx, sub.Key, store.Update{
			Append:     map[string]string{models.FieldErrors: entry},
			Set:        map[string]any{models.FieldModifiedAt: now},
			Conditions: []store.Condition{store.Missing(models.FieldOutcome)},
		})
		if err != nil && !store.IsConditionFailed(err) {
			log.Printf("[orchestrator] record error on %s: %v", sub.Key, err)
		}
		return runErr
	}

	if err := c.settle(ctx, sub, store.Update{
		Set: map[string]any{
			models.FieldOutcome:    models.OutcomeFailed,
			models.FieldModifiedAt: now,
		},
		Append: map[string]string{models.FieldErrors: entry},
	}); err != nil {
		return err
	}
	return runErr
}

// settle records the terminal outcome of sub and increments its parent in
// one transaction. Losing the race to another delivery is not an error.
func (c *Coordinator) settle(ctx context.Context, sub *models.SubTask, u store.Update) error {
	u.Conditions = append(u.Conditions, store.Missing(models.FieldOutcome))
	err := c.store.Transact(ctx,
		store.Op{Key: sub.Key, Update: u},
		store.Op{Key: sub.ParentKey, Update: store.Update{Add: map[string]int64{models.FieldExecuted: 1}}},
	)
	if store.IsConditionFailed(err) {
		log.Printf("[orchestrator] %s was settled by another delivery", sub.Key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("settle %s: %w", sub.Key, err)
	}
	return nil
}

func (c *Coordinator) terminalFailure(ctx context.Context, err error) bool {
	if queue.IsNonRetryable(err) {
		return true
	}
	a, ok := queue.AttemptFrom(ctx)
	return ok && a.Final()
}

// HandleChange aggregates a parent when its executed counter reaches the total.
func (c *Coordinator) HandleChange(ctx context.Context, ev feed.Event) error {
	before, after, err := feed.Images[models.Parent](ev)
	if err != nil {
		return err
	}
	if !feed.CounterReached(before.Progress, after.Progress) {
		return nil
	}
	return c.Aggregate(ctx, ev.Key())
}

// Aggregate combines the sub-task results of a running parent and moves it to
// its done status. Only the first aggregation to commit wins; the others are
// dropped silently.
func (c *Coordinator) Aggregate(ctx context.Context, key models.Key) (err error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.aggregate", attribute.String("parent", key.Composite()))
	defer func() { observability.EndSpan(span, err) }()

	st, err := c.strategy(key)
	if err != nil {
		return err
	}
	sts := st.Statuses()

	rec, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load parent %s: %w", key, err)
	}
	if rec == nil {
		return fmt.Errorf("parent %s: %w", key, store.ErrNotFound)
	}
	var parent models.Parent
	if err := rec.Decode(&parent); err != nil {
		return err
	}
	if parent.Status != sts.Running || parent.Executed() != parent.Total() {
		log.Printf("[orchestrator] %s is %q, nothing to aggregate", key, parent.Status)
		return nil
	}

	subs, err := store.QueryAs[models.SubTask](ctx, c.store, key.PK, models.SubTaskPrefix(key))
	if err != nil {
		return fmt.Errorf("load sub-tasks of %s: %w", key, err)
	}
	for i := range subs {
		if subs[i].Result == nil {
			subs[i].Result = UnknownVerdict(subs[i].Errors)
		}
	}

	fields, err := st.Aggregate(ctx, rec, subs)
	if err != nil {
		if queue.IsNonRetryable(err) {
			log.Printf("[orchestrator] aggregation of %s failed: %v", key, err)
			c.failParent(ctx, parent, sts, sts.Running, err)
			return nil
		}
		return fmt.Errorf("aggregate %s: %w", key, err)
	}

	set := map[string]any{
		models.FieldStatus:     sts.Done,
		models.FieldModifiedAt: c.now().UTC(),
	}
	for k, v := range fields {
		set[k] = v
	}
	ok, err := c.finish(ctx, parent, store.Update{
		Set:        set,
		Conditions: []store.Condition{store.Equals(models.FieldStatus, sts.Running)},
	})
	if err != nil {
		return err
	}
	if ok {
		log.Printf("[orchestrator] %s is %s", key, sts.Done)
	}
	return nil
}

// failParent moves parent from status from to Failed and records cause.
func (c *Coordinator) failParent(ctx context.Context, parent models.Parent, sts Statuses, from string, cause error, extra ...store.Condition) {
	now := c.now().UTC()
	msg := cause.Error()
	var nr *queue.NonRetryableError
	if errors.As(cause, &nr) {
		msg = nr.Err.Error()
	}
	u := store.Update{
		Set: map[string]any{
			models.FieldStatus:     sts.Failed,
			models.FieldError:      msg,
			models.FieldModifiedAt: now,
		},
		Append:     map[string]string{models.FieldErrors: models.FormatError(now, msg)},
		Conditions: append([]store.Condition{store.Equals(models.FieldStatus, from)}, extra...),
	}
	if _, err := c.finish(ctx, parent, u); err != nil {
		log.Printf("[orchestrator] failed to mark %s %s: %v", parent.Key, sts.Failed, err)
	}
}

// finish applies a terminal transition of parent and, when the parent
// belongs to a batch, counts it in the same transaction. It reports false
// when the transition lost its condition.
func (c *Coordinator) finish(ctx context.Context, parent models.Parent, u store.Update) (bool, error) {
	ops := []store.Op{{Key: parent.Key, Update: u}}
	if parent.BatchID != "" {
		ops = append(ops, store.Op{
			Key:    models.BatchKey(parent.BatchID),
			Update: store.Update{Add: map[string]int64{models.FieldTasksCompleted: 1}},
		})
	}
	err := c.store.Transact(ctx, ops...)
	if store.IsConditionFailed(err) {
		log.Printf("[orchestrator] %s already finished", parent.Key)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finish %s: %w", parent.Key, err)
	}
	return true, nil
}
