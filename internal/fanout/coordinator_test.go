package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/gradeflow/internal/feed"
	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/internal/timer"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

var epoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

var testStatuses = Statuses{Ready: "pending", Running: "in_progress", Done: "done", Failed: "error"}

type testStrategy struct {
	ids       []string
	decompErr error
	exec      func(sub models.SubTask) (*models.Verdict, error)
	aggErr    error

	mu         sync.Mutex
	calls      map[string]int
	aggregated [][]models.SubTask
}

func (s *testStrategy) Kind() models.Kind  { return models.KindGradingTask }
func (s *testStrategy) Statuses() Statuses { return testStatuses }

func (s *testStrategy) Decompose(_ context.Context, parent *store.Record) ([]models.SubTask, error) {
	if s.decompErr != nil {
		return nil, s.decompErr
	}
	subs := make([]models.SubTask, 0, len(s.ids))
	for _, id := range s.ids {
		subs = append(subs, models.NewSubTask(parent.Key, id, models.Prompt{User: "grade " + id}))
	}
	return subs, nil
}

func (s *testStrategy) Execute(_ context.Context, sub models.SubTask) (*models.Verdict, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[sub.ID]++
	s.mu.Unlock()
	if s.exec != nil {
		return s.exec(sub)
	}
	return &models.Verdict{Result: "Pass", Confidence: 0.9, Reasoning: "fine"}, nil
}

func (s *testStrategy) Aggregate(_ context.Context, _ *store.Record, subs []models.SubTask) (map[string]any, error) {
	s.mu.Lock()
	s.aggregated = append(s.aggregated, subs)
	s.mu.Unlock()
	if s.aggErr != nil {
		return nil, s.aggErr
	}
	var results []string
	for _, sub := range subs {
		results = append(results, sub.ID+"="+sub.Result.Result)
	}
	return map[string]any{"summary": strings.Join(results, ",")}, nil
}

func (s *testStrategy) callsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type parentDoc struct {
	models.Parent
	Summary string `json:"summary,omitempty"`
}

type harness struct {
	t      *testing.T
	store  *store.Memory
	queue  *queue.Memory
	timers *timer.Memory
	cons   *queue.Consumer
	coord  *Coordinator
	src    *feed.MemorySource
	disp   *feed.Dispatcher
	st     *testStrategy
}

func newHarness(t *testing.T, st *testStrategy) *harness {
	t.Helper()
	s := store.NewMemory()
	q := queue.NewMemory()
	timers := timer.NewMemory(timer.Targets{"tasks": q}, epoch)
	cons := queue.NewConsumer("tasks", q, timers)
	coord := New(s, q, WithClock(func() time.Time { return epoch }))
	coord.Register(st)
	coord.Handle(cons, queue.DefaultPolicy())
	disp := feed.NewDispatcher()
	coord.Watch(disp)
	return &harness{t: t, store: s, queue: q, timers: timers, cons: cons, coord: coord,
		src: feed.NewMemorySource(s), disp: disp, st: st}
}

func (h *harness) createParent(id, batchID string) models.Key {
	h.t.Helper()
	p := models.Parent{Key: models.GradingTaskKey(id), ID: id, Status: testStatuses.Ready, BatchID: batchID}
	if err := store.PutDocs(context.Background(), h.store, p); err != nil {
		h.t.Fatalf("put parent: %v", err)
	}
	return p.Key
}

func (h *harness) createBatch(id string, tasks int) {
	h.t.Helper()
	b := models.Batch{Key: models.BatchKey(id), ID: id, TasksCount: tasks}
	if err := store.PutDocs(context.Background(), h.store, b); err != nil {
		h.t.Fatalf("put batch: %v", err)
	}
}

// run drives the queue, the timers and the change feed until nothing moves.
func (h *harness) run() {
	h.t.Helper()
	ctx := context.Background()
	for round := 0; round < 200; round++ {
		changes := len(h.store.Changes(0, 0))
		moved := false

		if h.visible() {
			ds, err := h.queue.Receive(ctx, queue.MaxBatchSend)
			if err != nil {
				h.t.Fatalf("receive: %v", err)
			}
			h.cons.ProcessBatch(ctx, ds)
			moved = true
		}
		if err := h.src.Drain(ctx, h.disp.Dispatch); err != nil {
			h.t.Fatalf("feed: %v", err)
		}
		if !moved {
			n, err := h.timers.Advance(ctx, time.Minute)
			if err != nil {
				h.t.Fatalf("timers: %v", err)
			}
			moved = n > 0
		}
		if !moved && len(h.store.Changes(0, 0)) == changes && len(h.timers.Pending()) == 0 {
			return
		}
	}
	h.t.Fatal("orchestration did not settle")
}

func (h *harness) visible() bool {
	for _, p := range h.queue.Pending() {
		if p.Delay == 0 {
			return true
		}
	}
	return false
}

func (h *harness) plan(key models.Key) {
	h.t.Helper()
	if err := h.queue.Send(context.Background(), models.PlanMessage(key), 0); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) parent(key models.Key) parentDoc {
	h.t.Helper()
	p, err := store.GetAs[parentDoc](context.Background(), h.store, key)
	if err != nil {
		h.t.Fatalf("get parent: %v", err)
	}
	return *p
}

func (h *harness) subTasks(key models.Key) []models.SubTask {
	h.t.Helper()
	subs, err := store.QueryAs[models.SubTask](context.Background(), h.store, key.PK, models.SubTaskPrefix(key))
	if err != nil {
		h.t.Fatalf("query sub-tasks: %v", err)
	}
	return subs
}

// transitions counts the modifications that moved key onto status.
func (h *harness) transitions(key models.Key, status string) int {
	n := 0
	for _, ch := range h.store.Changes(0, 0) {
		if ch.Type != store.ChangeModify || ch.Key() != key {
			continue
		}
		before, after, err := feed.Images[models.Parent](ch)
		if err != nil {
			h.t.Fatal(err)
		}
		if before.Status != status && after.Status == status {
			n++
		}
	}
	return n
}

func TestFanOutCompletes(t *testing.T) {
	st := &testStrategy{ids: []string{"r1", "r2", "r3"}}
	h := newHarness(t, st)
	key := h.createParent("t1", "")
	h.plan(key)
	h.run()

	p := h.parent(key)
	if p.Status != testStatuses.Done {
		t.Fatalf("status = %q, want done", p.Status)
	}
	if p.Total() != 3 || p.Executed() != 3 {
		t.Errorf("counters = %d/%d, want 3/3", p.Executed(), p.Total())
	}
	if p.Summary != "r1=Pass,r2=Pass,r3=Pass" {
		t.Errorf("summary = %q", p.Summary)
	}
	if len(st.aggregated) != 1 {
		t.Errorf("aggregations = %d, want 1", len(st.aggregated))
	}
	for _, sub := range h.subTasks(key) {
		if sub.Outcome != models.OutcomeSucceeded || sub.Result == nil {
			t.Errorf("%s outcome=%q result=%v", sub.ID, sub.Outcome, sub.Result)
		}
	}
}

func TestFailedSubTaskIsAggregatedAsUnknown(t *testing.T) {
	st := &testStrategy{
		ids: []string{"a", "b", "c"},
		exec: func(sub models.SubTask) (*models.Verdict, error) {
			if sub.ID == "b" {
				return nil, queue.NonRetryablef("prompt rejected")
			}
			return &models.Verdict{Result: "Pass", Confidence: 1}, nil
		},
	}
	h := newHarness(t, st)
	key := h.createParent("t2", "")
	h.plan(key)
	h.run()

	p := h.parent(key)
	if p.Status != testStatuses.Done || p.Executed() != 3 {
		t.Fatalf("status=%q executed=%d, want done and 3", p.Status, p.Executed())
	}
	if p.Summary != "a=Pass,b=Unknown,c=Pass" {
		t.Errorf("summary = %q", p.Summary)
	}

	var b models.SubTask
	for _, sub := range st.aggregated[0] {
		if sub.ID == "b" {
			b = sub
		}
	}
	if b.Outcome != models.OutcomeFailed || len(b.Errors) != 1 {
		t.Fatalf("b outcome=%q errors=%v", b.Outcome, b.Errors)
	}
	if b.Result.Confidence != 1 || b.Result.Feedback != b.Errors[0] {
		t.Errorf("synthesized verdict = %+v", b.Result)
	}
	if !strings.Contains(b.Errors[0], "prompt rejected") {
		t.Errorf("error entry = %q", b.Errors[0])
	}
	if st.callsFor("b") != 1 {
		t.Errorf("non-retryable sub-task executed %d times", st.callsFor("b"))
	}
}

func TestFailTwiceThenSucceed(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	st := &testStrategy{
		ids: []string{"only"},
		exec: func(models.SubTask) (*models.Verdict, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts <= 2 {
				return nil, fmt.Errorf("throttled %d", attempts)
			}
			return &models.Verdict{Result: "Fail"}, nil
		},
	}
	h := newHarness(t, st)
	key := h.createParent("t3", "")
	h.plan(key)
	h.run()

	subs := h.subTasks(key)
	if len(subs) != 1 {
		t.Fatalf("sub-tasks = %d", len(subs))
	}
	sub := subs[0]
	if len(sub.Errors) != 2 || sub.Result == nil || sub.Outcome != models.OutcomeSucceeded {
		t.Errorf("sub-task errors=%v result=%v outcome=%q", sub.Errors, sub.Result, sub.Outcome)
	}
	if !strings.HasSuffix(sub.Errors[0], "throttled 1") {
		t.Errorf("errors not oldest first: %v", sub.Errors)
	}
	p := h.parent(key)
	if p.Executed() != 1 || p.Status != testStatuses.Done {
		t.Errorf("executed=%d status=%q", p.Executed(), p.Status)
	}
}

func TestRetriesExhausted(t *testing.T) {
	st := &testStrategy{
		ids: []string{"x", "y"},
		exec: func(sub models.SubTask) (*models.Verdict, error) {
			if sub.ID == "x" {
				return nil, errors.New("model timeout")
			}
			return &models.Verdict{Result: "Pass"}, nil
		},
	}
	h := newHarness(t, st)
	key := h.createParent("t4", "")
	h.plan(key)
	h.run()

	if got := st.callsFor("x"); got != queue.DefaultMaxRetries+1 {
		t.Errorf("attempts = %d, want %d", got, queue.DefaultMaxRetries+1)
	}
	var x models.SubTask
	for _, sub := range h.subTasks(key) {
		if sub.ID == "x" {
			x = sub
		}
	}
	if x.Outcome != models.OutcomeFailed || len(x.Errors) != queue.DefaultMaxRetries+1 {
		t.Errorf("x outcome=%q errors=%d", x.Outcome, len(x.Errors))
	}
	p := h.parent(key)
	if p.Executed() != 2 || p.Status != testStatuses.Done {
		t.Errorf("executed=%d status=%q", p.Executed(), p.Status)
	}
	dead, _ := h.queue.DeadLetters(context.Background(), 0)
	if len(dead) != 1 {
		t.Errorf("dead letters = %d, want 1", len(dead))
	}
}

func TestZeroDecompositionFailsParent(t *testing.T) {
	st := &testStrategy{}
	h := newHarness(t, st)
	key := h.createParent("t5", "")

	err := h.coord.Plan(context.Background(), models.PlanMessage(key))
	if !queue.IsNonRetryable(err) || !errors.Is(err, ErrNoSubTasks) {
		t.Fatalf("Plan error = %v, want non-retryable ErrNoSubTasks", err)
	}
	p := h.parent(key)
	if p.Status != testStatuses.Failed || p.Error != ErrNoSubTasks.Error() || len(p.Errors) != 1 {
		t.Errorf("parent = %+v", p.Parent)
	}
	if p.Started() {
		t.Error("counters initialised for a failed decomposition")
	}
	if len(h.queue.Pending()) != 0 {
		t.Error("messages enqueued for a failed decomposition")
	}
}

func TestDecomposeFailureOnFinalAttempt(t *testing.T) {
	st := &testStrategy{decompErr: errors.New("rules unavailable")}
	h := newHarness(t, st)
	key := h.createParent("t6", "")

	ctx := queue.WithAttempt(context.Background(), queue.Attempt{Retries: 0, MaxRetries: 3})
	if err := h.coord.Plan(ctx, models.PlanMessage(key)); err == nil {
		t.Fatal("Plan succeeded")
	}
	if h.parent(key).Status != testStatuses.Ready {
		t.Error("retryable failure changed the parent")
	}

	ctx = queue.WithAttempt(context.Background(), queue.Attempt{Retries: 3, MaxRetries: 3})
	_ = h.coord.Plan(ctx, models.PlanMessage(key))
	p := h.parent(key)
	if p.Status != testStatuses.Failed || !strings.Contains(p.Error, "rules unavailable") {
		t.Errorf("parent after final attempt = %+v", p.Parent)
	}
}

func TestPlanReplayIsIdempotent(t *testing.T) {
	st := &testStrategy{ids: []string{"r1", "r2"}}
	h := newHarness(t, st)
	key := h.createParent("t7", "")
	msg := models.PlanMessage(key)
	ctx := context.Background()

	if err := h.coord.Plan(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.Plan(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if len(h.subTasks(key)) != 2 {
		t.Errorf("sub-tasks = %d, want 2", len(h.subTasks(key)))
	}

	h.run()
	p := h.parent(key)
	if p.Executed() != 2 || p.Total() != 2 {
		t.Errorf("counters = %d/%d, want 2/2", p.Executed(), p.Total())
	}
	if h.transitions(key, testStatuses.Done) != 1 {
		t.Errorf("done transitions = %d, want 1", h.transitions(key, testStatuses.Done))
	}

	// A late plan after completion changes nothing.
	if err := h.coord.Plan(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if len(h.queue.Pending()) != 0 {
		t.Error("plan after completion enqueued work")
	}
}

func TestPlanReenqueuesAfterCrash(t *testing.T) {
	st := &testStrategy{ids: []string{"r1", "r2"}}
	h := newHarness(t, st)
	ctx := context.Background()
	key := models.GradingTaskKey("t8")
	p := models.Parent{Key: key, ID: "t8", Status: testStatuses.Running,
		Progress: models.Progress{TotalSubTasksCount: models.IntPtr(2), ExecutedSubTasksCount: models.IntPtr(0)}}
	docs := []any{p,
		models.NewSubTask(key, "r1", models.Prompt{User: "x"}),
		models.NewSubTask(key, "r2", models.Prompt{User: "y"}),
	}
	if err := store.PutDocs(ctx, h.store, docs...); err != nil {
		t.Fatal(err)
	}

	if err := h.coord.Plan(ctx, models.PlanMessage(key)); err != nil {
		t.Fatal(err)
	}
	if n := len(h.queue.Pending()); n != 2 {
		t.Fatalf("enqueued = %d, want 2", n)
	}
	h.run()
	if got := h.parent(key); got.Status != testStatuses.Done || got.Executed() != 2 {
		t.Errorf("parent = %+v", got.Parent)
	}
}

func TestPlanAfterUncommittedAttempt(t *testing.T) {
	st := &testStrategy{ids: []string{"r1", "r2"}}
	h := newHarness(t, st)
	ctx := context.Background()
	key := h.createParent("t9", "")
	// An earlier attempt stored a sub-task and died before the parent update.
	if err := store.PutDocs(ctx, h.store, models.NewSubTask(key, "r1", models.Prompt{User: "grade r1"})); err != nil {
		t.Fatal(err)
	}
	if p := h.parent(key); p.Started() {
		t.Fatal("parent started without the commit")
	}

	if err := h.coord.Plan(ctx, models.PlanMessage(key)); err != nil {
		t.Fatal(err)
	}
	if len(h.subTasks(key)) != 2 {
		t.Errorf("sub-tasks = %d, want 2", len(h.subTasks(key)))
	}
	if n := len(h.queue.Pending()); n != 2 {
		t.Fatalf("enqueued = %d, want 2", n)
	}
	h.run()
	if got := h.parent(key); got.Status != testStatuses.Done || got.Executed() != 2 || got.Total() != 2 {
		t.Errorf("parent = %+v", got.Parent)
	}
}

func TestExecuteRedeliveryCountsOnce(t *testing.T) {
	st := &testStrategy{ids: []string{"r1", "r2"}}
	h := newHarness(t, st)
	key := h.createParent("t9", "")
	ctx := context.Background()
	if err := h.coord.Plan(ctx, models.PlanMessage(key)); err != nil {
		t.Fatal(err)
	}
	msg := models.ExecuteMessage(key, models.SubTaskKey(key, "r1"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.coord.Execute(ctx, msg); err != nil {
				t.Errorf("Execute: %v", err)
			}
		}()
	}
	wg.Wait()
	if err := h.coord.Execute(ctx, msg); err != nil {
		t.Fatal(err)
	}

	p := h.parent(key)
	if p.Executed() != 1 {
		t.Errorf("executed = %d, want 1", p.Executed())
	}
	if p.Status != testStatuses.Running {
		t.Errorf("status = %q, want in_progress", p.Status)
	}
}

func TestConcurrentAggregationFinishesOnce(t *testing.T) {
	st := &testStrategy{ids: []string{"r1", "r2", "r3"}}
	h := newHarness(t, st)
	h.createBatch("b1", 1)
	key := h.createParent("t10", "b1")
	ctx := context.Background()

	if err := h.coord.Plan(ctx, models.PlanMessage(key)); err != nil {
		t.Fatal(err)
	}
	for _, id := range st.ids {
		if err := h.coord.Execute(ctx, models.ExecuteMessage(key, models.SubTaskKey(key, id))); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.coord.Aggregate(ctx, key); err != nil {
				t.Errorf("Aggregate: %v", err)
			}
		}()
	}
	wg.Wait()

	// Replaying the whole feed afterwards must not finish the parent again.
	if err := h.src.Drain(ctx, h.disp.Dispatch); err != nil {
		t.Fatal(err)
	}
	if err := h.disp.Dispatch(ctx, h.store.Changes(0, 0)); err != nil {
		t.Fatal(err)
	}

	if n := h.transitions(key, testStatuses.Done); n != 1 {
		t.Errorf("done transitions = %d, want 1", n)
	}
	b, err := store.GetAs[models.Batch](ctx, h.store, models.BatchKey("b1"))
	if err != nil {
		t.Fatal(err)
	}
	if b.TasksCompleted != 1 {
		t.Errorf("batch tasksCompleted = %d, want 1", b.TasksCompleted)
	}
}

func TestAggregateFailureFailsParent(t *testing.T) {
	st := &testStrategy{ids: []string{"r1"}, aggErr: queue.NonRetryablef("no scorable questions")}
	h := newHarness(t, st)
	h.createBatch("b2", 1)
	key := h.createParent("t11", "b2")
	h.plan(key)
	h.run()

	p := h.parent(key)
	if p.Status != testStatuses.Failed || !strings.Contains(p.Error, "no scorable questions") {
		t.Errorf("parent = %+v", p.Parent)
	}
	b, _ := store.GetAs[models.Batch](context.Background(), h.store, models.BatchKey("b2"))
	if b.TasksCompleted != 1 {
		t.Errorf("batch tasksCompleted = %d, want 1", b.TasksCompleted)
	}
}

func TestExecutedNeverDecreases(t *testing.T) {
	st := &testStrategy{ids: []string{"a", "b", "c", "d"}}
	h := newHarness(t, st)
	key := h.createParent("t12", "")
	h.plan(key)
	h.run()

	last := -1
	for _, ch := range h.store.Changes(0, 0) {
		if ch.Key() != key || ch.After == nil {
			continue
		}
		var p models.Parent
		if err := ch.After.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if p.ExecutedSubTasksCount == nil {
			continue
		}
		if p.Executed() < last || p.Executed() > p.Total() {
			t.Fatalf("executed went %d -> %d (total %d)", last, p.Executed(), p.Total())
		}
		last = p.Executed()
	}
	if last != 4 {
		t.Errorf("final executed = %d, want 4", last)
	}
}

func TestUnknownStrategy(t *testing.T) {
	h := newHarness(t, &testStrategy{})
	err := h.coord.Plan(context.Background(), models.PlanMessage(models.SessionKey("s1")))
	if !queue.IsNonRetryable(err) {
		t.Errorf("error = %v, want non-retryable", err)
	}
}
