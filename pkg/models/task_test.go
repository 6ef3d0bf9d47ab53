package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTaskStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		want   bool
	}{
		{"pending is valid", TaskStatusPending, true},
		{"in_progress is valid", TaskStatusInProgress, true},
		{"done is valid", TaskStatusDone, true},
		{"error is valid", TaskStatusError, true},
		{"empty string is invalid", TaskStatus(""), false},
		{"unknown status is invalid", TaskStatus("unknown"), false},
		{"typo status is invalid", TaskStatus("pendingg"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("TaskStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	for status, want := range map[TaskStatus]bool{
		TaskStatusPending:    false,
		TaskStatusInProgress: false,
		TaskStatusDone:       true,
		TaskStatusError:      true,
	} {
		if got := status.Terminal(); got != want {
			t.Errorf("TaskStatus(%q).Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestGradingMode_Valid(t *testing.T) {
	for _, m := range []GradingMode{ModeUnstructured, ModeTableSections, ModeSMResponse} {
		if !m.Valid() {
			t.Errorf("%q should be valid", m)
		}
	}
	if GradingMode("essay").Valid() {
		t.Error("unknown mode reported valid")
	}
}

func TestNewGradingTask(t *testing.T) {
	rules := []Rule{{ID: "r1", Name: "Clarity"}, {ID: "r2", Name: "Depth"}}
	task := NewGradingTask("", rules)

	if task.Mode != DefaultGradingMode {
		t.Errorf("Mode = %q, want %q", task.Mode, DefaultGradingMode)
	}
	if task.Status != TaskStatusPending {
		t.Errorf("Status = %q, want pending", task.Status)
	}
	if task.Key != GradingTaskKey(task.ID) {
		t.Errorf("Key = %v, want grading task key of %s", task.Key, task.ID)
	}
	if task.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
	if r := task.RuleByID("r2"); r == nil || r.Name != "Depth" {
		t.Errorf("RuleByID(r2) = %+v", r)
	}
	if r := task.RuleByID("r9"); r != nil {
		t.Errorf("RuleByID(r9) = %+v, want nil", r)
	}
}

func TestSessionStatus_Predecessor(t *testing.T) {
	tests := []struct {
		to   SessionStatus
		from SessionStatus
		ok   bool
	}{
		{SessionInitializing, "", false},
		{SessionReady, SessionInitializing, true},
		{SessionStarted, SessionReady, true},
		{SessionCompleted, SessionStarted, true},
		{SessionGraded, SessionCompleted, true},
		{SessionStatus("paused"), "", false},
	}
	for _, tt := range tests {
		from, ok := tt.to.Predecessor()
		if from != tt.from || ok != tt.ok {
			t.Errorf("%q.Predecessor() = %q, %v; want %q, %v", tt.to, from, ok, tt.from, tt.ok)
		}
	}
}

func TestSession_ScoreAndAbandoned(t *testing.T) {
	s := NewSession(30, true)
	if s.Status != SessionInitializing || s.DurationLimit != 30 || !s.IsTimeboxed {
		t.Errorf("NewSession = %+v", s)
	}
	if s.Score() != nil {
		t.Error("ungraded session has a score")
	}
	score := 7.5
	s.Grading = &SessionGrading{Score: &score}
	if got := s.Score(); got == nil || *got != 7.5 {
		t.Errorf("Score() = %v", got)
	}
	if s.Abandoned() {
		t.Error("session abandoned without the marker")
	}
	s.Error = SessionErrorAbandoned
	if !s.Abandoned() {
		t.Error("abandoned marker ignored")
	}
}

func TestBatch_Done(t *testing.T) {
	b := NewBatch(2, BatchData{ApplicationStepID: "step"})
	if b.Done() {
		t.Error("fresh batch done")
	}
	b.TasksCompleted = 2
	if !b.Done() {
		t.Error("complete batch not done")
	}
	if (Batch{}).Done() {
		t.Error("empty batch done")
	}
}

func TestKindOf(t *testing.T) {
	task := GradingTaskKey("t1")
	sess := SessionKey("s1")
	tests := []struct {
		name string
		key  Key
		want Kind
	}{
		{"grading task", task, KindGradingTask},
		{"batch", BatchKey("b1"), KindBatch},
		{"session", sess, KindSession},
		{"task child", SubTaskKey(task, "r1"), KindSubTask},
		{"session child", SubTaskKey(sess, "q1"), KindSubTask},
		{"unknown", Key{PK: "OTHER", SK: "x"}, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.key); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestSubTaskKeyPrefix(t *testing.T) {
	parent := SessionKey("s1")
	child := SubTaskKey(parent, "q1")
	if child.PK != parent.PK {
		t.Errorf("child partition = %q, want %q", child.PK, parent.PK)
	}
	if !strings.HasPrefix(child.SK, SubTaskPrefix(parent)) {
		t.Errorf("child sort key %q lacks prefix %q", child.SK, SubTaskPrefix(parent))
	}
	sub := NewSubTask(parent, "q1", Prompt{User: "hi"})
	if sub.Key != child || sub.ParentKey != parent || sub.Terminal() {
		t.Errorf("NewSubTask = %+v", sub)
	}
}

func TestProgress(t *testing.T) {
	var p Progress
	if p.Started() || p.Total() != 0 || p.Executed() != 0 {
		t.Errorf("zero progress = %+v", p)
	}
	p = Progress{TotalSubTasksCount: IntPtr(3), ExecutedSubTasksCount: IntPtr(1)}
	if !p.Started() || p.Total() != 3 || p.Executed() != 1 {
		t.Errorf("progress = %d/%d started=%v", p.Executed(), p.Total(), p.Started())
	}
}

func TestMessage_IncrementRetry(t *testing.T) {
	parent := GradingTaskKey("t1")
	m := ExecuteMessage(parent, SubTaskKey(parent, "r1"))
	if m.ID == "" || m.Type != MessageExecuteSubTask || *m.ParentKey != parent {
		t.Fatalf("ExecuteMessage = %+v", m)
	}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m.IncrementRetry(errors.New("first"), now)
	m.IncrementRetry(errors.New("second"), now.Add(time.Minute))

	if m.Retries != 2 {
		t.Errorf("Retries = %d, want 2", m.Retries)
	}
	if len(m.Errors) != 2 || m.Errors[0] != "2024-01-02T03:05:05Z: second" {
		t.Errorf("Errors = %v, want newest first", m.Errors)
	}
}
