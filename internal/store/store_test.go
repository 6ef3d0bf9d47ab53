package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ShayCichocki/gradeflow/internal/state"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

type doc struct {
	models.Key
	Status   string   `json:"status"`
	Count    *int     `json:"count,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Children int      `json:"children,omitempty"`
}

func newSQLiteStore(t *testing.T) *SQLite {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLite(db)
}

// backends runs fn against every store that needs no network.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

func TestGetMissing(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		rec, err := s.Get(context.Background(), models.Key{PK: "a", SK: "b"})
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec != nil {
			t.Errorf("Get = %v, want nil", rec)
		}

		_, err = GetAs[doc](context.Background(), s, models.Key{PK: "a", SK: "b"})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetAs error = %v, want ErrNotFound", err)
		}
	})
}

func TestPutAndQuery(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		parent := models.GradingTaskKey("p1")
		docs := []any{
			doc{Key: parent, Status: "pending"},
			doc{Key: models.SubTaskKey(parent, "r2"), Status: "child"},
			doc{Key: models.SubTaskKey(parent, "r1"), Status: "child"},
			doc{Key: models.SubTaskKey(models.GradingTaskKey("p10"), "r1"), Status: "other"},
		}
		if err := PutDocs(ctx, s, docs...); err != nil {
			t.Fatalf("PutDocs: %v", err)
		}

		children, err := QueryAs[doc](ctx, s, parent.PK, models.SubTaskPrefix(parent))
		if err != nil {
			t.Fatalf("QueryAs: %v", err)
		}
		if len(children) != 2 {
			t.Fatalf("got %d children, want 2", len(children))
		}
		if children[0].SK != models.SubTaskKey(parent, "r1").SK {
			t.Errorf("children not ordered by sort key: %v", children[0].Key)
		}

		got, err := GetAs[doc](ctx, s, parent)
		if err != nil {
			t.Fatalf("GetAs: %v", err)
		}
		if got.Status != "pending" {
			t.Errorf("status = %q, want pending", got.Status)
		}
	})
}

func TestPutNewKeepsExisting(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		key := models.Key{PK: "p", SK: "s"}
		if err := PutDocs(ctx, s, doc{Key: key, Status: "first"}); err != nil {
			t.Fatalf("PutDocs: %v", err)
		}
		if err := PutNewDocs(ctx, s, doc{Key: key, Status: "second"}, doc{Key: models.Key{PK: "p", SK: "t"}, Status: "new"}); err != nil {
			t.Fatalf("PutNewDocs: %v", err)
		}

		got, _ := GetAs[doc](ctx, s, key)
		if got.Status != "first" {
			t.Errorf("status = %q, want first", got.Status)
		}
		other, err := GetAs[doc](ctx, s, models.Key{PK: "p", SK: "t"})
		if err != nil || other.Status != "new" {
			t.Errorf("new doc = %v, %v", other, err)
		}
	})
}

func TestUpdateConditions(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		key := models.Key{PK: "p", SK: "s"}
		if err := PutDocs(ctx, s, doc{Key: key, Status: "pending"}); err != nil {
			t.Fatalf("PutDocs: %v", err)
		}

		tests := []struct {
			name    string
			update  Update
			wantErr error
		}{
			{
				name: "equals mismatch",
				update: Update{
					Set:        map[string]any{"status": "done"},
					Conditions: []Condition{Equals("status", "in_progress")},
				},
				wantErr: ErrConditionFailed,
			},
			{
				name: "missing satisfied",
				update: Update{
					Set:        map[string]any{"status": "in_progress", "count": 0},
					Conditions: []Condition{Equals("status", "pending"), Missing("count")},
				},
			},
			{
				name: "missing violated",
				update: Update{
					Set:        map[string]any{"count": 5},
					Conditions: []Condition{Missing("count")},
				},
				wantErr: ErrConditionFailed,
			},
			{
				name: "numeric equality",
				update: Update{
					Set:        map[string]any{"status": "done"},
					Conditions: []Condition{Equals("count", 0)},
				},
			},
		}

		for _, tt := range tests {
			_, err := s.Update(ctx, key, tt.update)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("%s: err = %v, want %v", tt.name, err, tt.wantErr)
			}
		}

		got, _ := GetAs[doc](ctx, s, key)
		if got.Status != "done" || got.Count == nil || *got.Count != 0 {
			t.Errorf("final doc = %+v", got)
		}

		_, err := s.Update(ctx, models.Key{PK: "nope", SK: "nope"}, Update{Set: map[string]any{"status": "x"}})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("update missing: err = %v, want ErrNotFound", err)
		}
	})
}

func TestAddAndAppend(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		key := models.Key{PK: "p", SK: "s"}
		if err := PutDocs(ctx, s, doc{Key: key}); err != nil {
			t.Fatalf("PutDocs: %v", err)
		}

		for i := 0; i < 3; i++ {
			if _, err := Increment(ctx, s, key, "count", 1); err != nil {
				t.Fatalf("Increment: %v", err)
			}
		}
		if _, err := s.Update(ctx, key, Update{Append: map[string]string{"errors": "first"}}); err != nil {
			t.Fatalf("append: %v", err)
		}
		rec, err := s.Update(ctx, key, Update{Append: map[string]string{"errors": "second"}})
		if err != nil {
			t.Fatalf("append: %v", err)
		}

		var got doc
		if err := rec.Decode(&got); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Count == nil || *got.Count != 3 {
			t.Errorf("count = %v, want 3", got.Count)
		}
		if len(got.Errors) != 2 || got.Errors[0] != "first" || got.Errors[1] != "second" {
			t.Errorf("errors = %v", got.Errors)
		}
	})
}

func TestConcurrentIncrements(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		key := models.Key{PK: "p", SK: "s"}
		if err := PutDocs(ctx, s, doc{Key: key}); err != nil {
			t.Fatalf("PutDocs: %v", err)
		}

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := Increment(ctx, s, key, "count", 1); err != nil {
					t.Errorf("Increment: %v", err)
				}
			}()
		}
		wg.Wait()

		got, _ := GetAs[doc](ctx, s, key)
		if got.Count == nil || *got.Count != 20 {
			t.Errorf("count = %v, want 20", got.Count)
		}
	})
}

func TestTransactAllOrNothing(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		parent := models.Key{PK: "p", SK: "parent"}
		child := models.Key{PK: "p", SK: "child"}
		if err := PutDocs(ctx, s, doc{Key: parent}, doc{Key: child, Status: "open"}); err != nil {
			t.Fatalf("PutDocs: %v", err)
		}

		claim := func() error {
			return s.Transact(ctx,
				Op{Key: child, Update: Update{
					Set:        map[string]any{"status": "closed"},
					Conditions: []Condition{Equals("status", "open")},
				}},
				Op{Key: parent, Update: Update{Add: map[string]int64{"count": 1}}},
			)
		}

		if err := claim(); err != nil {
			t.Fatalf("first claim: %v", err)
		}
		if err := claim(); !errors.Is(err, ErrConditionFailed) {
			t.Fatalf("second claim: err = %v, want ErrConditionFailed", err)
		}

		got, _ := GetAs[doc](ctx, s, parent)
		if got.Count == nil || *got.Count != 1 {
			t.Errorf("parent count = %v, want 1", got.Count)
		}
	})
}

func TestMemoryChanges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := models.Key{PK: "p", SK: "s"}

	notify := m.Notify()
	if err := PutDocs(ctx, m, doc{Key: key, Status: "a"}); err != nil {
		t.Fatalf("PutDocs: %v", err)
	}
	select {
	case <-notify:
	default:
		t.Error("notify channel not closed after write")
	}

	if _, err := m.Update(ctx, key, Update{Set: map[string]any{"status": "b"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	// Rewriting the same body is not a change.
	if _, err := m.Update(ctx, key, Update{Set: map[string]any{"status": "b"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	changes := m.Changes(0, 0)
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	if changes[0].Type != ChangeInsert || changes[1].Type != ChangeModify {
		t.Errorf("types = %s, %s", changes[0].Type, changes[1].Type)
	}
	var before, after doc
	changes[1].Before.Decode(&before)
	changes[1].After.Decode(&after)
	if before.Status != "a" || after.Status != "b" {
		t.Errorf("before/after = %q/%q", before.Status, after.Status)
	}
	if got := m.Changes(1, 0); len(got) != 1 || got[0].Seq != 2 {
		t.Errorf("Changes(1) = %+v", got)
	}
}

func TestEncodeRequiresKey(t *testing.T) {
	if _, err := Encode(struct{ Name string }{"x"}); err == nil {
		t.Error("expected error for document without key")
	}
}
