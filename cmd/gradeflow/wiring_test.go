package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ShayCichocki/gradeflow/internal/config"
	"github.com/ShayCichocki/gradeflow/internal/grading"
	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Backend = backend
	cfg.Queue.Backend = backend
	cfg.Timer.Backend = backend
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "gradeflow.db")
	cfg.Reports.Dir = t.TempDir()
	return cfg
}

func TestBuildBackends(t *testing.T) {
	for _, backend := range []string{config.BackendMemory, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			set, err := buildBackends(context.Background(), testConfig(t, backend))
			if err != nil {
				t.Fatalf("buildBackends: %v", err)
			}
			defer set.Close()

			if set.Store == nil || set.Tasks == nil || set.Notifications == nil || set.Timers == nil {
				t.Fatal("missing backend")
			}
			if set.Feed == nil || set.Relay == nil {
				t.Error("local backends need a feed and a relay")
			}
			if (set.db != nil) != (backend == config.BackendSQLite) {
				t.Errorf("db opened = %v for %s", set.db != nil, backend)
			}
			if _, ok := set.Tasks.(queue.DeadLetterLister); !ok {
				t.Error("local queues should list dead letters")
			}
		})
	}
}

func TestBuildBackendsUnknown(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"store", func(c *config.Config) { c.Store.Backend = "postgres" }},
		{"queue", func(c *config.Config) { c.Queue.Backend = "rabbit" }},
		{"timer", func(c *config.Config) { c.Timer.Backend = "cron" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, config.BackendMemory)
			tt.mutate(cfg)
			if _, err := buildBackends(context.Background(), cfg); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestPlaceholderEngine(t *testing.T) {
	e, err := newEngine(context.Background(), config.Default(), false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Evaluate(context.Background(), models.Prompt{User: "x"}); err == nil {
		t.Error("placeholder engine graded a prompt")
	}
}

func TestAssembleOrdersOnSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("notifications:\n  delay: 1m\n"), 0644); err != nil {
		t.Fatal(err)
	}
	l, err := config.NewLive(path)
	if err != nil {
		t.Fatal(err)
	}
	live = l
	t.Cleanup(func() { live = nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig(t, config.BackendSQLite)
	set, err := buildBackends(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer set.Close()
	orch, err := assemble(ctx, cfg, set, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	task, err := orch.Grading().Order(ctx, grading.OrderRequest{
		Mode:       models.ModeSMResponse,
		Rules:      []models.Rule{{ID: "r1", Name: "Clarity", Rule: "Is clear"}},
		Submission: []models.QuestionAndAnswer{{Question: "Why?", Answer: "Because."}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := showStatus(ctx, orch, "task", task.ID); err != nil {
		t.Errorf("status: %v", err)
	}
	if err := showStatus(ctx, orch, "widget", task.ID); err == nil {
		t.Error("unknown kind accepted")
	}

	lister := set.Tasks.(queue.DeadLetterLister)
	if dead, err := lister.DeadLetters(ctx, 0); err != nil || len(dead) != 0 {
		t.Errorf("dead letters = %v, %v", dead, err)
	}
}

func TestGetConfigValue(t *testing.T) {
	cfg := config.Masked(config.Default())
	for _, key := range configKeys {
		if _, err := getConfigValue(cfg, key); err != nil {
			t.Errorf("%s: %v", key, err)
		}
	}
	if v, _ := getConfigValue(cfg, "HTTP.Addr"); v != ":8080" {
		t.Errorf("http.addr = %q", v)
	}
	if _, err := getConfigValue(cfg, "nope.nope"); err == nil {
		t.Error("unknown key accepted")
	}
}
