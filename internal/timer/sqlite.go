package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/gradeflow/internal/state"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// SQLite keeps timers in the timers table of the local database.
// Run delivers them once due.
type SQLite struct {
	db  *state.DB
	now func() time.Time
}

// NewSQLite returns a scheduler over a migrated db.
func NewSQLite(db *state.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

func (s *SQLite) Schedule(ctx context.Context, name, target string, msg models.Message, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = s.db.Exec(ctx,
		"INSERT OR IGNORE INTO timers (name, target, body, due_at) VALUES (?, ?, ?, ?)",
		name, target, string(body), state.FormatTime(s.now().Add(delay)))
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Due returns up to limit unfired timers whose time has come, earliest first.
func (s *SQLite) Due(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, target, body, due_at FROM timers
		WHERE fired_at IS NULL AND due_at <= ?
		ORDER BY due_at, name LIMIT ?
	`, state.FormatTime(s.now()), limit)
	if err != nil {
		return nil, fmt.Errorf("query due timers: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			body, due string
		)
		if err := rows.Scan(&e.Name, &e.Target, &body, &due); err != nil {
			return nil, fmt.Errorf("scan timer: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &e.Message); err != nil {
			return nil, fmt.Errorf("decode timer %s: %w", e.Name, err)
		}
		e.DueAt, _ = state.ParseTime(due)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Fire delivers every due timer and marks it fired. A timer whose delivery
// fails stays due and is retried on the next call.
func (s *SQLite) Fire(ctx context.Context, targets Targets) (int, error) {
	due, err := s.Due(ctx, 100)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, e := range due {
		if err := targets.Deliver(ctx, e); err != nil {
			log.Printf("[timer] %v", err)
			continue
		}
		if _, err := s.db.Exec(ctx, "UPDATE timers SET fired_at = ? WHERE name = ?",
			state.FormatTime(s.now()), e.Name); err != nil {
			return fired, fmt.Errorf("mark %s fired: %w", e.Name, err)
		}
		fired++
	}
	return fired, nil
}

// Run calls Fire every interval until ctx is cancelled.
func (s *SQLite) Run(ctx context.Context, targets Targets, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	log.Printf("[timer] sqlite relay started (interval %s)", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := s.Fire(ctx, targets); err != nil {
			log.Printf("[timer] fire failed: %v", err)
		} else if n > 0 {
			log.Printf("[timer] delivered %d timers", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
