package feed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/gradeflow/internal/state"
	"github.com/ShayCichocki/gradeflow/internal/store"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// SQLiteOutbox polls the changes table filled by the document triggers.
// Its position is persisted under a cursor name so that a restarted process
// resumes after the last acknowledged batch.
type SQLiteOutbox struct {
	db           *state.DB
	name         string
	batchSize    int
	pollInterval time.Duration
}

// NewSQLiteOutbox returns a source reading db under the cursor name.
func NewSQLiteOutbox(db *state.DB, name string, pollInterval time.Duration) *SQLiteOutbox {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	return &SQLiteOutbox{db: db, name: name, batchSize: 100, pollInterval: pollInterval}
}

// Run delivers changes until ctx is cancelled.
func (o *SQLiteOutbox) Run(ctx context.Context, h Handler) error {
	// Registering up front keeps cleanup from purging changes this reader has
	// not seen yet.
	if _, err := o.db.Exec(ctx, "INSERT OR IGNORE INTO feed_cursors (name, seq) VALUES (?, 0)", o.name); err != nil {
		return fmt.Errorf("register cursor %s: %w", o.name, err)
	}

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		if err := o.Poll(ctx, h); err != nil {
			log.Printf("[feed] outbox %s batch failed, redelivering: %v", o.name, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll delivers pending changes batch by batch and stops at the first failure.
func (o *SQLiteOutbox) Poll(ctx context.Context, h Handler) error {
	for {
		cursor, err := o.cursor(ctx)
		if err != nil {
			return err
		}
		batch, err := o.read(ctx, cursor)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := h(ctx, batch); err != nil {
			return err
		}
		if err := o.advance(ctx, batch[len(batch)-1].Seq); err != nil {
			return err
		}
	}
}

// advance stores seq as the acknowledged position, creating the cursor on
// first use.
func (o *SQLiteOutbox) advance(ctx context.Context, seq int64) error {
	res, err := o.db.Exec(ctx, `
		INSERT INTO feed_cursors (name, seq) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET seq = excluded.seq
	`, o.name, seq)
	if err != nil {
		return fmt.Errorf("advance cursor %s: %w", o.name, err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return fmt.Errorf("advance cursor %s: %d rows affected: %v", o.name, n, err)
	}
	return nil
}

func (o *SQLiteOutbox) cursor(ctx context.Context) (int64, error) {
	var seq int64
	err := o.db.QueryRow(ctx, "SELECT seq FROM feed_cursors WHERE name = ?", o.name).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor %s: %w", o.name, err)
	}
	return seq, nil
}

func (o *SQLiteOutbox) read(ctx context.Context, after int64) ([]Event, error) {
	rows, err := o.db.Query(ctx, `
		SELECT seq, event_type, pk, sk, old_body, new_body FROM changes
		WHERE seq > ? ORDER BY seq LIMIT ?
	`, after, o.batchSize)
	if err != nil {
		return nil, fmt.Errorf("read changes: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev               Event
			typ, pk, sk      string
			oldBody, newBody sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &typ, &pk, &sk, &oldBody, &newBody); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		key := models.Key{PK: pk, SK: sk}
		ev.Type = store.ChangeType(typ)
		if oldBody.Valid {
			ev.Before = &store.Record{Key: key, Body: json.RawMessage(oldBody.String)}
		}
		if newBody.Valid {
			ev.After = &store.Record{Key: key, Body: json.RawMessage(newBody.String)}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
