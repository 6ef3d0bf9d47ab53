package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ShayCichocki/gradeflow/internal/state"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// SQLite is a durable queue stored in the messages table of the local database.
// Several named queues share the table.
type SQLite struct {
	db         *state.DB
	queue      string
	visibility time.Duration
	wait       time.Duration
	now        func() time.Time
}

// NewSQLite returns the queue called name in db. db must be migrated.
func NewSQLite(db *state.DB, name string) *SQLite {
	return &SQLite{
		db:         db,
		queue:      name,
		visibility: 5 * time.Minute,
		wait:       time.Second,
		now:        time.Now,
	}
}

// Name returns the queue name.
func (q *SQLite) Name() string {
	return q.queue
}

func (q *SQLite) Send(ctx context.Context, msg models.Message, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = q.db.Exec(ctx, "INSERT INTO messages (queue, body, visible_at) VALUES (?, ?, ?)",
		q.queue, string(body), state.FormatTime(q.now().Add(delay)))
	if err != nil {
		return fmt.Errorf("send to %s: %w", q.queue, err)
	}
	return nil
}

func (q *SQLite) SendBatch(ctx context.Context, msgs []models.Message) error {
	visibleAt := state.FormatTime(q.now())
	return q.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, msg := range msgs {
			body, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("encode message: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO messages (queue, body, visible_at) VALUES (?, ?, ?)",
				q.queue, string(body), visibleAt); err != nil {
				return fmt.Errorf("send to %s: %w", q.queue, err)
			}
		}
		return nil
	})
}

func (q *SQLite) Receive(ctx context.Context, max int) ([]Delivery, error) {
	deadline := time.Now().Add(q.wait)
	for {
		out, err := q.take(ctx, max)
		if err != nil || len(out) > 0 {
			return out, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (q *SQLite) take(ctx context.Context, max int) ([]Delivery, error) {
	var out []Delivery
	now := q.now()
	err := q.db.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, body FROM messages
			WHERE queue = ? AND dead = 0 AND visible_at <= ?
			ORDER BY id LIMIT ?
		`, q.queue, state.FormatTime(now), max)
		if err != nil {
			return fmt.Errorf("receive from %s: %w", q.queue, err)
		}
		for rows.Next() {
			var (
				id   int64
				body string
			)
			if err := rows.Scan(&id, &body); err != nil {
				rows.Close()
				return fmt.Errorf("scan message: %w", err)
			}
			var msg models.Message
			if err := json.Unmarshal([]byte(body), &msg); err != nil {
				rows.Close()
				return fmt.Errorf("decode message %d: %w", id, err)
			}
			out = append(out, Delivery{Message: msg, Receipt: strconv.FormatInt(id, 10)})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		hidden := state.FormatTime(now.Add(q.visibility))
		for _, d := range out {
			if _, err := tx.ExecContext(ctx,
				"UPDATE messages SET visible_at = ?, receive_count = receive_count + 1 WHERE id = ?",
				hidden, d.Receipt); err != nil {
				return fmt.Errorf("hide message %s: %w", d.Receipt, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q *SQLite) Ack(ctx context.Context, d Delivery) error {
	_, err := q.db.Exec(ctx, "DELETE FROM messages WHERE id = ?", d.Receipt)
	return err
}

func (q *SQLite) Release(ctx context.Context, d Delivery) error {
	_, err := q.db.Exec(ctx, "UPDATE messages SET visible_at = ? WHERE id = ?",
		state.FormatTime(q.now().Add(10*time.Second)), d.Receipt)
	return err
}

func (q *SQLite) DeadLetter(ctx context.Context, d Delivery, cause error) error {
	var msg string
	if cause != nil {
		msg = cause.Error()
	}
	_, err := q.db.Exec(ctx, "UPDATE messages SET dead = 1, last_error = ?, visible_at = ? WHERE id = ?",
		msg, state.FormatTime(q.now()), d.Receipt)
	return err
}

func (q *SQLite) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.db.Query(ctx, `
		SELECT body, COALESCE(last_error, ''), visible_at FROM messages
		WHERE queue = ? AND dead = 1 ORDER BY id LIMIT ?
	`, q.queue, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var body, cause, at string
		if err := rows.Scan(&body, &cause, &at); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl := DeadLetter{Cause: cause}
		if err := json.Unmarshal([]byte(body), &dl.Message); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		dl.At, _ = state.ParseTime(at)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Redrive makes every dead letter of the queue visible again.
func (q *SQLite) Redrive(ctx context.Context) (int64, error) {
	res, err := q.db.Exec(ctx, "UPDATE messages SET dead = 0, visible_at = ? WHERE queue = ? AND dead = 1",
		state.FormatTime(q.now()), q.queue)
	if err != nil {
		return 0, fmt.Errorf("redrive %s: %w", q.queue, err)
	}
	return res.RowsAffected()
}

var (
	_ Sender           = (*SQLite)(nil)
	_ BatchSender      = (*SQLite)(nil)
	_ Receiver         = (*SQLite)(nil)
	_ DeadLetterLister = (*SQLite)(nil)
)
