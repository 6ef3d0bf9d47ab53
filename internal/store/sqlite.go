package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/gradeflow/internal/state"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// SQLite is a Store over the documents table of the local database.
// Change capture is done by triggers on that table (see package state).
type SQLite struct {
	db *state.DB
}

// NewSQLite returns a store over db. db must be migrated.
func NewSQLite(db *state.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Get(ctx context.Context, key models.Key) (*Record, error) {
	var body string
	err := s.db.QueryRow(ctx, "SELECT body FROM documents WHERE pk = ? AND sk = ?", key.PK, key.SK).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return &Record{Key: key, Body: json.RawMessage(body)}, nil
}

func (s *SQLite) Query(ctx context.Context, pk, prefix string) ([]*Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT sk, body FROM documents
		WHERE pk = ? AND substr(sk, 1, length(?)) = ?
		ORDER BY sk
	`, pk, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", pk, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var sk, body string
		if err := rows.Scan(&sk, &body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, &Record{Key: models.Key{PK: pk, SK: sk}, Body: json.RawMessage(body)})
	}
	return out, rows.Err()
}

func (s *SQLite) Put(ctx context.Context, records ...*Record) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		now := state.FormatTime(time.Now())
		for _, rec := range records {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO documents (pk, sk, body, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT (pk, sk) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
			`, rec.Key.PK, rec.Key.SK, string(rec.Body), now)
			if err != nil {
				return fmt.Errorf("put %s: %w", rec.Key, err)
			}
		}
		return nil
	})
}

func (s *SQLite) PutNew(ctx context.Context, records ...*Record) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		now := state.FormatTime(time.Now())
		for _, rec := range records {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO documents (pk, sk, body, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT (pk, sk) DO NOTHING
			`, rec.Key.PK, rec.Key.SK, string(rec.Body), now)
			if err != nil {
				return fmt.Errorf("put new %s: %w", rec.Key, err)
			}
		}
		return nil
	})
}

func (s *SQLite) Update(ctx context.Context, key models.Key, u Update) (*Record, error) {
	var out *Record
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		body, err := updateTx(ctx, tx, key, nil, u)
		if err != nil {
			return err
		}
		out = &Record{Key: key, Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) Transact(ctx context.Context, ops ...Op) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		staged := make(map[models.Key]json.RawMessage, len(ops))
		for _, op := range ops {
			body, err := updateTx(ctx, tx, op.Key, staged[op.Key], op.Update)
			if err != nil {
				return err
			}
			staged[op.Key] = body
		}
		return nil
	})
}

// updateTx reads (or reuses current), applies u and writes the result back.
func updateTx(ctx context.Context, tx *sql.Tx, key models.Key, current json.RawMessage, u Update) (json.RawMessage, error) {
	if current == nil {
		var body string
		err := tx.QueryRowContext(ctx, "SELECT body FROM documents WHERE pk = ? AND sk = ?", key.PK, key.SK).Scan(&body)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("load %s: %w", key, err)
		default:
			current = json.RawMessage(body)
		}
	}

	next, err := apply(current, u)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, "UPDATE documents SET body = ?, updated_at = ? WHERE pk = ? AND sk = ?",
		string(next), state.FormatTime(time.Now()), key.PK, key.SK)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", key, err)
	}
	return next, nil
}
