// Package store is the document store holding every parent and sub-task.
//
// Documents are JSON objects addressed by a (pk, sk) key. Mutations are either
// full puts or field-level updates; an update may carry compare-and-swap
// conditions and atomic counter additions. Every backend emits a change for
// each mutation so the feed package can observe before/after pairs.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ShayCichocki/gradeflow/pkg/models"
)

var (
	// ErrNotFound is returned when an update targets a missing document.
	ErrNotFound = errors.New("store: document not found")
	// ErrConditionFailed is returned when a conditional write loses its compare-and-swap.
	ErrConditionFailed = errors.New("store: condition failed")
)

// Record is a stored document and its key.
type Record struct {
	Key  models.Key
	Body json.RawMessage
}

// Decode unmarshals the record body into v.
func (r *Record) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", r.Key, err)
	}
	return nil
}

// Encode marshals v into a record. v must serialize pk and sk.
func Encode(v any) (*Record, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var key models.Key
	if err := json.Unmarshal(body, &key); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if key.PK == "" || key.SK == "" {
		return nil, fmt.Errorf("encode document: missing pk or sk")
	}
	return &Record{Key: key, Body: body}, nil
}

// Condition guards an update. Exactly one of Equals or Missing applies.
type Condition struct {
	Field   string
	Equals  any
	Missing bool
}

// Equals requires field to hold v.
func Equals(field string, v any) Condition {
	return Condition{Field: field, Equals: v}
}

// Missing requires field to be absent or null.
func Missing(field string) Condition {
	return Condition{Field: field, Missing: true}
}

// Update is a field-level mutation of one document.
// All conditions must hold for any part of it to be applied.
type Update struct {
	// Set overwrites top-level fields.
	Set map[string]any
	// Add atomically adds to numeric fields; a missing field counts as zero.
	Add map[string]int64
	// Append adds one entry to the end of string list fields.
	Append map[string]string
	// Conditions are evaluated against the stored document.
	Conditions []Condition
}

// Op is one update of a transaction.
type Op struct {
	Key    models.Key
	Update Update
}

// Reader reads documents.
type Reader interface {
	// Get returns nil and no error when the document does not exist.
	Get(ctx context.Context, key models.Key) (*Record, error)
	// Query returns every document of partition pk whose sort key starts with prefix.
	Query(ctx context.Context, pk, prefix string) ([]*Record, error)
}

// Writer mutates documents.
type Writer interface {
	// Put replaces the given documents in one logical batch.
	Put(ctx context.Context, records ...*Record) error
	// PutNew inserts the documents that do not exist yet and leaves the others untouched.
	PutNew(ctx context.Context, records ...*Record) error
	// Update applies u to the document at key and returns the new version.
	Update(ctx context.Context, key models.Key, u Update) (*Record, error)
	// Transact applies every op or none of them.
	Transact(ctx context.Context, ops ...Op) error
}

// Store composes the read and write halves.
type Store interface {
	Reader
	Writer
}

// ChangeType is the kind of mutation a change describes.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeModify ChangeType = "MODIFY"
	ChangeRemove ChangeType = "REMOVE"
)

// Change is a before/after pair produced by a mutation.
type Change struct {
	// Seq orders changes of a single backend; zero when the backend has no global order.
	Seq    int64
	Type   ChangeType
	Before *Record
	After  *Record
}

// Key returns the key of the changed document.
func (c Change) Key() models.Key {
	if c.After != nil {
		return c.After.Key
	}
	if c.Before != nil {
		return c.Before.Key
	}
	return models.Key{}
}

// GetAs loads the document at key into a new T. It returns ErrNotFound when missing.
func GetAs[T any](ctx context.Context, s Reader, key models.Key) (*T, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	var v T
	if err := rec.Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// QueryAs runs a prefix query and decodes every document into T.
func QueryAs[T any](ctx context.Context, s Reader, pk, prefix string) ([]T, error) {
	recs, err := s.Query(ctx, pk, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := rec.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// PutDocs encodes and puts the given entities.
func PutDocs(ctx context.Context, s Writer, docs ...any) error {
	recs, err := encodeAll(docs)
	if err != nil {
		return err
	}
	return s.Put(ctx, recs...)
}

// PutNewDocs encodes and inserts the given entities if absent.
func PutNewDocs(ctx context.Context, s Writer, docs ...any) error {
	recs, err := encodeAll(docs)
	if err != nil {
		return err
	}
	return s.PutNew(ctx, recs...)
}

// Increment atomically adds delta to field.
func Increment(ctx context.Context, s Writer, key models.Key, field string, delta int64) (*Record, error) {
	return s.Update(ctx, key, Update{Add: map[string]int64{field: delta}})
}

// IsConditionFailed reports whether err is a lost compare-and-swap.
func IsConditionFailed(err error) bool {
	return errors.Is(err, ErrConditionFailed)
}

func encodeAll(docs []any) ([]*Record, error) {
	recs := make([]*Record, 0, len(docs))
	for _, d := range docs {
		rec, err := Encode(d)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// normalize converts v to its generic JSON form (map[string]any, []any,
// float64, string, bool or nil) so that every backend stores and compares the
// same representation the JSON encoding would produce.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	var out any
	if err := dec.Decode(&out); err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}

// Compile-time verification that the backends implement Store.
var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
	_ Store = (*Dynamo)(nil)
)
