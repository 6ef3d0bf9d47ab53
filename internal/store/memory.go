package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// Memory is an in-process Store that keeps an ordered log of its changes.
// It backs tests and single-process runs.
type Memory struct {
	mu      sync.Mutex
	docs    map[models.Key]json.RawMessage
	changes []Change
	notify  chan struct{}
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:   make(map[models.Key]json.RawMessage),
		notify: make(chan struct{}),
	}
}

func (m *Memory) Get(_ context.Context, key models.Key) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.docs[key]
	if !ok {
		return nil, nil
	}
	return &Record{Key: key, Body: clone(body)}, nil
}

func (m *Memory) Query(_ context.Context, pk, prefix string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for key, body := range m.docs {
		if key.PK == pk && strings.HasPrefix(key.SK, prefix) {
			out = append(out, &Record{Key: key, Body: clone(body)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.SK < out[j].Key.SK })
	return out, nil
}

func (m *Memory) Put(_ context.Context, records ...*Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.write(rec.Key, rec.Body)
	}
	return nil
}

func (m *Memory) PutNew(_ context.Context, records ...*Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if _, ok := m.docs[rec.Key]; ok {
			continue
		}
		m.write(rec.Key, rec.Body)
	}
	return nil
}

func (m *Memory) Update(_ context.Context, key models.Key, u Update) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, err := apply(m.docs[key], u)
	if err != nil {
		return nil, err
	}
	m.write(key, body)
	return &Record{Key: key, Body: clone(body)}, nil
}

func (m *Memory) Transact(_ context.Context, ops ...Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[models.Key]json.RawMessage, len(ops))
	order := make([]models.Key, 0, len(ops))
	for _, op := range ops {
		current, ok := staged[op.Key]
		if !ok {
			current = m.docs[op.Key]
			order = append(order, op.Key)
		}
		body, err := apply(current, op.Update)
		if err != nil {
			return err
		}
		staged[op.Key] = body
	}
	for _, key := range order {
		m.write(key, staged[key])
	}
	return nil
}

// Changes returns up to limit changes with a sequence number greater than after.
func (m *Memory) Changes(after int64, limit int) []Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	if after >= int64(len(m.changes)) {
		return nil
	}
	tail := m.changes[after:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]Change, len(tail))
	copy(out, tail)
	return out
}

// Notify returns a channel that is closed on the next mutation.
func (m *Memory) Notify() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notify
}

// write stores body and logs the change. Callers hold m.mu.
func (m *Memory) write(key models.Key, body json.RawMessage) {
	before, existed := m.docs[key]
	if existed && bytes.Equal(before, body) {
		return
	}
	body = clone(body)
	m.docs[key] = body

	c := Change{
		Seq:   int64(len(m.changes) + 1),
		Type:  ChangeInsert,
		After: &Record{Key: key, Body: body},
	}
	if existed {
		c.Type = ChangeModify
		c.Before = &Record{Key: key, Body: before}
	}
	m.changes = append(m.changes, c)

	close(m.notify)
	m.notify = make(chan struct{})
}

func clone(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
