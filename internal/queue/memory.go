package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ShayCichocki/gradeflow/pkg/models"
)

type memItem struct {
	seq       int
	msg       models.Message
	visibleAt time.Time
	inFlight  bool
}

// Memory is an in-process queue with visibility timeouts and a dead-letter list.
type Memory struct {
	mu         sync.Mutex
	items      map[string]*memItem
	dead       []DeadLetter
	seq        int
	now        func() time.Time
	visibility time.Duration
	wait       time.Duration
}

// NewMemory returns an empty queue using the wall clock.
func NewMemory() *Memory {
	return &Memory{
		items:      make(map[string]*memItem),
		now:        time.Now,
		visibility: 5 * time.Minute,
		wait:       100 * time.Millisecond,
	}
}

// SetClock replaces the time source used for delays and visibility.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Send(_ context.Context, msg models.Message, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.items[strconv.Itoa(m.seq)] = &memItem{seq: m.seq, msg: msg, visibleAt: m.now().Add(delay)}
	return nil
}

func (m *Memory) SendBatch(ctx context.Context, msgs []models.Message) error {
	for _, msg := range msgs {
		if err := m.Send(ctx, msg, 0); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Receive(ctx context.Context, max int) ([]Delivery, error) {
	deadline := time.Now().Add(m.wait)
	for {
		if out := m.take(max); len(out) > 0 {
			return out, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (m *Memory) take(max int) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	var ready []string
	for receipt, it := range m.items {
		if !it.visibleAt.After(now) {
			ready = append(ready, receipt)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return m.items[ready[i]].seq < m.items[ready[j]].seq })
	if max > 0 && len(ready) > max {
		ready = ready[:max]
	}

	out := make([]Delivery, 0, len(ready))
	for _, receipt := range ready {
		it := m.items[receipt]
		it.inFlight = true
		it.visibleAt = now.Add(m.visibility)
		out = append(out, Delivery{Message: it.msg, Receipt: receipt})
	}
	return out
}

func (m *Memory) Ack(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, d.Receipt)
	return nil
}

func (m *Memory) Release(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[d.Receipt]; ok {
		it.inFlight = false
		it.visibleAt = m.now().Add(10 * time.Second)
	}
	return nil
}

func (m *Memory) DeadLetter(_ context.Context, d Delivery, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, d.Receipt)
	dl := DeadLetter{Message: d.Message, At: m.now()}
	if cause != nil {
		dl.Cause = cause.Error()
	}
	m.dead = append(m.dead, dl)
	return nil
}

func (m *Memory) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.dead
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]DeadLetter(nil), out...), nil
}

// Pending returns the messages not yet acknowledged, in send order, with
// their remaining delay.
func (m *Memory) Pending() []PendingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []PendingMessage
	for _, it := range m.items {
		if it.inFlight {
			continue
		}
		out = append(out, PendingMessage{Message: it.msg, Delay: max(it.visibleAt.Sub(now), 0), seq: it.seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// PendingMessage is a queued message and the time until it becomes visible.
type PendingMessage struct {
	Message models.Message
	Delay   time.Duration
	seq     int
}

var (
	_ Sender           = (*Memory)(nil)
	_ BatchSender      = (*Memory)(nil)
	_ Receiver         = (*Memory)(nil)
	_ DeadLetterLister = (*Memory)(nil)
)
