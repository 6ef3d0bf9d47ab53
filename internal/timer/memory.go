package timer

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// Memory is a manual-clock scheduler for tests and single-process runs.
// Nothing fires until Advance is called.
type Memory struct {
	mu      sync.Mutex
	targets Targets
	now     time.Time
	pending []Entry
	seen    map[string]bool
}

// NewMemory returns a scheduler whose clock starts at start.
func NewMemory(targets Targets, start time.Time) *Memory {
	return &Memory{targets: targets, now: start, seen: make(map[string]bool)}
}

func (m *Memory) Schedule(_ context.Context, name, target string, msg models.Message, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[name] {
		return nil
	}
	m.seen[name] = true
	m.pending = append(m.pending, Entry{Name: name, Target: target, DueAt: m.now.Add(delay), Message: msg})
	return nil
}

// Advance moves the clock forward by d and delivers every entry that came due,
// earliest first. It returns the number delivered.
func (m *Memory) Advance(ctx context.Context, d time.Duration) (int, error) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	var due, rest []Entry
	for _, e := range m.pending {
		if !e.DueAt.After(m.now) {
			due = append(due, e)
		} else {
			rest = append(rest, e)
		}
	}
	m.pending = rest
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	for i, e := range due {
		if err := m.targets.Deliver(ctx, e); err != nil {
			m.mu.Lock()
			m.pending = append(m.pending, due[i:]...)
			m.mu.Unlock()
			return i, err
		}
	}
	return len(due), nil
}

// Pending returns the entries not yet delivered.
func (m *Memory) Pending() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.pending...)
}

// Now returns the scheduler's clock.
func (m *Memory) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Run advances the clock by interval every interval until ctx is cancelled,
// so the scheduler follows wall time in single-process runs.
func (m *Memory) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if n, err := m.Advance(ctx, interval); err != nil {
			log.Printf("[timer] memory delivery failed: %v", err)
		} else if n > 0 {
			log.Printf("[timer] delivered %d timers", n)
		}
	}
}
