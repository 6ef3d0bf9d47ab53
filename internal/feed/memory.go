package feed

import (
	"context"
	"log"
	"time"

	"github.com/ShayCichocki/gradeflow/internal/store"
)

// MemorySource tails the change log of a store.Memory.
type MemorySource struct {
	store         *store.Memory
	cursor        int64
	batchSize     int
	retryInterval time.Duration
}

// NewMemorySource reads s from its first change.
func NewMemorySource(s *store.Memory) *MemorySource {
	return &MemorySource{
		store:         s,
		batchSize:     100,
		retryInterval: DefaultRetryInterval,
	}
}

// Run delivers changes until ctx is cancelled.
func (m *MemorySource) Run(ctx context.Context, h Handler) error {
	for {
		// Take the notify channel before reading so no write is missed.
		notify := m.store.Notify()
		if err := m.Drain(ctx, h); err != nil {
			log.Printf("[feed] memory batch failed, redelivering: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.retryInterval):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

// Drain delivers every pending change, batch by batch, and stops at the first
// failing batch. Tests use it to step the feed deterministically.
func (m *MemorySource) Drain(ctx context.Context, h Handler) error {
	for {
		batch := m.store.Changes(m.cursor, m.batchSize)
		if len(batch) == 0 {
			return nil
		}
		if err := h(ctx, batch); err != nil {
			return err
		}
		m.cursor = batch[len(batch)-1].Seq
	}
}
