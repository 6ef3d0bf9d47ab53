package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/ShayCichocki/gradeflow/internal/queue"
	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// Kafka schedules timers by producing entries to a timer topic. A KafkaRelay
// consuming that topic delivers them when due.
type Kafka struct {
	writer queue.KafkaWriter
	now    func() time.Time
}

// NewKafka returns a scheduler producing to writer's topic.
func NewKafka(writer queue.KafkaWriter) *Kafka {
	return &Kafka{writer: writer, now: time.Now}
}

func (k *Kafka) Schedule(ctx context.Context, name, target string, msg models.Message, delay time.Duration) error {
	return k.produce(ctx, Entry{Name: name, Target: target, DueAt: k.now().Add(delay), Message: msg})
}

func (k *Kafka) produce(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode timer: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(cctx, kgo.Message{Key: []byte(e.Name), Value: b, Time: k.now()}); err != nil {
		return fmt.Errorf("schedule %s: %w", e.Name, err)
	}
	return nil
}

// KafkaRelay consumes the timer topic and delivers entries once due.
//
// Entries are read in partition order, so the relay holds an entry for at
// most MaxHold; an entry due later is produced again at the tail of the topic
// and committed, letting entries behind it through.
type KafkaRelay struct {
	reader  queue.KafkaReader
	timers  *Kafka
	targets Targets
	MaxHold time.Duration
}

// NewKafkaRelay returns a relay reading reader and re-producing through timers.
func NewKafkaRelay(reader queue.KafkaReader, timers *Kafka, targets Targets) *KafkaRelay {
	return &KafkaRelay{reader: reader, timers: timers, targets: targets, MaxHold: 30 * time.Second}
}

// Run relays until ctx is cancelled.
func (r *KafkaRelay) Run(ctx context.Context) error {
	log.Printf("[timer] kafka relay started")
	for {
		if err := r.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[timer] relay: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
}

// Step handles one entry of the timer topic.
func (r *KafkaRelay) Step(ctx context.Context) error {
	m, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return fmt.Errorf("read timer: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(m.Value, &e); err != nil {
		log.Printf("[timer] dropping undecodable timer at offset %d: %v", m.Offset, err)
		return r.commit(ctx, m)
	}

	wait := e.DueAt.Sub(r.timers.now())
	if wait > r.MaxHold {
		if err := r.timers.produce(ctx, e); err != nil {
			return err
		}
		return r.commit(ctx, m)
	}
	if wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	if err := r.targets.Deliver(ctx, e); err != nil {
		// The reader does not rewind, so a failed entry goes back on the topic.
		if perr := r.timers.produce(ctx, e); perr != nil {
			return fmt.Errorf("%v; requeue timer: %w", err, perr)
		}
		if cerr := r.commit(ctx, m); cerr != nil {
			return cerr
		}
		return err
	}
	return r.commit(ctx, m)
}

func (r *KafkaRelay) commit(ctx context.Context, m kgo.Message) error {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.reader.CommitMessages(cctx, m); err != nil {
		return fmt.Errorf("commit timer: %w", err)
	}
	return nil
}
