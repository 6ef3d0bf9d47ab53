package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// KafkaReader is the part of *kafka.Reader used by Kafka.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaWriter is the part of *kafka.Writer used by Kafka.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Kafka is a queue over a Kafka topic read by a consumer group.
//
// Offsets are committed in Flush, and only up to the first delivery of each
// partition that is not settled yet, so nothing unsettled is committed past
// and a crash redelivers from there. Released deliveries are
// produced again at the tail of the topic and dead letters go to a separate
// topic. Kafka has no delayed delivery; delays go through a timer relay.
type Kafka struct {
	reader  KafkaReader
	writer  KafkaWriter
	dlq     KafkaWriter
	wait    time.Duration
	timeout time.Duration

	mu      sync.Mutex
	fetched map[partitionKey][]*fetchedMessage
}

type partitionKey struct {
	topic     string
	partition int
}

type fetchedMessage struct {
	msg     kgo.Message
	settled bool
}

// KafkaConfig names the brokers and topics of a Kafka queue.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// DeadLetterTopic defaults to Topic + ".dlq".
	DeadLetterTopic string
}

// NewKafka connects a reader and writers for cfg.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if cfg.Topic == "" {
		return nil, errors.New("kafka queue: topic is required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka queue: at least one broker is required")
	}
	dlqTopic := cfg.DeadLetterTopic
	if dlqTopic == "" {
		dlqTopic = cfg.Topic + ".dlq"
	}
	reader := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	return NewKafkaWith(reader, NewKafkaWriter(cfg.Brokers, cfg.Topic), NewKafkaWriter(cfg.Brokers, dlqTopic)), nil
}

// NewKafkaWriter returns a producer for topic.
func NewKafkaWriter(brokers []string, topic string) *kgo.Writer {
	return &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
}

// NewKafkaWith assembles a queue from existing clients.
func NewKafkaWith(reader KafkaReader, writer, dlq KafkaWriter) *Kafka {
	return &Kafka{
		reader:  reader,
		writer:  writer,
		dlq:     dlq,
		wait:    time.Second,
		timeout: 3 * time.Second,
		fetched: make(map[partitionKey][]*fetchedMessage),
	}
}

// Close closes the reader and writers.
func (q *Kafka) Close() error {
	var errs []error
	if q.reader != nil {
		errs = append(errs, q.reader.Close())
	}
	errs = append(errs, q.writer.Close(), q.dlq.Close())
	return errors.Join(errs...)
}

func (q *Kafka) Send(ctx context.Context, msg models.Message, delay time.Duration) error {
	if delay > 0 {
		return fmt.Errorf("send %s after %s: %w", msg.ID, delay, ErrDelayUnsupported)
	}
	return q.SendBatch(ctx, []models.Message{msg})
}

func (q *Kafka) SendBatch(ctx context.Context, msgs []models.Message) error {
	out := make([]kgo.Message, 0, len(msgs))
	for _, msg := range msgs {
		km, err := encodeKafka(msg)
		if err != nil {
			return err
		}
		out = append(out, km)
	}
	return q.write(ctx, q.writer, out...)
}

func (q *Kafka) write(ctx context.Context, w KafkaWriter, msgs ...kgo.Message) error {
	cctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if err := w.WriteMessages(cctx, msgs...); err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	return nil
}

func (q *Kafka) Receive(ctx context.Context, max int) ([]Delivery, error) {
	var out []Delivery
	// Block for the first message up to wait, then take what is buffered.
	deadline := time.Now().Add(q.wait)
	for len(out) < max {
		fctx, cancel := context.WithDeadline(ctx, deadline)
		m, err := q.reader.FetchMessage(fctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			return out, fmt.Errorf("fetch: %w", err)
		}
		q.track(m)

		var msg models.Message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			// Bad payloads are parked so the partition is not stuck on them.
			if dlErr := q.DeadLetter(ctx, Delivery{raw: m}, err); dlErr != nil {
				return out, dlErr
			}
			continue
		}
		out = append(out, Delivery{
			Message: msg,
			Receipt: m.Topic + "/" + strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10),
			raw:     m,
		})
		if len(out) == 1 {
			deadline = time.Now().Add(10 * time.Millisecond)
		}
	}
	return out, nil
}

func (q *Kafka) Ack(_ context.Context, d Delivery) error {
	q.settle(d)
	return nil
}

// Release produces the message again and commits the original delivery.
func (q *Kafka) Release(ctx context.Context, d Delivery) error {
	if err := q.Send(ctx, d.Message, 0); err != nil {
		return err
	}
	q.settle(d)
	return nil
}

func (q *Kafka) DeadLetter(ctx context.Context, d Delivery, cause error) error {
	km, _ := d.raw.(kgo.Message)
	out := kgo.Message{Key: km.Key, Value: km.Value, Time: time.Now()}
	if out.Value == nil {
		enc, err := encodeKafka(d.Message)
		if err != nil {
			return err
		}
		out = enc
	}
	if cause != nil {
		out.Headers = append(out.Headers, kgo.Header{Key: "cause", Value: []byte(cause.Error())})
	}
	if err := q.write(ctx, q.dlq, out); err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}
	q.settle(d)
	return nil
}

// Flush commits, per partition, the last delivery of the settled run at the
// head of what was fetched. A delivery whose release or dead-lettering
// failed stays unsettled and holds back every later offset of its partition.
func (q *Kafka) Flush(ctx context.Context) error {
	var commit []kgo.Message
	q.mu.Lock()
	for pk, msgs := range q.fetched {
		n := 0
		for n < len(msgs) && msgs[n].settled {
			n++
		}
		if n == 0 {
			continue
		}
		commit = append(commit, msgs[n-1].msg)
		if n < len(msgs) {
			log.Printf("[queue] kafka %s/%d: offset %d unsettled, holding back %d later messages",
				pk.topic, pk.partition, msgs[n].msg.Offset, len(msgs)-n-1)
		}
		q.fetched[pk] = msgs[n:]
	}
	q.mu.Unlock()
	if len(commit) == 0 {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if err := q.reader.CommitMessages(cctx, commit...); err != nil {
		q.mu.Lock()
		for _, m := range commit {
			pk := partitionKey{m.Topic, m.Partition}
			q.fetched[pk] = append([]*fetchedMessage{{msg: m, settled: true}}, q.fetched[pk]...)
		}
		q.mu.Unlock()
		return fmt.Errorf("commit %d partitions: %w", len(commit), err)
	}
	return nil
}

func (q *Kafka) track(m kgo.Message) {
	pk := partitionKey{m.Topic, m.Partition}
	q.mu.Lock()
	q.fetched[pk] = append(q.fetched[pk], &fetchedMessage{msg: m})
	q.mu.Unlock()
}

func (q *Kafka) settle(d Delivery) {
	km, ok := d.raw.(kgo.Message)
	if !ok {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, f := range q.fetched[partitionKey{km.Topic, km.Partition}] {
		if f.msg.Offset == km.Offset {
			f.settled = true
			return
		}
	}
}

func encodeKafka(msg models.Message) (kgo.Message, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return kgo.Message{}, fmt.Errorf("encode message: %w", err)
	}
	return kgo.Message{
		Key:     []byte(msg.ID),
		Value:   b,
		Time:    time.Now(),
		Headers: []kgo.Header{{Key: "type", Value: []byte(msg.Type)}},
	}, nil
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var (
	_ Sender      = (*Kafka)(nil)
	_ BatchSender = (*Kafka)(nil)
	_ Receiver    = (*Kafka)(nil)
	_ Flusher     = (*Kafka)(nil)
)
