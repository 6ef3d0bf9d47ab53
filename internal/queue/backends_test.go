package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	kgo "github.com/segmentio/kafka-go"

	"github.com/ShayCichocki/gradeflow/pkg/models"
)

type fakeSQS struct {
	SQSAPI
	sent     []*sqs.SendMessageInput
	deleted  []string
	received []types.Message
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) SendMessageBatch(_ context.Context, in *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	return &sqs.SendMessageBatchOutput{Failed: []types.BatchResultErrorEntry{{
		Id:      in.Entries[0].Id,
		Code:    aws.String("InternalError"),
		Message: aws.String("try again"),
	}}}, nil
}

func (f *fakeSQS) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{Messages: f.received}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSSendDelay(t *testing.T) {
	f := &fakeSQS{}
	q := NewSQS(f, "https://sqs/tasks", "")
	ctx := context.Background()

	if err := q.Send(ctx, models.NewMessage(models.MessagePlan), 90*time.Second); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if f.sent[0].DelaySeconds != 90 {
		t.Errorf("DelaySeconds = %d, want 90", f.sent[0].DelaySeconds)
	}

	err := q.Send(ctx, models.NewMessage(models.MessagePlan), time.Hour)
	if !errors.Is(err, ErrDelayUnsupported) {
		t.Errorf("long delay error = %v, want ErrDelayUnsupported", err)
	}
}

func TestSQSBatchFailure(t *testing.T) {
	q := NewSQS(&fakeSQS{}, "https://sqs/tasks", "")
	if err := q.SendBatch(context.Background(), messages(2)); err == nil {
		t.Error("SendBatch ignored failed entries")
	}
	if err := q.SendBatch(context.Background(), messages(11)); err == nil {
		t.Error("SendBatch accepted more than the batch limit")
	}
}

func TestSQSReceive(t *testing.T) {
	good := models.NewMessage(models.MessageExecuteSubTask)
	body, _ := json.Marshal(good)
	f := &fakeSQS{received: []types.Message{
		{Body: aws.String(string(body)), ReceiptHandle: aws.String("r1")},
		{Body: aws.String("{not json"), ReceiptHandle: aws.String("r2")},
	}}
	q := NewSQS(f, "https://sqs/tasks", "https://sqs/tasks-dlq")

	ds, err := q.Receive(context.Background(), 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(ds) != 1 || ds[0].Message.ID != good.ID || ds[0].Receipt != "r1" {
		t.Fatalf("deliveries = %+v", ds)
	}

	if len(f.sent) != 1 || aws.ToString(f.sent[0].QueueUrl) != "https://sqs/tasks-dlq" {
		t.Fatalf("undecodable message not forwarded: %+v", f.sent)
	}
	if aws.ToString(f.sent[0].MessageBody) != "{not json" {
		t.Errorf("forwarded body = %q", aws.ToString(f.sent[0].MessageBody))
	}
	if len(f.deleted) != 1 || f.deleted[0] != "r2" {
		t.Errorf("deleted = %v, want [r2]", f.deleted)
	}
}

func TestSQSDeadLetterWithoutQueue(t *testing.T) {
	f := &fakeSQS{}
	q := NewSQS(f, "https://sqs/tasks", "")
	if err := q.DeadLetter(context.Background(), Delivery{Receipt: "r"}, errors.New("x")); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	if len(f.sent) != 0 || len(f.deleted) != 0 {
		t.Error("dead letter without a queue must leave the message to the redrive policy")
	}
}

type fakeReader struct {
	msgs      []kgo.Message
	committed []kgo.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kgo.Message, error) {
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		return m, nil
	}
	<-ctx.Done()
	return kgo.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kgo.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	written []kgo.Message
	err     error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func kafkaRecord(t *testing.T, offset int64, msg models.Message) kgo.Message {
	t.Helper()
	km, err := encodeKafka(msg)
	if err != nil {
		t.Fatal(err)
	}
	km.Topic = "tasks"
	km.Offset = offset
	return km
}

func TestKafkaCommitsOnFlush(t *testing.T) {
	ok := models.NewMessage(models.MessagePlan)
	failing := models.NewMessage(models.MessagePlan)
	reader := &fakeReader{msgs: []kgo.Message{
		kafkaRecord(t, 1, ok),
		{Topic: "tasks", Offset: 2, Value: []byte("garbage")},
		kafkaRecord(t, 3, failing),
	}}
	writer, dlq := &fakeWriter{}, &fakeWriter{}
	q := NewKafkaWith(reader, writer, dlq)
	q.wait = 50 * time.Millisecond

	c := NewConsumer("tasks", q, &requeue{q: NewMemory()})
	c.Handle(models.MessagePlan, Policy{MaxRetries: 0}, func(_ context.Context, m models.Message) error {
		if m.ID == failing.ID {
			return errors.New("fails")
		}
		return nil
	})

	ds, err := q.Receive(context.Background(), 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(ds))
	}
	if len(dlq.written) != 1 || string(dlq.written[0].Value) != "garbage" {
		t.Fatalf("garbage not dead-lettered: %+v", dlq.written)
	}
	if len(reader.committed) != 0 {
		t.Fatal("committed before the batch was settled")
	}

	failures := c.ProcessBatch(context.Background(), ds)
	if len(failures) != 1 || failures[0].Message.ID != failing.ID {
		t.Errorf("failures = %+v", failures)
	}
	if len(reader.committed) != 1 || reader.committed[0].Offset != 3 {
		t.Errorf("committed = %+v, want offset 3", reader.committed)
	}
	if len(dlq.written) != 2 {
		t.Errorf("dead letters = %d, want 2", len(dlq.written))
	}
	if h := dlq.written[1].Headers; len(h) == 0 || h[len(h)-1].Key != "cause" {
		t.Errorf("dead letter headers = %+v", h)
	}
}

func TestKafkaFlushStopsAtUnsettled(t *testing.T) {
	ctx := context.Background()
	first, second, third := models.NewMessage(models.MessagePlan), models.NewMessage(models.MessagePlan), models.NewMessage(models.MessagePlan)
	reader := &fakeReader{msgs: []kgo.Message{
		kafkaRecord(t, 1, first),
		kafkaRecord(t, 2, second),
		kafkaRecord(t, 3, third),
	}}
	writer := &fakeWriter{err: errors.New("broker down")}
	q := NewKafkaWith(reader, writer, &fakeWriter{})
	q.wait = 50 * time.Millisecond

	ds, err := q.Receive(ctx, 10)
	if err != nil || len(ds) != 3 {
		t.Fatalf("Receive = %d, %v", len(ds), err)
	}
	if err := q.Ack(ctx, ds[0]); err != nil {
		t.Fatal(err)
	}
	if err := q.Release(ctx, ds[1]); err == nil {
		t.Fatal("Release should fail while the broker is down")
	}
	if err := q.Ack(ctx, ds[2]); err != nil {
		t.Fatal(err)
	}
	if err := q.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if len(reader.committed) != 1 || reader.committed[0].Offset != 1 {
		t.Fatalf("committed = %+v, want only offset 1", reader.committed)
	}

	// Once the release goes through, the rest of the partition is committed.
	writer.err = nil
	if err := q.Release(ctx, ds[1]); err != nil {
		t.Fatal(err)
	}
	if err := q.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if last := reader.committed[len(reader.committed)-1]; last.Offset != 3 {
		t.Errorf("last commit = offset %d, want 3", last.Offset)
	}
}

func TestKafkaSend(t *testing.T) {
	writer := &fakeWriter{}
	q := NewKafkaWith(nil, writer, &fakeWriter{})

	msg := models.NewMessage(models.MessageSendNotification)
	if err := q.Send(context.Background(), msg, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(writer.written) != 1 || string(writer.written[0].Key) != msg.ID {
		t.Errorf("written = %+v", writer.written)
	}
	if err := q.Send(context.Background(), msg, time.Second); !errors.Is(err, ErrDelayUnsupported) {
		t.Errorf("delayed send error = %v, want ErrDelayUnsupported", err)
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" a:9092, ,b:9092,")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Errorf("SplitBrokers = %v", got)
	}
}
