package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// MaxSQSDelay is the longest delay SQS can apply to a message.
const MaxSQSDelay = 15 * time.Minute

// SQSAPI is the subset of the SQS client used by SQS.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQS is a queue backed by an SQS queue URL. Dead letters are forwarded to
// DeadLetterURL when set; otherwise they are left to the queue's redrive policy.
type SQS struct {
	client        SQSAPI
	url           string
	deadLetterURL string
	waitSeconds   int32
}

// NewSQS returns a queue over url.
func NewSQS(client SQSAPI, url, deadLetterURL string) *SQS {
	return &SQS{client: client, url: url, deadLetterURL: deadLetterURL, waitSeconds: 20}
}

func (q *SQS) Send(ctx context.Context, msg models.Message, delay time.Duration) error {
	if delay > MaxSQSDelay {
		return fmt.Errorf("send %s: delay %s exceeds %s: %w", msg.ID, delay, MaxSQSDelay, ErrDelayUnsupported)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.url),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("send %s: %w", msg.ID, err)
	}
	return nil
}

func (q *SQS) SendBatch(ctx context.Context, msgs []models.Message) error {
	if len(msgs) > MaxBatchSend {
		return fmt.Errorf("send batch: %d messages exceed the limit of %d", len(msgs), MaxBatchSend)
	}
	entries := make([]types.SendMessageBatchRequestEntry, 0, len(msgs))
	for i, msg := range msgs {
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		entries = append(entries, types.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(i)),
			MessageBody: aws.String(string(body)),
		})
	}
	out, err := q.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(q.url),
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	if len(out.Failed) > 0 {
		f := out.Failed[0]
		return fmt.Errorf("send batch: %d entries failed, first: %s %s",
			len(out.Failed), aws.ToString(f.Code), aws.ToString(f.Message))
	}
	return nil
}

func (q *SQS) Receive(ctx context.Context, max int) ([]Delivery, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: int32(min(max, MaxBatchSend)),
		WaitTimeSeconds:     q.waitSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		var msg models.Message
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil {
			// An undecodable body can never succeed; park it with the dead letters.
			d := Delivery{Receipt: aws.ToString(m.ReceiptHandle), raw: aws.ToString(m.Body)}
			if dlErr := q.DeadLetter(ctx, d, err); dlErr != nil {
				return nil, fmt.Errorf("dead-letter undecodable message: %w", dlErr)
			}
			continue
		}
		if msg.ID == "" {
			msg.ID = aws.ToString(m.MessageId)
		}
		deliveries = append(deliveries, Delivery{
			Message: msg,
			Receipt: aws.ToString(m.ReceiptHandle),
			raw:     aws.ToString(m.Body),
		})
	}
	return deliveries, nil
}

func (q *SQS) Ack(ctx context.Context, d Delivery) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(d.Receipt),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (q *SQS) Release(ctx context.Context, d Delivery) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(d.Receipt),
		VisibilityTimeout: 10,
	})
	if err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return nil
}

// DeadLetter forwards the original body to the dead-letter queue and deletes
// the delivery. Without a dead-letter URL the message is left in flight so
// that the redrive policy moves it once its receive count is exceeded.
func (q *SQS) DeadLetter(ctx context.Context, d Delivery, cause error) error {
	if q.deadLetterURL == "" {
		return nil
	}
	body, _ := d.raw.(string)
	if body == "" {
		b, err := json.Marshal(d.Message)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		body = string(b)
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.deadLetterURL),
		MessageBody: aws.String(body),
	}
	if cause != nil {
		in.MessageAttributes = map[string]types.MessageAttributeValue{
			"cause": {DataType: aws.String("String"), StringValue: aws.String(truncate(cause.Error(), 1024))},
		}
	}
	if _, err := q.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("forward to dead-letter queue: %w", err)
	}
	return q.Ack(ctx, d)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var (
	_ Sender      = (*SQS)(nil)
	_ BatchSender = (*SQS)(nil)
	_ Receiver    = (*SQS)(nil)
)
