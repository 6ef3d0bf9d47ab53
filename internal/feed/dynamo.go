package feed

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/gradeflow/internal/store"
)

// StreamsAPI is the subset of the DynamoDB Streams client used by DynamoStream.
type StreamsAPI interface {
	DescribeStream(ctx context.Context, in *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, in *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// DynamoStream reads a DynamoDB table stream (NEW_AND_OLD_IMAGES).
// Every shard is polled by its own goroutine; shards that appear after
// start-up are read from their beginning.
type DynamoStream struct {
	client        StreamsAPI
	streamARN     string
	startAt       streamtypes.ShardIteratorType
	pollInterval  time.Duration
	refresh       time.Duration
	retryInterval time.Duration

	mu   sync.Mutex
	seen map[string]bool
}

// NewDynamoStream returns a source over streamARN. fromStart selects
// TRIM_HORIZON instead of LATEST for the shards open at start-up.
func NewDynamoStream(client StreamsAPI, streamARN string, fromStart bool) *DynamoStream {
	startAt := streamtypes.ShardIteratorTypeLatest
	if fromStart {
		startAt = streamtypes.ShardIteratorTypeTrimHorizon
	}
	return &DynamoStream{
		client:        client,
		streamARN:     streamARN,
		startAt:       startAt,
		pollInterval:  time.Second,
		refresh:       30 * time.Second,
		retryInterval: DefaultRetryInterval,
		seen:          make(map[string]bool),
	}
}

// Run polls every shard until ctx is cancelled or a shard reader fails.
func (d *DynamoStream) Run(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		first := true
		for {
			shards, err := d.describe(ctx)
			if err != nil {
				log.Printf("[feed] describe stream: %v", err)
			}
			for _, id := range shards {
				iterType := streamtypes.ShardIteratorTypeTrimHorizon
				if first {
					iterType = d.startAt
				}
				g.Go(func() error { return d.readShard(ctx, id, iterType, h) })
			}
			first = false
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.refresh):
			}
		}
	})
	return g.Wait()
}

// describe returns the ids of shards not read yet.
func (d *DynamoStream) describe(ctx context.Context) ([]string, error) {
	var (
		fresh []string
		start *string
	)
	for {
		out, err := d.client.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(d.streamARN),
			ExclusiveStartShardId: start,
		})
		if err != nil {
			return fresh, err
		}
		d.mu.Lock()
		for _, shard := range out.StreamDescription.Shards {
			id := aws.ToString(shard.ShardId)
			if !d.seen[id] {
				d.seen[id] = true
				fresh = append(fresh, id)
			}
		}
		d.mu.Unlock()
		start = out.StreamDescription.LastEvaluatedShardId
		if start == nil {
			return fresh, nil
		}
	}
}

func (d *DynamoStream) readShard(ctx context.Context, shardID string, iterType streamtypes.ShardIteratorType, h Handler) error {
	it, err := d.client.GetShardIterator(ctx, &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         aws.String(d.streamARN),
		ShardId:           aws.String(shardID),
		ShardIteratorType: iterType,
	})
	if err != nil {
		return fmt.Errorf("shard iterator %s: %w", shardID, err)
	}

	iter := it.ShardIterator
	for iter != nil {
		out, err := d.client.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
			ShardIterator: iter,
			Limit:         aws.Int32(100),
		})
		if err != nil {
			return fmt.Errorf("get records %s: %w", shardID, err)
		}

		events, err := convertRecords(out.Records)
		if err != nil {
			return fmt.Errorf("convert records %s: %w", shardID, err)
		}
		if err := d.deliver(ctx, events, h); err != nil {
			return err
		}

		iter = out.NextShardIterator
		if len(out.Records) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.pollInterval):
			}
		}
	}
	log.Printf("[feed] shard %s closed", shardID)
	return nil
}

// deliver retries h until it accepts events or ctx is cancelled.
func (d *DynamoStream) deliver(ctx context.Context, events []Event, h Handler) error {
	if len(events) == 0 {
		return nil
	}
	for {
		err := h(ctx, events)
		if err == nil {
			return nil
		}
		log.Printf("[feed] stream batch failed, redelivering: %v", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.retryInterval):
		}
	}
}

func convertRecords(records []streamtypes.Record) ([]Event, error) {
	out := make([]Event, 0, len(records))
	for _, r := range records {
		if r.Dynamodb == nil {
			continue
		}
		ev := Event{Type: store.ChangeType(r.EventName)}
		if len(r.Dynamodb.OldImage) > 0 {
			rec, err := recordFromStreamImage(r.Dynamodb.OldImage)
			if err != nil {
				return nil, err
			}
			ev.Before = rec
		}
		if len(r.Dynamodb.NewImage) > 0 {
			rec, err := recordFromStreamImage(r.Dynamodb.NewImage)
			if err != nil {
				return nil, err
			}
			ev.After = rec
		}
		out = append(out, ev)
	}
	return out, nil
}

func recordFromStreamImage(image map[string]streamtypes.AttributeValue) (*store.Record, error) {
	item, err := attributevalue.FromDynamoDBStreamsMap(image)
	if err != nil {
		return nil, err
	}
	return store.RecordFromItem(item)
}
