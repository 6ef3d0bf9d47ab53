package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ShayCichocki/gradeflow/pkg/models"
)

const (
	// DynamoDB limits.
	maxBatchWrite    = 25
	maxTransactItems = 100
)

// DynamoAPI is the subset of the DynamoDB client used by Dynamo.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Dynamo is a Store over a DynamoDB table keyed by string attributes pk and sk.
// The table's stream (NEW_AND_OLD_IMAGES) is the change feed.
type Dynamo struct {
	client DynamoAPI
	table  string
}

// NewDynamo returns a store over table.
func NewDynamo(client DynamoAPI, table string) *Dynamo {
	return &Dynamo{client: client, table: table}
}

func (d *Dynamo) Get(ctx context.Context, key models.Key) (*Record, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            keyAttributes(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	return RecordFromItem(out.Item)
}

func (d *Dynamo) Query(ctx context.Context, pk, prefix string) ([]*Record, error) {
	keyCond := expression.Key("pk").Equal(expression.Value(pk))
	if prefix != "" {
		keyCond = keyCond.And(expression.Key("sk").BeginsWith(prefix))
	}
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	p := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
		TableName:                 aws.String(d.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	})

	var out []*Record
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", pk, err)
		}
		for _, item := range page.Items {
			rec, err := RecordFromItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (d *Dynamo) Put(ctx context.Context, records ...*Record) error {
	for start := 0; start < len(records); start += maxBatchWrite {
		end := min(start+maxBatchWrite, len(records))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, rec := range records[start:end] {
			item, err := ItemFromRecord(rec)
			if err != nil {
				return err
			}
			reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
		}
		if err := d.batchWrite(ctx, reqs); err != nil {
			return err
		}
	}
	return nil
}

// batchWrite resubmits unprocessed items with a growing pause.
func (d *Dynamo) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{d.table: reqs}
	for attempt := 0; len(pending[d.table]) > 0; attempt++ {
		if attempt > 0 {
			if attempt > 5 {
				return fmt.Errorf("batch write: %d items left unprocessed", len(pending[d.table]))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*100) * time.Millisecond):
			}
		}
		out, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		pending = out.UnprocessedItems
	}
	return nil
}

func (d *Dynamo) PutNew(ctx context.Context, records ...*Record) error {
	for _, rec := range records {
		item, err := ItemFromRecord(rec)
		if err != nil {
			return err
		}
		_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(d.table),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		})
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			continue
		}
		if err != nil {
			return fmt.Errorf("put new %s: %w", rec.Key, err)
		}
	}
	return nil
}

func (d *Dynamo) Update(ctx context.Context, key models.Key, u Update) (*Record, error) {
	expr, err := buildUpdateExpression(u)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", key, err)
	}

	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(d.table),
		Key:                                 keyAttributes(key),
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			if len(cfe.Item) == 0 {
				return nil, ErrNotFound
			}
			return nil, ErrConditionFailed
		}
		return nil, fmt.Errorf("update %s: %w", key, err)
	}
	return RecordFromItem(out.Attributes)
}

func (d *Dynamo) Transact(ctx context.Context, ops ...Op) error {
	if len(ops) > maxTransactItems {
		return fmt.Errorf("transact: %d operations exceed the limit of %d", len(ops), maxTransactItems)
	}

	items := make([]types.TransactWriteItem, 0, len(ops))
	for _, op := range ops {
		expr, err := buildUpdateExpression(op.Update)
		if err != nil {
			return fmt.Errorf("transact %s: %w", op.Key, err)
		}
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:                           aws.String(d.table),
			Key:                                 keyAttributes(op.Key),
			UpdateExpression:                    expr.Update(),
			ConditionExpression:                 expr.Condition(),
			ExpressionAttributeNames:            expr.Names(),
			ExpressionAttributeValues:           expr.Values(),
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		}})
	}

	_, err := d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			for _, reason := range tce.CancellationReasons {
				if aws.ToString(reason.Code) != "ConditionalCheckFailed" {
					continue
				}
				if len(reason.Item) == 0 {
					return ErrNotFound
				}
				return ErrConditionFailed
			}
		}
		return fmt.Errorf("transact: %w", err)
	}
	return nil
}

// buildUpdateExpression translates u. The target document must exist.
func buildUpdateExpression(u Update) (expression.Expression, error) {
	var upd expression.UpdateBuilder
	for _, field := range sortedKeys(u.Set) {
		v, err := normalize(u.Set[field])
		if err != nil {
			return expression.Expression{}, fmt.Errorf("set %s: %w", field, err)
		}
		upd = upd.Set(expression.Name(field), expression.Value(v))
	}
	for _, field := range sortedKeys(u.Add) {
		upd = upd.Add(expression.Name(field), expression.Value(u.Add[field]))
	}
	for _, field := range sortedKeys(u.Append) {
		name := expression.Name(field)
		upd = upd.Set(name, expression.ListAppend(
			expression.IfNotExists(name, expression.Value([]string{})),
			expression.Value([]string{u.Append[field]}),
		))
	}

	cond := expression.AttributeExists(expression.Name("pk"))
	for _, c := range u.Conditions {
		name := expression.Name(c.Field)
		if c.Missing {
			cond = cond.And(expression.Or(
				expression.AttributeNotExists(name),
				expression.AttributeType(name, expression.Null),
			))
			continue
		}
		v, err := normalize(c.Equals)
		if err != nil {
			return expression.Expression{}, fmt.Errorf("condition %s: %w", c.Field, err)
		}
		cond = cond.And(name.Equal(expression.Value(v)))
	}

	return expression.NewBuilder().WithUpdate(upd).WithCondition(cond).Build()
}

func keyAttributes(key models.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: key.PK},
		"sk": &types.AttributeValueMemberS{Value: key.SK},
	}
}

// ItemFromRecord converts a JSON document into a DynamoDB item.
func ItemFromRecord(rec *Record) (map[string]types.AttributeValue, error) {
	var doc map[string]any
	if err := json.Unmarshal(rec.Body, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", rec.Key, err)
	}
	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", rec.Key, err)
	}
	return item, nil
}

// RecordFromItem converts a DynamoDB item into a JSON document.
func RecordFromItem(item map[string]types.AttributeValue) (*Record, error) {
	var doc map[string]any
	if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return RecordFromDoc(doc)
}

// RecordFromDoc builds a record from a generic document that carries pk and sk.
func RecordFromDoc(doc map[string]any) (*Record, error) {
	pk, _ := doc["pk"].(string)
	sk, _ := doc["sk"].(string)
	if pk == "" || sk == "" {
		return nil, fmt.Errorf("item without pk or sk")
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	return &Record{Key: models.Key{PK: pk, SK: sk}, Body: body}, nil
}
