package kvstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBClient is the slice of the DynamoDB API the store needs.
type DynamoDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

var _ DynamoDBClient = (*dynamodb.Client)(nil)

// dynamoItem is the stored record shape: key, value, last write time.
type dynamoItem struct {
	Key       string `dynamodbav:"k"`
	Value     []byte `dynamodbav:"v"`
	UpdatedAt int64  `dynamodbav:"t"` // unix millis
}

// DynamoDB implements Store over a single-table DynamoDB layout.
// Example:
//
//	client := dynamodb.NewFromConfig(cfg)
//	store := kvstore.NewDynamoDB(client, "datomstore")
type DynamoDB struct {
	client    DynamoDBClient
	tableName string
}

var _ Store = (*DynamoDB)(nil)

// NewDynamoDB creates a DynamoDB-backed store on the given table. The table
// needs a string partition key named "k".
func NewDynamoDB(client DynamoDBClient, tableName string) *DynamoDB {
	return &DynamoDB{client: client, tableName: tableName}
}

func (d *DynamoDB) Backend() Backend { return BackendDynamoDB }

// isThrottlingError reports whether the error is a capacity throttle that
// refills over time and is safe to retry.
func isThrottlingError(err error) bool {
	var throughputErr *types.ProvisionedThroughputExceededException
	var requestLimitErr *types.RequestLimitExceeded
	return errors.As(err, &throughputErr) || errors.As(err, &requestLimitErr)
}

// ddbBackoffWait sleeps for an exponentially increasing duration with
// jitter. Returns false if the context is cancelled during the wait.
func ddbBackoffWait(ctx context.Context, attempt int) bool {
	base := 100 * time.Millisecond
	maxDelay := 30 * time.Second
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}
	delay += time.Duration(rand.Int64N(int64(delay)))
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *DynamoDB) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &d.tableName,
		Key: map[string]types.AttributeValue{
			"k": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return item.Value, nil
}

func (d *DynamoDB) Put(ctx context.Context, key string, value []byte) error {
	item, err := attributevalue.MarshalMap(dynamoItem{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &d.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (d *DynamoDB) Keys(ctx context.Context) ([]KeyInfo, error) {
	var infos []KeyInfo
	var startKey map[string]types.AttributeValue
	for {
		out, err := d.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         &d.tableName,
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		for _, raw := range out.Items {
			var item dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("failed to decode scanned item: %w", err)
			}
			infos = append(infos, KeyInfo{
				Key:          item.Key,
				Size:         int64(len(item.Value)),
				LastModified: time.UnixMilli(item.UpdatedAt),
			})
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return infos, nil
}

// Delete removes keys in BatchWriteItem groups of 25, retrying throttles
// indefinitely and resubmitting unprocessed items.
func (d *DynamoDB) Delete(ctx context.Context, keys []string) error {
	const groupSize = 25
	const maxRetries = 5
	for i := 0; i < len(keys); i += groupSize {
		end := i + groupSize
		if end > len(keys) {
			end = len(keys)
		}
		requests := make([]types.WriteRequest, 0, end-i)
		for _, key := range keys[i:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						"k": &types.AttributeValueMemberS{Value: key},
					},
				},
			})
		}
		input := &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{d.tableName: requests},
		}
		attempt := 0
		for {
			out, err := d.client.BatchWriteItem(ctx, input)
			if err != nil {
				if isThrottlingError(err) {
					if !ddbBackoffWait(ctx, attempt) {
						return ctx.Err()
					}
					attempt++
					continue
				}
				if attempt < maxRetries {
					if !ddbBackoffWait(ctx, attempt) {
						return ctx.Err()
					}
					attempt++
					continue
				}
				return fmt.Errorf("failed to delete batch after %d retries: %w", maxRetries, err)
			}
			if len(out.UnprocessedItems) > 0 {
				input.RequestItems = out.UnprocessedItems
				if !ddbBackoffWait(ctx, attempt) {
					return ctx.Err()
				}
				attempt++
				continue
			}
			break
		}
	}
	return nil
}
