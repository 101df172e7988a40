package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"querywatch/core"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	"go.uber.org/zap"
)

const (
	attrStartDate      = "start_date"
	attrStartTimestamp = "start_timestamp"
	attrState          = "query_state"
	attrUser           = "executing_user"
	attrDataScanned    = "data_scanned"
	attrSQL            = "query_sql"
)

// DynamoDBQueryStore is a QueryStore backed by a DynamoDB table with
// start_date as hash key and start_timestamp as range key.
type DynamoDBQueryStore struct {
	client dynamodbiface.DynamoDBAPI
	table  string
	logger *zap.SugaredLogger
}

// NewDynamoDBQueryStore creates a store over an existing table.
func NewDynamoDBQueryStore(client dynamodbiface.DynamoDBAPI, table string, logger *zap.SugaredLogger) *DynamoDBQueryStore {
	return &DynamoDBQueryStore{
		client: client,
		table:  table,
		logger: logger,
	}
}

// Insert puts the record; attributes tagged omitempty are left out when unset.
func (s *DynamoDBQueryStore) Insert(ctx context.Context, q *core.Query) error {
	if err := validateKey(q); err != nil {
		return err
	}

	item, err := dynamodbattribute.MarshalMap(q)
	if err != nil {
		return fmt.Errorf("failed to marshal query %s: %w", q.ExecutionID, err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put query %s: %w", q.ExecutionID, err)
	}
	return nil
}

// UpdateTerminal updates an existing item, guarded by attribute_exists on the hash key.
func (s *DynamoDBQueryStore) UpdateTerminal(ctx context.Context, q *core.Query) error {
	if err := validateKey(q); err != nil {
		return err
	}

	update := expression.
		Set(expression.Name(attrState), expression.Value(string(q.State))).
		Set(expression.Name(attrDataScanned), expression.Value(q.DataScanned)).
		Set(expression.Name(attrUser), expression.Value(q.ExecutingUser))
	if sqlText := q.SQL(); sqlText != "" {
		update = update.Set(expression.Name(attrSQL), expression.Value(sqlText))
	} else {
		update = update.Remove(expression.Name(attrSQL))
	}

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(expression.AttributeExists(expression.Name(attrStartDate))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build update expression: %w", err)
	}

	_, err = s.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       itemKey(q.StartDate, q.StartTimestamp),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return fmt.Errorf("%w: %s/%s", ErrQueryNotFound, q.StartDate, q.StartTimestamp)
		}
		return fmt.Errorf("failed to update query %s: %w", q.ExecutionID, err)
	}
	return nil
}

// ListRunning queries one partition with a range condition on the sort key
// and a filter on the state attribute, following every result page.
func (s *DynamoDBQueryStore) ListRunning(ctx context.Context, partitionDate, since time.Time) ([]*core.Query, error) {
	keyCond := expression.Key(attrStartDate).Equal(expression.Value(core.PartitionKey(partitionDate))).
		And(expression.Key(attrStartTimestamp).GreaterThanEqual(expression.Value(core.SortKey(since))))
	filter := expression.Name(attrState).Equal(expression.Value(string(core.QueryStateRunning)))

	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build query expression: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	queries := make([]*core.Query, 0)
	var decodeErr error
	err = s.client.QueryPagesWithContext(ctx, input, func(page *dynamodb.QueryOutput, lastPage bool) bool {
		var batch []*core.Query
		if decodeErr = dynamodbattribute.UnmarshalListOfMaps(page.Items, &batch); decodeErr != nil {
			return false
		}
		queries = append(queries, batch...)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query partition %s: %w", core.PartitionKey(partitionDate), err)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to unmarshal queries: %w", decodeErr)
	}

	s.logger.Debugw("Listed running queries",
		"partition", core.PartitionKey(partitionDate),
		"since", core.SortKey(since),
		"count", len(queries))
	return queries, nil
}

// Get reads a single item.
func (s *DynamoDBQueryStore) Get(ctx context.Context, startDate, startTimestamp string) (*core.Query, error) {
	out, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(startDate, startTimestamp),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get query %s/%s: %w", startDate, startTimestamp, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrQueryNotFound, startDate, startTimestamp)
	}

	var q core.Query
	if err := dynamodbattribute.UnmarshalMap(out.Item, &q); err != nil {
		return nil, fmt.Errorf("failed to unmarshal query: %w", err)
	}
	return &q, nil
}

func itemKey(startDate, startTimestamp string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		attrStartDate:      {S: aws.String(startDate)},
		attrStartTimestamp: {S: aws.String(startTimestamp)},
	}
}
