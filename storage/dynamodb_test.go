package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"querywatch/core"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeDynamoDB struct {
	dynamodbiface.DynamoDBAPI

	items   map[string]map[string]*dynamodb.AttributeValue
	puts    []*dynamodb.PutItemInput
	updates []*dynamodb.UpdateItemInput
	queries []*dynamodb.QueryInput
	pages   [][]map[string]*dynamodb.AttributeValue
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{items: make(map[string]map[string]*dynamodb.AttributeValue)}
}

func fakeKey(key map[string]*dynamodb.AttributeValue) string {
	return aws.StringValue(key[attrStartDate].S) + "|" + aws.StringValue(key[attrStartTimestamp].S)
}

func (f *fakeDynamoDB) PutItemWithContext(_ aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	f.items[fakeKey(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) UpdateItemWithContext(_ aws.Context, in *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	if _, ok := f.items[fakeKey(in.Key)]; !ok {
		return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "The conditional request failed", nil)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamoDB) GetItemWithContext(_ aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[fakeKey(in.Key)]}, nil
}

func (f *fakeDynamoDB) QueryPagesWithContext(_ aws.Context, in *dynamodb.QueryInput, fn func(*dynamodb.QueryOutput, bool) bool, _ ...request.Option) error {
	f.queries = append(f.queries, in)
	for i, items := range f.pages {
		if !fn(&dynamodb.QueryOutput{Items: items}, i == len(f.pages)-1) {
			break
		}
	}
	return nil
}

func newTestDynamoStore(t *testing.T) (*DynamoDBQueryStore, *fakeDynamoDB) {
	t.Helper()
	fake := newFakeDynamoDB()
	return NewDynamoDBQueryStore(fake, "athena_queries", zaptest.NewLogger(t).Sugar()), fake
}

func expressionStrings(values map[string]*dynamodb.AttributeValue) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v.S != nil {
			out = append(out, *v.S)
		}
	}
	return out
}

func TestDynamoDBQueryStore_InsertOmitsAbsentSQL(t *testing.T) {
	store, fake := newTestDynamoStore(t)
	q := core.NewRunningQuery("fda9a497-05e8-4c76-9734-561118eb3623", "testUser",
		time.Date(2019, 1, 17, 11, 57, 30, 0, time.UTC))

	require.NoError(t, store.Insert(context.Background(), q))
	require.Len(t, fake.puts, 1)

	item := fake.puts[0].Item
	assert.NotContains(t, item, attrSQL)
	assert.Equal(t, "2019-01-17", aws.StringValue(item[attrStartDate].S))
	assert.Equal(t, "2019-01-17 11:57:30", aws.StringValue(item[attrStartTimestamp].S))
	assert.Equal(t, "RUNNING", aws.StringValue(item[attrState].S))
	assert.Equal(t, "0", aws.StringValue(item[attrDataScanned].N))
	assert.Equal(t, "athena_queries", aws.StringValue(fake.puts[0].TableName))

	got, err := store.Get(context.Background(), q.StartDate, q.StartTimestamp)
	require.NoError(t, err)
	assert.Nil(t, got.QuerySQL)
	assert.Equal(t, q.ExecutionID, got.ExecutionID)
}

func TestDynamoDBQueryStore_UpdateTerminal(t *testing.T) {
	store, fake := newTestDynamoStore(t)
	ctx := context.Background()
	q := core.NewRunningQuery("id-1", "u1", time.Date(2019, 1, 1, 0, 0, 10, 0, time.UTC))
	require.NoError(t, store.Insert(ctx, q))

	q.State = core.QueryStateSucceeded
	q.DataScanned = 29944425990
	q.SetSQL("select * from foo.bar")
	require.NoError(t, store.UpdateTerminal(ctx, q))

	require.Len(t, fake.updates, 1)
	in := fake.updates[0]
	assert.Contains(t, aws.StringValue(in.ConditionExpression), "attribute_exists")
	assert.NotContains(t, aws.StringValue(in.UpdateExpression), "REMOVE")
	assert.ElementsMatch(t, []string{"SUCCEEDED", "u1", "select * from foo.bar"}, expressionStrings(in.ExpressionAttributeValues))
	assert.Equal(t, "2019-01-01 00:00:10", aws.StringValue(in.Key[attrStartTimestamp].S))
}

func TestDynamoDBQueryStore_UpdateTerminalRemovesAbsentSQL(t *testing.T) {
	store, fake := newTestDynamoStore(t)
	ctx := context.Background()
	q := core.NewRunningQuery("id-1", "u1", time.Now())
	require.NoError(t, store.Insert(ctx, q))

	q.State = core.QueryStateCancelled
	require.NoError(t, store.UpdateTerminal(ctx, q))

	require.Len(t, fake.updates, 1)
	assert.True(t, strings.Contains(aws.StringValue(fake.updates[0].UpdateExpression), "REMOVE"))
}

func TestDynamoDBQueryStore_UpdateTerminalDoesNotCreate(t *testing.T) {
	store, _ := newTestDynamoStore(t)
	q := core.NewRunningQuery("id-1", "u1", time.Now())
	q.State = core.QueryStateFailed

	err := store.UpdateTerminal(context.Background(), q)
	assert.ErrorIs(t, err, ErrQueryNotFound)
}

func TestDynamoDBQueryStore_ListRunningFollowsPages(t *testing.T) {
	store, fake := newTestDynamoStore(t)

	page := func(id string) []map[string]*dynamodb.AttributeValue {
		item, err := dynamodbattribute.MarshalMap(core.NewRunningQuery(id, "u1",
			time.Date(2019, 1, 1, 0, 5, 0, 0, time.UTC)))
		require.NoError(t, err)
		return []map[string]*dynamodb.AttributeValue{item}
	}
	fake.pages = [][]map[string]*dynamodb.AttributeValue{page("a"), page("b")}

	now := time.Date(2019, 1, 1, 0, 10, 10, 0, time.UTC)
	got, err := store.ListRunning(context.Background(), now, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ExecutionID)
	assert.Equal(t, "b", got[1].ExecutionID)

	require.Len(t, fake.queries, 1)
	in := fake.queries[0]
	assert.NotNil(t, in.KeyConditionExpression)
	assert.NotNil(t, in.FilterExpression)
	assert.ElementsMatch(t, []string{"2019-01-01", "2018-12-31 23:10:10", "RUNNING"},
		expressionStrings(in.ExpressionAttributeValues))
}

func TestDynamoDBQueryStore_GetMissing(t *testing.T) {
	store, _ := newTestDynamoStore(t)

	_, err := store.Get(context.Background(), "2019-01-01", "2019-01-01 00:00:00")
	assert.ErrorIs(t, err, ErrQueryNotFound)
}
