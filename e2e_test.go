package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"querywatch/core"
	"querywatch/engine"
	"querywatch/ingest"
	"querywatch/messaging"
	"querywatch/notify"
	"querywatch/storage"
	"querywatch/tracker"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/athena"
	"github.com/aws/aws-sdk-go/service/athena/athenaiface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	e2eExecutionID = "fda9a497-05e8-4c76-9734-561118eb3623"
	e2eQueueURL    = "http://localhost:4566/000000000000/athena-queries"
	e2eQueueARN    = "arn:aws:sqs:eu-west-1:000000000000:athena-queries"
)

type e2eS3 struct {
	s3iface.S3API
	body []byte
}

func (f *e2eS3) GetObjectWithContext(aws.Context, *s3.GetObjectInput, ...request.Option) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.body))}, nil
}

type e2eAthena struct {
	athenaiface.AthenaAPI
	state   string
	scanned int64
}

func (f *e2eAthena) GetQueryExecutionWithContext(_ aws.Context, in *athena.GetQueryExecutionInput, _ ...request.Option) (*athena.GetQueryExecutionOutput, error) {
	if aws.StringValue(in.QueryExecutionId) != e2eExecutionID {
		return nil, errors.New("InvalidRequestException")
	}
	return &athena.GetQueryExecutionOutput{QueryExecution: &athena.QueryExecution{
		QueryExecutionId: in.QueryExecutionId,
		Query:            aws.String("select * from events"),
		Status:           &athena.QueryExecutionStatus{State: aws.String(f.state)},
		Statistics:       &athena.QueryExecutionStatistics{DataScannedInBytes: aws.Int64(f.scanned)},
	}}, nil
}

// e2eQueue is an in-memory SQS queue.
type e2eQueue struct {
	sqsiface.SQSAPI
	mu       sync.Mutex
	messages []*sqs.Message
	deleted  int
}

func (q *e2eQueue) SendMessageWithContext(_ aws.Context, in *sqs.SendMessageInput, _ ...request.Option) (*sqs.SendMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := strconv.Itoa(len(q.messages))
	q.messages = append(q.messages, &sqs.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          in.MessageBody,
	})
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (q *e2eQueue) ReceiveMessageWithContext(aws.Context, *sqs.ReceiveMessageInput, ...request.Option) (*sqs.ReceiveMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{Messages: q.messages}
	q.messages = nil
	return out, nil
}

func (q *e2eQueue) DeleteMessageBatchWithContext(_ aws.Context, in *sqs.DeleteMessageBatchInput, _ ...request.Option) (*sqs.DeleteMessageBatchOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted += len(in.Entries)
	return &sqs.DeleteMessageBatchOutput{}, nil
}

func gzipTrail(t *testing.T, trail string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(trail))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// TestEndToEnd follows one expensive query from its CloudTrail record to the
// Slack messages it triggers.
func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	sugar := zaptest.NewLogger(t).Sugar()

	db, err := storage.NewSQLite(":memory:", sugar)
	require.NoError(t, err)
	defer db.Close()
	store, err := storage.NewSQLiteQueryStore(db, sugar)
	require.NoError(t, err)

	// 1. Ingest the StartQueryExecution record.
	started := time.Now().UTC().Add(-5 * time.Minute).Truncate(time.Second)
	trail := `{"Records":[{"eventTime":"` + started.Format(ingest.CloudTrailTimeLayout) + `",` +
		`"eventName":"StartQueryExecution","userIdentity":{"userName":"testUser"},` +
		`"responseElements":{"queryExecutionId":"` + e2eExecutionID + `"}}]}`
	handler := ingest.NewCloudTrailHandler(&e2eS3{body: gzipTrail(t, trail)}, store, sugar)
	res, err := handler.ProcessObject(ctx, "cloudtrail", "log.json.gz")
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)

	// 2. Poll while the engine still runs it, then after it finished.
	athenaAPI := &e2eAthena{state: athena.QueryExecutionStateRunning}
	queue := &e2eQueue{}
	tr := tracker.New(store,
		engine.NewAthenaClient(athenaAPI, engine.Config{}, sugar),
		messaging.NewPublisher(queue, e2eQueueURL, sugar),
		tracker.Config{Lookback: time.Hour}, sugar)

	result, err := tr.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, 0, result.Updated)
	assert.Empty(t, queue.messages)

	athenaAPI.state = athena.QueryExecutionStateSucceeded
	athenaAPI.scanned = int64(2) << 40
	result, err = tr.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	require.Len(t, queue.messages, 1)

	stored, err := store.Get(ctx, core.PartitionKey(started), core.SortKey(started))
	require.NoError(t, err)
	assert.Equal(t, core.QueryStateSucceeded, stored.State)
	assert.Equal(t, int64(2)<<40, stored.DataScanned)

	// 3. Consume the lifecycle event and notify.
	slack, err := notify.NewMockSlackServer()
	require.NoError(t, err)
	defer slack.Close()

	threshold, err := notify.NewThresholdNotificator(notify.ThresholdConfig{
		UserBytes:    int64(100) << 30,
		ChannelBytes: int64(1) << 40,
		PricePerTB:   5,
		Message:      "Query {{.ExecutionID}} by {{.User}} scanned {{.DataScannedGB}} GB (${{.Cost}}).",
		SourceMarker: notify.DefaultSourceMarker,
	}, notify.NewSlackClient(slack.Config(), sugar), notify.NewStaticDirectory(map[string]string{"testUser": "U01TEST"}), nil, sugar)
	require.NoError(t, err)
	router := notify.NewRouter(sugar, threshold)

	src := messaging.Source{Name: "query-events", QueueURL: e2eQueueURL, Kind: messaging.SourceSQS, ARN: e2eQueueARN}
	consumer := messaging.NewConsumer(queue, messaging.ConsumerConfig{Sources: []messaging.Source{src}}, router, sugar)
	n, err := consumer.PollOnce(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, queue.deleted)

	channel := slack.Requests(notify.MockWebhookPath)
	require.Len(t, channel, 1)
	assert.Contains(t, channel[0].Body, "scanned 2048 GB ($10.00)")
	assert.Len(t, slack.Requests(notify.MockPostMessagePath), 1)

	// 4. Polling again finds nothing left to do.
	result, err = tr.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Checked)
}
