package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"querywatch/core"
	"querywatch/messaging"

	"github.com/stretchr/testify/require"
)

const (
	testExecutionID = "6acb55b1-fddd-4608-bef8-ed206e1262de"
	testQueueARN    = "arn:aws:sqs:eu-west-1:123456789012:athena-queries"
	testTopicARN    = "arn:aws:sns:eu-west-1:123456789012:athena-anomalies:4f1c2d9e"
	testTemplate    = "Query {{.ExecutionID}} by {{.User}} scanned {{.DataScannedGB}} GB (${{.Cost}})."
)

type directMessage struct {
	userID string
	text   string
}

type recordingMessenger struct {
	mu      sync.Mutex
	channel []string
	direct  []directMessage
}

func (m *recordingMessenger) PostToChannel(_ context.Context, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channel = append(m.channel, text)
}

func (m *recordingMessenger) SendDirect(_ context.Context, userID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.direct = append(m.direct, directMessage{userID: userID, text: text})
}

func strPtr(s string) *string { return &s }

func finishedQuery(user string, bytes int64) *core.Query {
	q := &core.Query{
		StartDate:      "2019-01-17",
		StartTimestamp: "2019-01-17 11:57:30",
		ExecutionID:    testExecutionID,
		State:          core.QueryStateSucceeded,
		ExecutingUser:  user,
		DataScanned:    bytes,
	}
	q.SetSQL("select * from foo.bar")
	return q
}

func queueRecord(t *testing.T, q *core.Query) messaging.Record {
	t.Helper()
	body, err := json.Marshal(q)
	require.NoError(t, err)
	return messaging.Record{
		MessageID:      "059f36b4-87a3-44ab-83d2-661975830a7d",
		Body:           string(body),
		EventSource:    "aws:sqs",
		EventSourceARN: strPtr(testQueueARN),
	}
}

func alarmRecord(state, user string) messaging.Record {
	msg := `{"AlarmName":"athena-anomaly-` + user + `","NewStateValue":"` + state + `",` +
		`"NewStateReason":"Thresholds Crossed: 1 datapoint was greater than the upper band",` +
		`"Trigger":{"MetricName":"DataScanned","Namespace":"Athena","Dimensions":[{"name":"athena_user","value":"` + user + `"}]}}`
	return messaging.Record{
		EventSource:          "aws:sns",
		EventVersion:         "1.0",
		EventSubscriptionArn: strPtr(testTopicARN),
		Sns: &messaging.SNSEnvelope{
			Type:    "Notification",
			Subject: `ALARM: "athena-anomaly-` + user + `" in EU (Ireland)`,
			Message: msg,
		},
	}
}

func mustParseTimestamp(t *testing.T, ts string) time.Time {
	t.Helper()
	parsed, err := time.Parse(core.TimestampLayout, ts)
	require.NoError(t, err)
	return parsed
}
