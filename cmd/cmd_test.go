package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"querywatch/core"
	"querywatch/messaging"
	"querywatch/notify"
	"querywatch/storage"
	"querywatch/tracker"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testExecutionID = "fda9a497-05e8-4c76-9734-561118eb3623"
	testQueueARN    = "arn:aws:sqs:eu-west-1:123456789012:athena-queries"
)

type testEnv struct {
	dir        string
	configPath string
	dbPath     string
}

func newTestEnv(t *testing.T, extra string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "querywatch.yaml"),
		dbPath:     filepath.Join(dir, "querywatch.db"),
	}
	body := fmt.Sprintf(`
log:
  level: error
aws:
  region: eu-west-1
  endpoint: http://localhost:4566
store:
  backend: sqlite
  sqlite_path: %s
messaging:
  query_events_queue_url: http://localhost:4566/000000000000/athena-queries
%s`, env.dbPath, extra)
	require.NoError(t, os.WriteFile(env.configPath, []byte(body), 0o600))
	return env
}

// seed inserts queries into the environment's database before a command opens it.
func (e *testEnv) seed(t *testing.T, queries ...*core.Query) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	db, err := storage.NewSQLite(e.dbPath, logger)
	require.NoError(t, err)
	defer db.Close()
	store, err := storage.NewSQLiteQueryStore(db, logger)
	require.NoError(t, err)
	for _, q := range queries {
		require.NoError(t, store.Insert(context.Background(), q))
	}
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.configPath, "--no-color"}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeBatch(t *testing.T, dir string, records ...messaging.Record) string {
	t.Helper()
	data, err := json.Marshal(messaging.Batch{Records: records})
	require.NoError(t, err)
	path := filepath.Join(dir, "batch.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func lifecycleRecord(t *testing.T, user string, scanned int64) messaging.Record {
	t.Helper()
	q := core.NewRunningQuery(testExecutionID, user, time.Date(2019, 1, 17, 11, 57, 30, 0, time.UTC))
	q.State = core.QueryStateSucceeded
	q.DataScanned = scanned
	q.SetSQL("select * from foo.bar")
	body, err := json.Marshal(q)
	require.NoError(t, err)
	arn := testQueueARN
	return messaging.Record{Body: string(body), EventSource: "aws:sqs", EventSourceARN: &arn}
}

func slackConfig(server *notify.MockSlackServer) string {
	cfg := server.Config()
	return fmt.Sprintf(`notify:
  slack:
    webhook_url: %s
    bot_token: %s
    api_url: %s
  user_mappings:
    testUser: U01TEST
`, cfg.WebhookURL, cfg.BotToken, cfg.APIURL)
}

func TestNotify_SendsChannelAndDirectMessage(t *testing.T) {
	server, err := notify.NewMockSlackServer()
	require.NoError(t, err)
	defer server.Close()

	env := newTestEnv(t, slackConfig(server))
	batch := writeBatch(t, env.dir, lifecycleRecord(t, "testUser", int64(2)<<40))

	out, err := env.run(t, "notify", "--file", batch)
	require.NoError(t, err)
	assert.Contains(t, out, "Routed 1 records")

	assert.Len(t, server.Requests(notify.MockWebhookPath), 1)
	assert.Len(t, server.Requests(notify.MockConversationsOpenPath), 1)
	assert.Len(t, server.Requests(notify.MockPostMessagePath), 1)
}

func TestNotify_BelowThresholdSendsNothing(t *testing.T) {
	server, err := notify.NewMockSlackServer()
	require.NoError(t, err)
	defer server.Close()

	env := newTestEnv(t, slackConfig(server))
	batch := writeBatch(t, env.dir, lifecycleRecord(t, "testUser", 1024))

	_, err = env.run(t, "notify", "--file", batch, "--quiet")
	require.NoError(t, err)
	assert.Empty(t, server.Requests(""))
}

func TestNotify_UnroutableFails(t *testing.T) {
	server, err := notify.NewMockSlackServer()
	require.NoError(t, err)
	defer server.Close()

	env := newTestEnv(t, slackConfig(server))
	batch := writeBatch(t, env.dir,
		lifecycleRecord(t, "testUser", int64(2)<<40),
		messaging.Record{Body: `{"hello":"world"}`})

	_, err = env.run(t, "notify", "--file", batch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, notify.ErrUnroutableMessage))
	assert.Empty(t, server.Requests(""), "no record of a rejected batch is handled")
}

func TestNotify_BadBatchFile(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.run(t, "notify", "--file", filepath.Join(env.dir, "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(env.dir, "garbage.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
	_, err = env.run(t, "notify", "--file", path)
	assert.Error(t, err)
}

func TestQueriesGet(t *testing.T) {
	env := newTestEnv(t, "")
	q := core.NewRunningQuery(testExecutionID, "testUser", time.Date(2019, 1, 17, 11, 57, 30, 0, time.UTC))
	env.seed(t, q)

	out, err := env.run(t, "queries", "get", "2019-01-17", "2019-01-17 11:57:30")
	require.NoError(t, err)
	assert.Contains(t, out, testExecutionID)
	assert.Contains(t, out, "RUNNING")
	assert.Contains(t, out, "(not set)")

	out, err = env.run(t, "queries", "get", "2019-01-17", "2019-01-17 11:57:30", "--json")
	require.NoError(t, err)
	var got core.Query
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, *q, got)

	_, err = env.run(t, "queries", "get", "2019-01-17", "2019-01-17 00:00:00")
	assert.Error(t, err)
}

func TestQueriesRunning(t *testing.T) {
	fixed := time.Date(2019, 1, 17, 0, 20, 0, 0, time.UTC)
	now = func() time.Time { return fixed }
	defer func() { now = time.Now }()

	env := newTestEnv(t, "")
	env.seed(t,
		core.NewRunningQuery("yesterday-late", "alice", fixed.Add(-40*time.Minute)),
		core.NewRunningQuery("today", "bob", fixed.Add(-10*time.Minute)),
		core.NewRunningQuery("too-old", "carol", fixed.Add(-3*time.Hour)),
	)

	out, err := env.run(t, "queries", "running", "--json")
	require.NoError(t, err)
	var got []*core.Query
	require.NoError(t, json.Unmarshal([]byte(out), &got))

	ids := make([]string, 0, len(got))
	for _, q := range got {
		ids = append(ids, q.ExecutionID)
	}
	assert.ElementsMatch(t, []string{"yesterday-late", "today"}, ids)

	out, err = env.run(t, "queries", "running", "--since", "2019-01-17T00:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "today")
	assert.NotContains(t, out, "yesterday-late")
	assert.Contains(t, out, "1 running")
}

func TestQueriesRunning_BadSince(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.run(t, "queries", "running", "--since", "yesterday")
	assert.Error(t, err)

	_, err = env.run(t, "queries", "running", "--since", time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	assert.Error(t, err)

	_, err = env.run(t, "queries", "running", "--since", "0001-01-01T00:00:00Z")
	assert.ErrorContains(t, err, "ago")
}

func TestQueriesRunning_Empty(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run(t, "queries", "running", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestIngest_RequiresFlags(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.run(t, "ingest", "--bucket", "logs")
	assert.Error(t, err)
}

func TestRenderPollResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderPollResult(&buf, &tracker.PollResult{Checked: 2, Updated: 2}))
	assert.Contains(t, buf.String(), "Updated:")

	errs := multierror.Append(nil, errors.New("query a: throttled"))
	buf.Reset()
	err := renderPollResult(&buf, &tracker.PollResult{Checked: 2, Updated: 1, Failed: 1, Err: errs})
	assert.Error(t, err)
	assert.Contains(t, buf.String(), "query a: throttled")

	outputJSON = true
	defer func() { outputJSON = false }()
	buf.Reset()
	_ = renderPollResult(&buf, &tracker.PollResult{Checked: 2, Updated: 1, Failed: 1, Err: errs})
	var got pollOutput
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, pollOutput{Checked: 2, Updated: 1, Failed: 1, Errors: []string{"query a: throttled"}}, got)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{2*time.Hour + 7*time.Minute, "2h07m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}
