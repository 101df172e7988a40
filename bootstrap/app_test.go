package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"querywatch/config"
	"querywatch/notify"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testQueueURL = "http://localhost:4566/000000000000/athena-queries"

func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
aws:
  region: eu-west-1
  endpoint: http://localhost:4566
store:
  backend: sqlite
  sqlite_path: %s
messaging:
  query_events_queue_url: %s
notify:
  user_mappings:
    testUser: U01TEST
%s`, filepath.Join(dir, "querywatch.db"), testQueueURL, extra)
	path := filepath.Join(dir, "querywatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func loadTestConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig(writeTestConfig(t, extra))
	require.NoError(t, err)
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestInitLogger(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		logger, sugar, err := InitLogger("debug", format)
		require.NoError(t, err, format)
		assert.NotNil(t, logger)
		assert.NotNil(t, sugar)
	}

	logger, _, err := InitLogger("warn", "console")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1), "debug must be disabled at warn")

	_, _, err = InitLogger("verbose", "console")
	assert.Error(t, err)
}

func TestNewApp_SQLite(t *testing.T) {
	app, err := NewApp(context.Background(), Options{ConfigPath: writeTestConfig(t, ""), LogLevel: "error"})
	require.NoError(t, err)
	defer app.Shutdown()

	assert.Equal(t, "error", app.Config.Log.Level)
	require.NotNil(t, app.Storage)
	assert.NotNil(t, app.Storage.SQLite)
	assert.NotNil(t, app.Storage.Store)

	require.NoError(t, app.InitTracker())
	assert.NotNil(t, app.Tracker)

	require.NoError(t, app.InitNotify(context.Background()))
	assert.NotNil(t, app.Notify.Router)
	assert.Equal(t, 1, app.Notify.Directory.Len())
	assert.IsType(t, notify.NopDeduplicator{}, app.Notify.Dedup)

	app.InitIngest()
	assert.NotNil(t, app.Ingest)
}

func TestNewApp_InvalidConfig(t *testing.T) {
	_, err := NewApp(context.Background(), Options{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestNewAWSSession_Endpoint(t *testing.T) {
	cfg := loadTestConfig(t, "")
	sess, err := NewAWSSession(cfg)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", *sess.Config.Region)
	assert.Equal(t, "http://localhost:4566", *sess.Config.Endpoint)
}

func TestInitStore_DynamoDBNeedsSession(t *testing.T) {
	cfg := loadTestConfig(t, "")
	cfg.Store.Backend = config.StoreDynamoDB
	_, err := InitStore(cfg, nil, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)

	sess, err := NewAWSSession(cfg)
	require.NoError(t, err)
	components, err := InitStore(cfg, sess, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.Nil(t, components.SQLite)
	assert.NoError(t, components.Close())
}

func TestBuildTracker(t *testing.T) {
	sugar := zaptest.NewLogger(t).Sugar()

	t.Run("requires query events queue", func(t *testing.T) {
		cfg := loadTestConfig(t, "")
		cfg.Messaging.QueryEventsQueueURL = ""
		_, err := BuildTracker(cfg, nil, nil, sugar)
		assert.Error(t, err)
	})

	t.Run("invalid user pattern", func(t *testing.T) {
		cfg := loadTestConfig(t, "")
		cfg.Tracker.UserPattern = "("
		sess, err := NewAWSSession(cfg)
		require.NoError(t, err)
		_, err = BuildTracker(cfg, sess, nil, sugar)
		assert.Error(t, err)
	})

	t.Run("resolver and cloudwatch", func(t *testing.T) {
		cfg := loadTestConfig(t, "")
		cfg.Tracker.UserPattern = `--\s*user:\s*(\w+)`
		cfg.CloudWatch.Enabled = true
		sess, err := NewAWSSession(cfg)
		require.NoError(t, err)
		tr, err := BuildTracker(cfg, sess, nil, sugar)
		require.NoError(t, err)
		assert.NotNil(t, tr)
	})
}

func TestBuildNotify_Dedup(t *testing.T) {
	sugar := zaptest.NewLogger(t).Sugar()

	cfg := loadTestConfig(t, "")
	cfg.Notify.Dedup.Backend = config.DedupMemory
	n, err := BuildNotify(context.Background(), cfg, sugar)
	require.NoError(t, err)
	assert.IsType(t, &notify.MemoryDeduplicator{}, n.Dedup)
	assert.NoError(t, n.Close())

	mr := miniredis.RunT(t)
	cfg.Notify.Dedup.Backend = config.DedupRedis
	cfg.Notify.Dedup.Redis.Addr = mr.Addr()
	n, err = BuildNotify(context.Background(), cfg, sugar)
	require.NoError(t, err)
	assert.IsType(t, &notify.RedisDeduplicator{}, n.Dedup)
	assert.NoError(t, n.Close())

	mr.Close()
	_, err = BuildNotify(context.Background(), cfg, sugar)
	assert.Error(t, err)
}

func TestBuildNotify_BadTemplate(t *testing.T) {
	cfg := loadTestConfig(t, "")
	cfg.Notify.Threshold.Message = "{{.Unclosed"
	_, err := BuildNotify(context.Background(), cfg, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestBuildNotify_MissingMappingsFile(t *testing.T) {
	cfg := loadTestConfig(t, "")
	cfg.Notify.UserMappingsFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := BuildNotify(context.Background(), cfg, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestApp_StartAndShutdown(t *testing.T) {
	port := freePort(t)
	path := writeTestConfig(t, fmt.Sprintf("api:\n  port: %d\n", port))

	app, err := NewApp(context.Background(), Options{ConfigPath: path, LogLevel: "error"})
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	app.Shutdown()

	_, err = http.Get(url)
	assert.Error(t, err)
}
