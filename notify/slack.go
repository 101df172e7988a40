package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"querywatch/core"
	"querywatch/metrics"

	"go.uber.org/zap"
)

// DefaultSlackAPIURL is the Slack Web API base.
const DefaultSlackAPIURL = "https://slack.com/api"

const (
	targetChannel = "channel"
	targetDirect  = "direct"
)

// Messenger delivers rendered notifications. Sends never return errors:
// failures are logged and the caller moves on.
type Messenger interface {
	PostToChannel(ctx context.Context, text string)
	SendDirect(ctx context.Context, userID, text string)
}

// SlackConfig configures the Slack transport.
type SlackConfig struct {
	WebhookURL string
	BotToken   string
	APIURL     string
	Timeout    time.Duration
}

// SlackClient posts to the admin channel through an incoming webhook and sends
// direct messages through the Web API.
type SlackClient struct {
	cfg        SlackConfig
	httpClient *http.Client
	logger     *zap.SugaredLogger

	breakers map[string]*core.CircuitBreaker
	cbMu     sync.RWMutex
}

// NewSlackClient creates a client. An empty APIURL means DefaultSlackAPIURL.
func NewSlackClient(cfg SlackConfig, logger *zap.SugaredLogger) *SlackClient {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultSlackAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SlackClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		breakers:   make(map[string]*core.CircuitBreaker),
	}
}

// breaker returns the circuit breaker guarding endpoint, creating it on first use.
func (c *SlackClient) breaker(endpoint string) *core.CircuitBreaker {
	c.cbMu.RLock()
	cb, ok := c.breakers[endpoint]
	c.cbMu.RUnlock()
	if ok {
		return cb
	}

	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	if cb, ok := c.breakers[endpoint]; ok {
		return cb
	}

	cb, err := core.NewCircuitBreaker(core.DefaultBreakerConfig())
	if err != nil {
		// DefaultBreakerConfig is always valid.
		panic(err)
	}
	c.breakers[endpoint] = cb
	c.logger.Debugw("Created circuit breaker", "endpoint", endpoint)
	return cb
}

// PostToChannel posts text to the configured incoming webhook.
func (c *SlackClient) PostToChannel(ctx context.Context, text string) {
	if c.cfg.WebhookURL == "" {
		c.logger.Warn("Slack webhook URL not configured, skipping channel post")
		return
	}

	payload := map[string]interface{}{"text": text, "link_names": 1}
	status, _, err := c.post(ctx, "webhook", c.cfg.WebhookURL, payload, false)
	if err != nil {
		c.record(targetChannel, err)
		c.logger.Errorw("Failed to post Slack channel message", "error", err)
		return
	}
	if status < 200 || status > 299 {
		c.record(targetChannel, errStatus)
		c.logger.Errorw("Unexpected response from Slack webhook", "status", status)
		return
	}
	c.record(targetChannel, nil)
}

type conversationsOpenResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Channel *struct {
		ID string `json:"id"`
	} `json:"channel"`
}

// SendDirect opens a conversation with userID and posts text into it.
func (c *SlackClient) SendDirect(ctx context.Context, userID, text string) {
	status, body, err := c.post(ctx, "conversations.open",
		c.cfg.APIURL+"/conversations.open", map[string]string{"users": userID}, true)
	if err != nil {
		c.record(targetDirect, err)
		c.logger.Errorw("Failed to open Slack conversation", "slack_user", userID, "error", err)
		return
	}
	if status != http.StatusOK {
		c.record(targetDirect, errStatus)
		c.logger.Errorw("Unexpected response code from Slack when opening conversation",
			"slack_user", userID,
			"status", status)
		return
	}

	var opened conversationsOpenResponse
	if err := json.Unmarshal(body, &opened); err != nil || opened.Channel == nil || opened.Channel.ID == "" {
		c.record(targetDirect, errStatus)
		c.logger.Errorw("Unexpected response content from Slack when opening conversation",
			"slack_user", userID,
			"slack_error", opened.Error,
			"body", string(body))
		return
	}

	status, _, err = c.post(ctx, "chat.postMessage", c.cfg.APIURL+"/chat.postMessage",
		map[string]string{"channel": opened.Channel.ID, "text": text}, true)
	if err != nil {
		c.record(targetDirect, err)
		c.logger.Errorw("Failed to send Slack direct message", "slack_user", userID, "error", err)
		return
	}
	if status != http.StatusOK {
		c.record(targetDirect, errStatus)
		c.logger.Errorw("Unexpected response from Slack when sending message",
			"slack_user", userID,
			"status", status)
		return
	}
	c.record(targetDirect, nil)
}

var errStatus = errors.New("unexpected slack response")

func (c *SlackClient) record(target string, err error) {
	switch {
	case err == nil:
		metrics.NotificationsSent.WithLabelValues(target, "sent").Inc()
	case errors.Is(err, core.ErrCircuitOpen):
		metrics.NotificationsSent.WithLabelValues(target, "short_circuited").Inc()
	default:
		metrics.NotificationsSent.WithLabelValues(target, "failed").Inc()
	}
}

// post sends payload as JSON through the breaker for endpoint and returns the
// status code and body. Non-2xx responses count as breaker failures.
func (c *SlackClient) post(ctx context.Context, endpoint, url string, payload interface{}, auth bool) (int, []byte, error) {
	cb := c.breaker(endpoint)
	if err := cb.Allow(); err != nil {
		return 0, nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal Slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build Slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BotToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if state := cb.Failure(); state == core.BreakerOpen {
			c.logger.Warnw("Slack endpoint circuit opened", "endpoint", endpoint)
		}
		return 0, nil, fmt.Errorf("slack request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debugf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		cb.Failure()
		return resp.StatusCode, nil, fmt.Errorf("failed to read Slack response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if state := cb.Failure(); state == core.BreakerOpen {
			c.logger.Warnw("Slack endpoint circuit opened", "endpoint", endpoint)
		}
	} else {
		cb.Success()
	}
	return resp.StatusCode, body, nil
}

var _ Messenger = (*SlackClient)(nil)
