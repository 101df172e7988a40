package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"text/template"

	"querywatch/core"
	"querywatch/messaging"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// DefaultSourceMarker identifies records coming from the query events queue.
const DefaultSourceMarker = "athena-queries"

const (
	bytesPerGB = 1 << 30
	bytesPerTB = 1 << 40
)

const lifecycleEventSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["start_date", "start_timestamp", "query_execution_id", "query_state", "executing_user", "data_scanned"],
  "properties": {
    "start_date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "start_timestamp": {"type": "string"},
    "query_execution_id": {"type": "string", "minLength": 1},
    "query_state": {"type": "string", "enum": ["QUEUED", "RUNNING", "SUCCEEDED", "FAILED", "CANCELLED"]},
    "executing_user": {"type": "string"},
    "data_scanned": {"type": "integer", "minimum": 0},
    "query_sql": {"type": ["string", "null"]}
  }
}`

// ThresholdConfig configures the data-scanned notificator. Templates use
// text/template syntax over ThresholdFields.
type ThresholdConfig struct {
	UserBytes       int64
	ChannelBytes    int64
	PricePerTB      float64
	Message         string
	ChannelAddendum string
	UserAddendum    string
	SourceMarker    string
}

// ThresholdFields are available to threshold templates.
type ThresholdFields struct {
	DataScannedBytes int64
	DataScannedGB    int64
	Cost             string
	ExecutionID      string
	User             string
	SlackUserID      string
}

// DataScannedGB truncates bytes to whole gibibytes.
func DataScannedGB(bytes int64) int64 {
	return bytes / bytesPerGB
}

// EstimateCost prices bytes at pricePerTB per tebibyte, rounded to cents.
func EstimateCost(bytes int64, pricePerTB float64) float64 {
	return math.Round(float64(bytes)/bytesPerTB*pricePerTB*100) / 100
}

// ThresholdNotificator alerts the admin channel and the submitting user when a
// finished query scanned more data than the configured thresholds.
type ThresholdNotificator struct {
	cfg       ThresholdConfig
	schema    *gojsonschema.Schema
	message   *template.Template
	channel   *template.Template
	user      *template.Template
	messenger Messenger
	directory IdentityDirectory
	dedup     Deduplicator
	logger    *zap.SugaredLogger
}

// NewThresholdNotificator parses the templates in cfg. A nil dedup disables deduplication.
func NewThresholdNotificator(cfg ThresholdConfig, messenger Messenger, directory IdentityDirectory, dedup Deduplicator, logger *zap.SugaredLogger) (*ThresholdNotificator, error) {
	if cfg.Message == "" {
		return nil, fmt.Errorf("threshold message template cannot be empty")
	}
	if cfg.SourceMarker == "" {
		cfg.SourceMarker = DefaultSourceMarker
	}
	if dedup == nil {
		dedup = NopDeduplicator{}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(lifecycleEventSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to load lifecycle event schema: %w", err)
	}

	n := &ThresholdNotificator{
		cfg:       cfg,
		schema:    schema,
		messenger: messenger,
		directory: directory,
		dedup:     dedup,
		logger:    logger,
	}
	if n.message, err = template.New("message").Parse(cfg.Message); err != nil {
		return nil, fmt.Errorf("invalid threshold message template: %w", err)
	}
	if n.channel, err = template.New("channel").Parse(cfg.ChannelAddendum); err != nil {
		return nil, fmt.Errorf("invalid channel addendum template: %w", err)
	}
	if n.user, err = template.New("user").Parse(cfg.UserAddendum); err != nil {
		return nil, fmt.Errorf("invalid user addendum template: %w", err)
	}
	return n, nil
}

func (n *ThresholdNotificator) Name() string { return "threshold" }

// Matches accepts SQS records whose source ARN carries the configured marker.
func (n *ThresholdNotificator) Matches(record messaging.Record) bool {
	return record.EventSourceARN != nil && strings.Contains(*record.EventSourceARN, n.cfg.SourceMarker)
}

// Handle validates and decodes the lifecycle event in the record body.
func (n *ThresholdNotificator) Handle(ctx context.Context, record messaging.Record) error {
	query, err := n.decode(record.Body)
	if err != nil {
		return err
	}
	return n.Evaluate(ctx, query)
}

func (n *ThresholdNotificator) decode(body string) (*core.Query, error) {
	result, err := n.schema.Validate(gojsonschema.NewStringLoader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(msgs, "; "))
	}

	var q core.Query
	if err := json.Unmarshal([]byte(body), &q); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return &q, nil
}

// Evaluate applies both thresholds to query and sends the resulting notifications.
func (n *ThresholdNotificator) Evaluate(ctx context.Context, query *core.Query) error {
	toUser := query.DataScanned > n.cfg.UserBytes
	toChannel := query.DataScanned > n.cfg.ChannelBytes
	if !toUser && !toChannel {
		return nil
	}

	first, err := n.dedup.MarkSent(ctx, query.ExecutionID)
	if err != nil {
		n.logger.Warnw("Notification deduplication unavailable, sending anyway",
			"query_execution_id", query.ExecutionID,
			"error", err)
	} else if !first {
		n.logger.Debugw("Notification already sent, skipping",
			"query_execution_id", query.ExecutionID)
		return nil
	}

	slackID, mapped := n.directory.Lookup(query.ExecutingUser)
	fields := ThresholdFields{
		DataScannedBytes: query.DataScanned,
		DataScannedGB:    DataScannedGB(query.DataScanned),
		Cost:             fmt.Sprintf("%.2f", EstimateCost(query.DataScanned, n.cfg.PricePerTB)),
		ExecutionID:      query.ExecutionID,
		User:             query.ExecutingUser,
		SlackUserID:      slackID,
	}

	text, err := render(n.message, fields)
	if err != nil {
		return err
	}

	if toChannel {
		addendum, err := render(n.channel, fields)
		if err != nil {
			return err
		}
		n.messenger.PostToChannel(ctx, text+addendum)
	}

	if !mapped {
		n.logger.Warnw("Couldn't find slack user mapping", "user", query.ExecutingUser)
		return nil
	}
	if toUser {
		addendum, err := render(n.user, fields)
		if err != nil {
			return err
		}
		n.messenger.SendDirect(ctx, slackID, text+addendum)
	}
	return nil
}

func render(t *template.Template, data interface{}) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render %s template: %w", t.Name(), err)
	}
	return sb.String(), nil
}

var _ Notificator = (*ThresholdNotificator)(nil)
