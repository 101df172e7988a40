package notify

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"querywatch/core"
	"querywatch/messaging"

	"go.uber.org/zap"
)

// AnomalyConfig configures the anomaly alarm notificator.
type AnomalyConfig struct {
	// Message is a text/template over AnomalyFields.
	Message string
	// Dimension names the alarm dimension holding the query user.
	Dimension string
	// SubscriptionMarker, when set, must appear in the record's subscription ARN.
	SubscriptionMarker string
}

// AnomalyFields are available to the anomaly template.
type AnomalyFields struct {
	Subject     string
	User        string
	Reason      string
	AlarmName   string
	SlackUserID string
}

// AnomalyNotificator relays anomaly detection alarms delivered over SNS.
type AnomalyNotificator struct {
	cfg       AnomalyConfig
	message   *template.Template
	messenger Messenger
	directory IdentityDirectory
	logger    *zap.SugaredLogger
}

func NewAnomalyNotificator(cfg AnomalyConfig, messenger Messenger, directory IdentityDirectory, logger *zap.SugaredLogger) (*AnomalyNotificator, error) {
	if cfg.Message == "" {
		return nil, fmt.Errorf("anomaly message template cannot be empty")
	}
	if cfg.Dimension == "" {
		cfg.Dimension = core.DefaultUserDimension
	}
	tmpl, err := template.New("anomaly").Parse(cfg.Message)
	if err != nil {
		return nil, fmt.Errorf("invalid anomaly message template: %w", err)
	}
	return &AnomalyNotificator{
		cfg:       cfg,
		message:   tmpl,
		messenger: messenger,
		directory: directory,
		logger:    logger,
	}, nil
}

func (n *AnomalyNotificator) Name() string { return "anomaly" }

func (n *AnomalyNotificator) Matches(record messaging.Record) bool {
	if record.EventSubscriptionArn == nil {
		return false
	}
	return n.cfg.SubscriptionMarker == "" || strings.Contains(*record.EventSubscriptionArn, n.cfg.SubscriptionMarker)
}

// Handle posts active alarms to the channel and, when the user is mapped, to the user.
func (n *AnomalyNotificator) Handle(ctx context.Context, record messaging.Record) error {
	if record.Sns == nil {
		return fmt.Errorf("%w: subscription record without Sns envelope", core.ErrInvalidAlarm)
	}

	alarm, err := core.ParseAnomalyAlarm(record.Sns.Message, n.cfg.Dimension)
	if err != nil {
		return err
	}
	if !alarm.IsActive() {
		n.logger.Debugw("Ignoring alarm state change", "alarm", alarm.Name, "state", alarm.State)
		return nil
	}

	slackID, mapped := n.directory.Lookup(alarm.User)
	text, err := render(n.message, AnomalyFields{
		Subject:     record.Sns.Subject,
		User:        alarm.User,
		Reason:      alarm.Reason,
		AlarmName:   alarm.Name,
		SlackUserID: slackID,
	})
	if err != nil {
		return err
	}

	n.messenger.PostToChannel(ctx, text)
	if !mapped {
		n.logger.Warnw("Couldn't find slack user mapping", "user", alarm.User)
		return nil
	}
	n.messenger.SendDirect(ctx, slackID, text)
	return nil
}

var _ Notificator = (*AnomalyNotificator)(nil)
