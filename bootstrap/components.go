package bootstrap

import (
	"context"
	"fmt"
	"io"

	"querywatch/config"
	"querywatch/engine"
	"querywatch/messaging"
	"querywatch/metrics"
	"querywatch/notify"
	"querywatch/storage"
	"querywatch/tracker"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/athena"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/sqs"
	"go.uber.org/zap"
)

// NotifyComponents is the notification side of the service.
type NotifyComponents struct {
	Router    *notify.Router
	Slack     *notify.SlackClient
	Directory *notify.StaticDirectory
	Dedup     notify.Deduplicator
}

// Close releases the deduplication backend when it holds connections.
func (n *NotifyComponents) Close() error {
	if n == nil {
		return nil
	}
	if c, ok := n.Dedup.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// BuildTracker wires the lifecycle tracker against the engine, the store and
// the query events queue.
func BuildTracker(cfg *config.Config, sess *session.Session, store storage.QueryStore, sugar *zap.SugaredLogger) (*tracker.Tracker, error) {
	if cfg.Messaging.QueryEventsQueueURL == "" {
		return nil, fmt.Errorf("messaging.query_events_queue_url is required to publish lifecycle events")
	}

	athenaClient := engine.NewAthenaClient(athena.New(sess), engine.Config{
		RequestsPerSecond: cfg.Engine.RequestsPerSecond,
		Burst:             cfg.Engine.Burst,
	}, sugar)
	publisher := messaging.NewPublisher(sqs.New(sess), cfg.Messaging.QueryEventsQueueURL, sugar)

	var opts []tracker.Option
	if cfg.Tracker.UserPattern != "" {
		resolver, err := tracker.NewPatternUserResolver(cfg.Tracker.UserPattern, cfg.Tracker.UserPatternTimeout, sugar)
		if err != nil {
			return nil, fmt.Errorf("invalid tracker.user_pattern: %w", err)
		}
		opts = append(opts, tracker.WithUserResolver(resolver))
	}
	if cfg.CloudWatch.Enabled {
		opts = append(opts, tracker.WithUsageReporter(metrics.NewCloudWatchReporter(cloudwatch.New(sess), metrics.CloudWatchConfig{
			Namespace:  cfg.CloudWatch.Namespace,
			MetricName: cfg.CloudWatch.MetricName,
			Dimension:  cfg.CloudWatch.Dimension,
		})))
	}

	return tracker.New(store, athenaClient, publisher, tracker.Config{
		Lookback:    cfg.Tracker.Lookback,
		Concurrency: cfg.Tracker.Concurrency,
	}, sugar, opts...), nil
}

// BuildNotify wires the Slack transport, the identity directory, the
// deduplicator and both notificators behind a router. Threshold comes first.
func BuildNotify(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*NotifyComponents, error) {
	slack := notify.NewSlackClient(notify.SlackConfig{
		WebhookURL: cfg.Notify.Slack.WebhookURL,
		BotToken:   cfg.Notify.Slack.BotToken,
		APIURL:     cfg.Notify.Slack.APIURL,
		Timeout:    cfg.Notify.Slack.Timeout,
	}, sugar)

	directory, err := notify.LoadStaticDirectory(cfg.Notify.UserMappingsFile, cfg.Notify.UserMappings)
	if err != nil {
		return nil, err
	}

	dedup, err := buildDeduplicator(ctx, cfg)
	if err != nil {
		return nil, err
	}
	closeDedup := func() {
		if c, ok := dedup.(io.Closer); ok {
			_ = c.Close()
		}
	}

	threshold, err := notify.NewThresholdNotificator(notify.ThresholdConfig{
		UserBytes:       cfg.Notify.Threshold.UserBytes,
		ChannelBytes:    cfg.Notify.Threshold.ChannelBytes,
		PricePerTB:      cfg.Notify.Threshold.PricePerTB,
		Message:         cfg.Notify.Threshold.Message,
		ChannelAddendum: cfg.Notify.Threshold.ChannelAddendum,
		UserAddendum:    cfg.Notify.Threshold.UserAddendum,
		SourceMarker:    cfg.Notify.Threshold.SourceMarker,
	}, slack, directory, dedup, sugar)
	if err != nil {
		closeDedup()
		return nil, fmt.Errorf("invalid threshold notificator config: %w", err)
	}

	anomaly, err := notify.NewAnomalyNotificator(notify.AnomalyConfig{
		Message:            cfg.Notify.Anomaly.Message,
		Dimension:          cfg.Notify.Anomaly.Dimension,
		SubscriptionMarker: cfg.Notify.Anomaly.SubscriptionMarker,
	}, slack, directory, sugar)
	if err != nil {
		closeDedup()
		return nil, fmt.Errorf("invalid anomaly notificator config: %w", err)
	}

	sugar.Infow("Notification router ready",
		"user_mappings", directory.Len(),
		"dedup", cfg.Notify.Dedup.Backend)

	return &NotifyComponents{
		Router:    notify.NewRouter(sugar, threshold, anomaly),
		Slack:     slack,
		Directory: directory,
		Dedup:     dedup,
	}, nil
}

func buildDeduplicator(ctx context.Context, cfg *config.Config) (notify.Deduplicator, error) {
	dc := cfg.Notify.Dedup
	switch dc.Backend {
	case config.DedupMemory:
		d, err := notify.NewMemoryDeduplicator(dc.CacheSize, dc.TTL)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory deduplicator: %w", err)
		}
		return d, nil
	case config.DedupRedis:
		d, err := notify.NewRedisDeduplicator(ctx, notify.RedisConfig{
			Addr:     dc.Redis.Addr,
			Password: dc.Redis.Password,
			DB:       dc.Redis.DB,
		}, dc.TTL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect dedup redis: %w", err)
		}
		return d, nil
	default:
		return notify.NopDeduplicator{}, nil
	}
}
