package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"querywatch/messaging"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. QUERYWATCH_API_PORT.
const EnvPrefix = "QUERYWATCH"

// Store backends.
const (
	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"
)

// Deduplication backends.
const (
	DedupNone   = "none"
	DedupMemory = "memory"
	DedupRedis  = "redis"
)

// Config holds the configuration of every querywatch component.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=console json"`
	} `mapstructure:"log"`

	AWS struct {
		Region string `mapstructure:"region" validate:"required"`
		// Endpoint overrides every AWS service endpoint, e.g. for localstack.
		Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`
	} `mapstructure:"aws"`

	Store struct {
		Backend       string `mapstructure:"backend" validate:"oneof=dynamodb sqlite"`
		DynamoDBTable string `mapstructure:"dynamodb_table" validate:"required_if=Backend dynamodb"`
		SQLitePath    string `mapstructure:"sqlite_path" validate:"required_if=Backend sqlite"`
	} `mapstructure:"store"`

	Engine struct {
		RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
		Burst             int     `mapstructure:"burst" validate:"gte=0"`
	} `mapstructure:"engine"`

	Tracker struct {
		Lookback           time.Duration `mapstructure:"lookback" validate:"gt=0,lte=168h"`
		Schedule           string        `mapstructure:"schedule" validate:"required"`
		Concurrency        int           `mapstructure:"concurrency" validate:"gte=1,lte=64"`
		UserPattern        string        `mapstructure:"user_pattern"`
		UserPatternTimeout time.Duration `mapstructure:"user_pattern_timeout"`
	} `mapstructure:"tracker"`

	Messaging struct {
		QueryEventsQueueURL string             `mapstructure:"query_events_queue_url"`
		WaitTimeSeconds     int64              `mapstructure:"wait_time_seconds" validate:"gte=0,lte=20"`
		MaxMessages         int64              `mapstructure:"max_messages" validate:"gte=1,lte=10"`
		Sources             []messaging.Source `mapstructure:"sources" validate:"dive"`
	} `mapstructure:"messaging"`

	Ingest struct {
		// QueueURL receives S3 event notifications for new CloudTrail objects.
		QueueURL string `mapstructure:"queue_url"`
	} `mapstructure:"ingest"`

	Notify struct {
		Slack struct {
			WebhookURL string        `mapstructure:"webhook_url" validate:"omitempty,url"`
			BotToken   string        `mapstructure:"bot_token"`
			APIURL     string        `mapstructure:"api_url" validate:"omitempty,url"`
			Timeout    time.Duration `mapstructure:"timeout"`
		} `mapstructure:"slack"`

		Threshold struct {
			UserBytes       int64   `mapstructure:"user_bytes" validate:"gte=0"`
			ChannelBytes    int64   `mapstructure:"channel_bytes" validate:"gte=0"`
			PricePerTB      float64 `mapstructure:"price_per_tb" validate:"gte=0"`
			Message         string  `mapstructure:"message" validate:"required"`
			ChannelAddendum string  `mapstructure:"channel_addendum"`
			UserAddendum    string  `mapstructure:"user_addendum"`
			SourceMarker    string  `mapstructure:"source_marker" validate:"required"`
		} `mapstructure:"threshold"`

		Anomaly struct {
			Message            string `mapstructure:"message" validate:"required"`
			Dimension          string `mapstructure:"dimension" validate:"required"`
			SubscriptionMarker string `mapstructure:"subscription_marker"`
		} `mapstructure:"anomaly"`

		UserMappings     map[string]string `mapstructure:"user_mappings"`
		UserMappingsFile string            `mapstructure:"user_mappings_file"`

		Dedup struct {
			Backend   string        `mapstructure:"backend" validate:"oneof=none memory redis"`
			TTL       time.Duration `mapstructure:"ttl" validate:"gte=0"`
			CacheSize int           `mapstructure:"cache_size" validate:"gte=1"`
			Redis     struct {
				Addr     string `mapstructure:"addr"`
				Password string `mapstructure:"password"`
				DB       int    `mapstructure:"db" validate:"gte=0"`
			} `mapstructure:"redis"`
		} `mapstructure:"dedup"`
	} `mapstructure:"notify"`

	CloudWatch struct {
		Enabled    bool   `mapstructure:"enabled"`
		Namespace  string `mapstructure:"namespace" validate:"required_if=Enabled true"`
		MetricName string `mapstructure:"metric_name" validate:"required_if=Enabled true"`
		Dimension  string `mapstructure:"dimension" validate:"required_if=Enabled true"`
	} `mapstructure:"cloudwatch"`

	API struct {
		Port int `mapstructure:"port" validate:"min=1,max=65535"`
	} `mapstructure:"api"`

	Secrets struct {
		Provider string `mapstructure:"provider" validate:"oneof=env vault aws"`
		Vault    struct {
			Address string `mapstructure:"address"`
			Token   string `mapstructure:"token"`
			Path    string `mapstructure:"path"`
		} `mapstructure:"vault"`
		AWS struct {
			Region   string `mapstructure:"region"`
			SecretID string `mapstructure:"secret_id"`
		} `mapstructure:"aws"`
	} `mapstructure:"secrets"`
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("aws.region", "eu-west-1")
	v.SetDefault("aws.endpoint", "")

	v.SetDefault("store.backend", StoreDynamoDB)
	v.SetDefault("store.dynamodb_table", "athena_queries")
	v.SetDefault("store.sqlite_path", "./data/querywatch.db")

	v.SetDefault("engine.requests_per_second", 5)
	v.SetDefault("engine.burst", 5)

	v.SetDefault("tracker.lookback", time.Hour)
	v.SetDefault("tracker.schedule", "@every 1m")
	v.SetDefault("tracker.concurrency", 1)
	v.SetDefault("tracker.user_pattern", "")
	v.SetDefault("tracker.user_pattern_timeout", 100*time.Millisecond)

	v.SetDefault("messaging.query_events_queue_url", "")
	v.SetDefault("messaging.wait_time_seconds", 20)
	v.SetDefault("messaging.max_messages", 10)
	v.SetDefault("messaging.sources", []messaging.Source{})

	v.SetDefault("ingest.queue_url", "")

	v.SetDefault("notify.slack.webhook_url", "")
	v.SetDefault("notify.slack.bot_token", "")
	v.SetDefault("notify.slack.api_url", "https://slack.com/api")
	v.SetDefault("notify.slack.timeout", 10*time.Second)

	v.SetDefault("notify.threshold.user_bytes", int64(100)<<30)
	v.SetDefault("notify.threshold.channel_bytes", int64(1)<<40)
	v.SetDefault("notify.threshold.price_per_tb", 5.0)
	v.SetDefault("notify.threshold.message",
		"Query {{.ExecutionID}} by {{.User}} scanned {{.DataScannedGB}} GB (estimated cost ${{.Cost}}).")
	v.SetDefault("notify.threshold.channel_addendum", "")
	v.SetDefault("notify.threshold.user_addendum",
		" Please consider filtering on partition columns or selecting fewer columns.")
	v.SetDefault("notify.threshold.source_marker", "athena-queries")

	v.SetDefault("notify.anomaly.message",
		"{{.Subject}}: unusual amount of data scanned by {{.User}}. {{.Reason}}")
	v.SetDefault("notify.anomaly.dimension", "athena_user")
	v.SetDefault("notify.anomaly.subscription_marker", "")

	v.SetDefault("notify.user_mappings", map[string]string{})
	v.SetDefault("notify.user_mappings_file", "")

	v.SetDefault("notify.dedup.backend", DedupNone)
	v.SetDefault("notify.dedup.ttl", 24*time.Hour)
	v.SetDefault("notify.dedup.cache_size", 10000)
	v.SetDefault("notify.dedup.redis.addr", "127.0.0.1:6379")
	v.SetDefault("notify.dedup.redis.password", "")
	v.SetDefault("notify.dedup.redis.db", 0)

	v.SetDefault("cloudwatch.enabled", false)
	v.SetDefault("cloudwatch.namespace", "Athena")
	v.SetDefault("cloudwatch.metric_name", "DataScanned")
	v.SetDefault("cloudwatch.dimension", "athena_user")

	v.SetDefault("api.port", 8081)

	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.vault.address", "")
	v.SetDefault("secrets.vault.token", "")
	v.SetDefault("secrets.vault.path", "secret/querywatch")
	v.SetDefault("secrets.aws.region", "")
	v.SetDefault("secrets.aws.secret_id", "querywatch/secrets")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// LoadConfig reads path, or querywatch.yaml from . and ./config when path is
// empty, then applies QUERYWATCH_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	loadFromEnv(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("querywatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if used := v.ConfigFileUsed(); used != "" {
		mappings, err := readUserMappings(used)
		if err != nil {
			return nil, err
		}
		if mappings != nil {
			config.Notify.UserMappings = mappings
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// readUserMappings re-reads notify.user_mappings from the YAML file because
// viper lower-cases map keys and query user names are case sensitive.
func readUserMappings(path string) (map[string]string, error) {
	if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var doc struct {
		Notify struct {
			UserMappings map[string]string `yaml:"user_mappings"`
		} `yaml:"notify"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse user mappings: %w", err)
	}
	return doc.Notify.UserMappings, nil
}

func validateConfig(config *Config) error {
	if err := validator.New().Struct(config); err != nil {
		return err
	}
	if config.Notify.Dedup.Backend == DedupRedis && config.Notify.Dedup.Redis.Addr == "" {
		return fmt.Errorf("notify.dedup.redis.addr is required for the redis dedup backend")
	}
	return nil
}
