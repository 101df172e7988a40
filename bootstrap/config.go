package bootstrap

import (
	"fmt"
	"os"

	"querywatch/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the process logger. format "json" selects the JSON
// encoder, anything else the colored console encoder.
func InitLogger(level, format string) (*zap.Logger, *zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var encoder zapcore.Encoder
	if format == "json" {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), lvl)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the configuration file at path (or the default search
// path when empty).
func InitConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// InitSecrets fills Slack credentials the configuration left empty from the
// configured secret provider.
func InitSecrets(cfg *config.Config, sugar *zap.SugaredLogger) error {
	manager, err := config.NewSecretManager(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize secret manager: %w", err)
	}
	config.LoadSecrets(cfg, manager, sugar)

	sugar.Infow("Config loaded",
		"store_backend", cfg.Store.Backend,
		"aws_region", cfg.AWS.Region,
		"secrets_provider", cfg.Secrets.Provider,
		"sources", len(cfg.Messaging.Sources),
		"slack_webhook", cfg.Notify.Slack.WebhookURL != "",
		"slack_bot_token", cfg.Notify.Slack.BotToken != "")
	return nil
}
