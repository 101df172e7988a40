package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"querywatch/api"
	"querywatch/config"
	"querywatch/ingest"
	"querywatch/messaging"
	"querywatch/tracker"
	"querywatch/util/goroutine"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/sqs"
	"go.uber.org/zap"
)

// Options are the command line overrides applied on top of the configuration.
type Options struct {
	ConfigPath string
	LogLevel   string
}

// App represents the querywatch service with all its components.
type App struct {
	// Configuration
	Config  *config.Config
	Logger  *zap.Logger
	Sugar   *zap.SugaredLogger
	Session *session.Session

	// Storage
	Storage *StorageComponents

	// Components, built on demand so one-shot commands only pay for what they use
	Tracker *tracker.Tracker
	Notify  *NotifyComponents
	Ingest  *ingest.CloudTrailHandler

	// Services
	Scheduler *tracker.Scheduler
	APIServer *api.API

	// Lifecycle
	serviceWg *sync.WaitGroup
	cancel    context.CancelFunc
}

// NewApp loads the configuration, the logger, the AWS session and the query store.
func NewApp(ctx context.Context, opts Options) (*App, error) {
	cfg, err := InitConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	logger, sugar, err := InitLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Sugar:     sugar,
		serviceWg: &sync.WaitGroup{},
	}

	if err := InitSecrets(cfg, sugar); err != nil {
		return nil, err
	}

	app.Session, err = NewAWSSession(cfg)
	if err != nil {
		sugar.Error(ClassifyAWSError(err, "AWS"))
		return nil, err
	}

	app.Storage, err = InitStore(cfg, app.Session, sugar)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// InitTracker builds the lifecycle tracker once.
func (a *App) InitTracker() error {
	if a.Tracker != nil {
		return nil
	}
	t, err := BuildTracker(a.Config, a.Session, a.Storage.Store, a.Sugar)
	if err != nil {
		return err
	}
	a.Tracker = t
	return nil
}

// InitNotify builds the notification router once.
func (a *App) InitNotify(ctx context.Context) error {
	if a.Notify != nil {
		return nil
	}
	n, err := BuildNotify(ctx, a.Config, a.Sugar)
	if err != nil {
		return err
	}
	a.Notify = n
	return nil
}

// InitIngest builds the CloudTrail ingestion handler once.
func (a *App) InitIngest() {
	if a.Ingest == nil {
		a.Ingest = ingest.NewCloudTrailHandler(s3.New(a.Session), a.Storage.Store, a.Sugar)
	}
}

// Start starts the poll scheduler, the queue consumers and the API server.
func (a *App) Start(ctx context.Context) error {
	if err := a.InitTracker(); err != nil {
		return fmt.Errorf("failed to initialize tracker: %w", err)
	}
	if err := a.InitNotify(ctx); err != nil {
		return fmt.Errorf("failed to initialize notifications: %w", err)
	}
	a.InitIngest()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.Scheduler = tracker.NewScheduler(a.Tracker, a.Config.Tracker.Schedule, a.Sugar)
	if err := a.Scheduler.Start(runCtx); err != nil {
		cancel()
		return err
	}

	a.startConsumers(runCtx)
	a.startAPIServer()

	a.Sugar.Info("querywatch started")
	return nil
}

func (a *App) startConsumers(ctx context.Context) {
	sqsClient := sqs.New(a.Session)
	consumerCfg := messaging.ConsumerConfig{
		WaitTimeSeconds: a.Config.Messaging.WaitTimeSeconds,
		MaxMessages:     a.Config.Messaging.MaxMessages,
	}

	if len(a.Config.Messaging.Sources) > 0 {
		cc := consumerCfg
		cc.Sources = a.Config.Messaging.Sources
		consumer := messaging.NewConsumer(sqsClient, cc, a.Notify.Router, a.Sugar)
		goroutine.Go(a.serviceWg, "notify-consumer", a.Sugar, func() { consumer.Run(ctx) })
	} else {
		a.Sugar.Warn("No messaging sources configured, notifications are only sent through the notify command")
	}

	if url := a.Config.Ingest.QueueURL; url != "" {
		cc := consumerCfg
		cc.Sources = []messaging.Source{{
			Name:     "cloudtrail",
			QueueURL: url,
			Kind:     messaging.SourceSQS,
			ARN:      url,
		}}
		consumer := messaging.NewConsumer(sqsClient, cc, a.Ingest, a.Sugar)
		goroutine.Go(a.serviceWg, "ingest-consumer", a.Sugar, func() { consumer.Run(ctx) })
	}
}

func (a *App) startAPIServer() {
	a.APIServer = api.NewAPI(a.Tracker, a.Storage.Store, a.Config.Tracker.Lookback, a.Sugar)
	server := a.APIServer
	port := a.Config.API.Port
	goroutine.Go(a.serviceWg, "api-server", a.Sugar, func() {
		if err := server.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server failed", "port", port, "error", err)
		}
	})
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown gracefully shuts down all components. It is safe to call on an
// app that was never started.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	a.Sugar.Info("Phase 1: Stopping queue consumers...")
	if a.cancel != nil {
		a.cancel()
	}

	a.Sugar.Info("Phase 2: Stopping poll scheduler...")
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}

	a.Sugar.Info("Phase 3: Stopping API server...")
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
	}

	// A consumer blocks for at most one long poll before it sees the cancellation.
	a.Sugar.Info("Phase 4: Waiting for service goroutines to complete...")
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.Sugar.Info("All service goroutines stopped successfully")
	case <-time.After(25 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	a.Sugar.Info("Phase 5: Closing connections...")
	if err := a.Notify.Close(); err != nil {
		a.Sugar.Errorw("Failed to close dedup backend", "error", err)
	}
	if err := a.Storage.Close(); err != nil {
		a.Sugar.Errorw("Failed to close query store", "error", err)
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
