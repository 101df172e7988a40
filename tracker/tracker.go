// Package tracker polls the query engine for queries still running and
// records their terminal state.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"querywatch/core"
	"querywatch/metrics"
	"querywatch/storage"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultLookback is how far back running queries are re-checked.
const DefaultLookback = time.Hour

// MaxListWindow bounds ListRunning; every calendar day in the window costs one store query.
const MaxListWindow = 7 * 24 * time.Hour

// ErrWindowTooWide is returned by ListRunning for a since older than MaxListWindow.
var ErrWindowTooWide = errors.New("listing window too wide")

// Engine reports execution details for a query.
type Engine interface {
	GetExecutionDetails(ctx context.Context, executionID string) (*core.ExecutionDetails, error)
}

// EventPublisher emits a lifecycle event for a query that reached a terminal state.
type EventPublisher interface {
	PublishQueryUpdated(ctx context.Context, q *core.Query) error
}

// UserResolver extracts the real submitter from resolved SQL text.
type UserResolver interface {
	ResolveUser(sql string) (string, bool)
}

// UsageReporter records bytes scanned per user for anomaly detection.
type UsageReporter interface {
	ReportQuery(ctx context.Context, user string, bytesScanned int64) error
}

// Config controls a Tracker.
type Config struct {
	Lookback time.Duration
	// Concurrency bounds how many records are resolved in parallel. 1 is sequential.
	Concurrency int
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithUserResolver remaps the executing user from the resolved SQL text.
func WithUserResolver(r UserResolver) Option {
	return func(t *Tracker) { t.resolver = r }
}

// WithUsageReporter reports bytes scanned of every resolved query.
func WithUsageReporter(r UsageReporter) Option {
	return func(t *Tracker) { t.reporter = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// PollResult summarises one poll cycle.
type PollResult struct {
	Checked int
	Updated int
	Failed  int
	// Err aggregates the per-record failures; it is nil when Failed is 0.
	Err error
}

// Tracker resolves RUNNING queries against the engine.
type Tracker struct {
	store     storage.QueryStore
	engine    Engine
	publisher EventPublisher
	resolver  UserResolver
	reporter  UsageReporter
	cfg       Config
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// New creates a tracker.
func New(store storage.QueryStore, engine Engine, publisher EventPublisher, cfg Config, logger *zap.SugaredLogger, opts ...Option) *Tracker {
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	t := &Tracker{
		store:     store,
		engine:    engine,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Poll runs one cycle. The returned error is set only when the running
// queries could not be listed; per-record failures land in PollResult.Err.
//
// Only RUNNING records are examined. A query still QUEUED when it leaves the
// lookback window is never looked at again.
func (t *Tracker) Poll(ctx context.Context) (*PollResult, error) {
	started := time.Now()
	defer func() { metrics.PollDuration.Observe(time.Since(started).Seconds()) }()

	now := t.now().UTC()
	since := now.Add(-t.cfg.Lookback)

	queries, err := t.ListRunning(ctx, now, since)
	if err != nil {
		metrics.PollCycles.WithLabelValues("error").Inc()
		return nil, err
	}

	result := &PollResult{}
	var (
		mu   sync.Mutex
		errs *multierror.Error
	)

	g := new(errgroup.Group)
	g.SetLimit(t.cfg.Concurrency)
	for _, q := range queries {
		if q.State != core.QueryStateRunning {
			continue
		}
		q := q
		result.Checked++
		g.Go(func() error {
			updated, err := t.resolve(ctx, q)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				errs = multierror.Append(errs, err)
				t.logger.Errorw("Failed to resolve query",
					"execution_id", q.ExecutionID,
					"start_timestamp", q.StartTimestamp,
					"error", err)
				return nil
			}
			if updated {
				result.Updated++
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Err = errs.ErrorOrNil()
	if result.Failed > 0 {
		metrics.PollCycles.WithLabelValues("partial").Inc()
	} else {
		metrics.PollCycles.WithLabelValues("ok").Inc()
	}

	if result.Checked > 0 {
		t.logger.Infow("Poll cycle finished",
			"checked", result.Checked,
			"updated", result.Updated,
			"failed", result.Failed)
	}
	return result, nil
}

// ListRunning reads the RUNNING queries started in [since, now]. Partitions
// are calendar days, so every day the window touches is read, newest first.
func (t *Tracker) ListRunning(ctx context.Context, now, since time.Time) ([]*core.Query, error) {
	if now.Sub(since) > MaxListWindow {
		return nil, fmt.Errorf("%w: since %s is more than %s before %s",
			ErrWindowTooWide, since.UTC().Format(time.RFC3339), MaxListWindow, now.UTC().Format(time.RFC3339))
	}

	var all []*core.Query
	lastDay := core.PartitionKey(since)
	for day := now.UTC(); ; day = day.AddDate(0, 0, -1) {
		queries, err := t.store.ListRunning(ctx, day, since)
		if err != nil {
			return nil, fmt.Errorf("failed to list running queries for %s: %w", core.PartitionKey(day), err)
		}
		all = append(all, queries...)
		if core.PartitionKey(day) <= lastDay {
			break
		}
	}
	return all, nil
}

// resolve reports whether q reached a terminal state and was recorded.
func (t *Tracker) resolve(ctx context.Context, q *core.Query) (bool, error) {
	details, err := t.engine.GetExecutionDetails(ctx, q.ExecutionID)
	if err != nil {
		metrics.RecordErrors.WithLabelValues("engine").Inc()
		return false, fmt.Errorf("query %s: %w", q.ExecutionID, err)
	}
	if !details.State.IsTerminal() {
		return false, nil
	}

	updated := q.Clone()
	updated.State = details.State
	if details.DataScanned > updated.DataScanned {
		updated.DataScanned = details.DataScanned
	}
	updated.SetSQL(details.SQL)
	if t.resolver != nil {
		if user, ok := t.resolver.ResolveUser(details.SQL); ok && user != "" {
			updated.ExecutingUser = user
		}
	}

	// The event goes out before the record leaves RUNNING: a failed store
	// write gets the event published again next cycle, a failed publish
	// leaves the record to be retried.
	if err := t.publisher.PublishQueryUpdated(ctx, updated); err != nil {
		metrics.RecordErrors.WithLabelValues("publish").Inc()
		return false, fmt.Errorf("query %s: %w", q.ExecutionID, err)
	}

	if err := t.store.UpdateTerminal(ctx, updated); err != nil {
		metrics.RecordErrors.WithLabelValues("store").Inc()
		return false, fmt.Errorf("query %s: %w", q.ExecutionID, err)
	}
	metrics.QueriesResolved.WithLabelValues(string(updated.State)).Inc()

	if t.reporter != nil {
		if err := t.reporter.ReportQuery(ctx, updated.ExecutingUser, updated.DataScanned); err != nil {
			metrics.RecordErrors.WithLabelValues("usage").Inc()
			t.logger.Warnw("Failed to report query usage",
				"execution_id", updated.ExecutionID,
				"user", updated.ExecutingUser,
				"error", err)
		}
	}

	return true, nil
}
