// Package api exposes health, metrics and tracker operations over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"querywatch/core"
	"querywatch/tracker"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// QueryTracker is the part of tracker.Tracker the API drives.
type QueryTracker interface {
	Poll(ctx context.Context) (*tracker.PollResult, error)
	ListRunning(ctx context.Context, now, since time.Time) ([]*core.Query, error)
}

// QueryReader reads single records.
type QueryReader interface {
	Get(ctx context.Context, startDate, startTimestamp string) (*core.Query, error)
}

// API holds the API server
type API struct {
	router   *mux.Router
	server   *http.Server
	tracker  QueryTracker
	store    QueryReader
	lookback time.Duration
	now      func() time.Time
	logger   *zap.SugaredLogger
}

// NewAPI creates a new API server. lookback is the default window of the
// running queries listing.
func NewAPI(t QueryTracker, store QueryReader, lookback time.Duration, logger *zap.SugaredLogger) *API {
	if lookback <= 0 {
		lookback = tracker.DefaultLookback
	}
	a := &API{
		router:   mux.NewRouter(),
		tracker:  t,
		store:    store,
		lookback: lookback,
		now:      time.Now,
		logger:   logger,
	}
	a.setupRoutes()
	return a
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.requestIDMiddleware)
	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())

	// Full paths on the root router so a method mismatch answers 405, not 404.
	a.router.HandleFunc("/api/v1/poll", a.poll).Methods("POST")
	a.router.HandleFunc("/api/v1/queries/running", a.listRunning).Methods("GET")
	a.router.HandleFunc("/api/v1/queries/{start_date}/{start_timestamp}", a.getQuery).Methods("GET")
}

// Handler returns the routed handler, mainly for tests.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// Start serves on port until Stop is called. It returns http.ErrServerClosed
// after a graceful stop.
func (a *API) Start(port int) error {
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.logger.Infow("API server listening", "port", port)
	return a.server.ListenAndServe()
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
