package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"querywatch/core"
	"querywatch/storage"
	"querywatch/tracker"

	"github.com/gorilla/mux"
)

// respondJSON writes a JSON response with proper error handling
func (a *API) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", data))
	}
}

func (a *API) respondError(w http.ResponseWriter, message string, statusCode int) {
	a.respondJSON(w, map[string]string{"error": message}, statusCode)
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, map[string]string{
		"status": "healthy",
		"time":   a.now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

// PollResponse is returned by POST /api/v1/poll.
type PollResponse struct {
	Checked int      `json:"checked"`
	Updated int      `json:"updated"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

func (a *API) poll(w http.ResponseWriter, r *http.Request) {
	result, err := a.tracker.Poll(r.Context())
	if err != nil {
		a.logger.Errorw("Poll requested over API failed", "error", err)
		a.respondError(w, err.Error(), http.StatusBadGateway)
		return
	}

	resp := PollResponse{Checked: result.Checked, Updated: result.Updated, Failed: result.Failed}
	if result.Err != nil {
		var merr interface{ WrappedErrors() []error }
		if errors.As(result.Err, &merr) {
			for _, e := range merr.WrappedErrors() {
				resp.Errors = append(resp.Errors, e.Error())
			}
		} else {
			resp.Errors = []string{result.Err.Error()}
		}
	}
	a.respondJSON(w, resp, http.StatusOK)
}

func (a *API) listRunning(w http.ResponseWriter, r *http.Request) {
	now := a.now().UTC()
	since := now.Add(-a.lookback)
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			a.respondError(w, "since must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		if parsed.After(now) {
			a.respondError(w, "since must not be in the future", http.StatusBadRequest)
			return
		}
		if now.Sub(parsed) > tracker.MaxListWindow {
			a.respondError(w, "since must be within "+tracker.MaxListWindow.String(), http.StatusBadRequest)
			return
		}
		since = parsed.UTC()
	}

	queries, err := a.tracker.ListRunning(r.Context(), now, since)
	if err != nil {
		a.logger.Errorw("Failed to list running queries", "error", err)
		a.respondError(w, "failed to list running queries", http.StatusInternalServerError)
		return
	}
	if queries == nil {
		queries = []*core.Query{}
	}
	a.respondJSON(w, queries, http.StatusOK)
}

func (a *API) getQuery(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	q, err := a.store.Get(r.Context(), vars["start_date"], vars["start_timestamp"])
	switch {
	case errors.Is(err, storage.ErrQueryNotFound):
		a.respondError(w, "query not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrInvalidQuery):
		a.respondError(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		a.logger.Errorw("Failed to get query", "error", err)
		a.respondError(w, "failed to get query", http.StatusInternalServerError)
	default:
		a.respondJSON(w, q, http.StatusOK)
	}
}
