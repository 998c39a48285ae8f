package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"podlocator/go-poller/internal/model"
)

const (
	queryTimeout = 2 * time.Second
	maxLimit     = 1000
	defaultLimit = 100
)

// timeLayouts are accepted for the start and end parameters.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// LogReader is the read side of the log store.
type LogReader interface {
	PollLogs(ctx context.Context, q model.LogQuery) ([]model.SuccessRecord, error)
	ErrorLogs(ctx context.Context, q model.LogQuery) ([]model.ErrorRecord, error)
	LatestPollLogs(ctx context.Context) ([]model.SuccessRecord, error)
	Ping(ctx context.Context) error
}

type api struct {
	logs   LogReader
	stream http.Handler
	logger *slog.Logger
	now    func() time.Time
}

func newAPI(logs LogReader, stream http.Handler, logger *slog.Logger) *api {
	return &api{logs: logs, stream: stream, logger: logger, now: time.Now}
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/poll-logs", a.handlePollLogs)
		r.Get("/error-logs", a.handleErrorLogs)
		r.Get("/latest", a.handleLatest)
		if a.stream != nil {
			r.Handle("/stream", a.stream)
		}
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	if err := a.logs.Ping(ctx); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type listResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
	Data   any    `json:"data"`
}

func (a *api) handlePollLogs(w http.ResponseWriter, r *http.Request) {
	q, err := a.parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	rows, err := a.logs.PollLogs(ctx, q)
	if err != nil {
		a.logger.Error("failed to query poll logs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query poll logs")
		return
	}
	if rows == nil {
		rows = []model.SuccessRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse{Status: "success", Count: len(rows), Data: rows})
}

func (a *api) handleErrorLogs(w http.ResponseWriter, r *http.Request) {
	q, err := a.parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	rows, err := a.logs.ErrorLogs(ctx, q)
	if err != nil {
		a.logger.Error("failed to query error logs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query error logs")
		return
	}
	if rows == nil {
		rows = []model.ErrorRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse{Status: "success", Count: len(rows), Data: rows})
}

func (a *api) handleLatest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	rows, err := a.logs.LatestPollLogs(ctx)
	if err != nil {
		a.logger.Error("failed to query latest locations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query latest locations")
		return
	}
	if rows == nil {
		rows = []model.SuccessRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse{Status: "success", Count: len(rows), Data: rows})
}

func (a *api) parseQuery(r *http.Request) (model.LogQuery, error) {
	values := r.URL.Query()
	now := a.now().UTC()
	q := model.LogQuery{
		Start: now.Add(-24 * time.Hour),
		End:   now,
		Part:  strings.ToUpper(strings.TrimSpace(values.Get("part"))),
		Limit: defaultLimit,
	}

	if v := values.Get("start"); v != "" {
		ts, err := parseTime(v)
		if err != nil {
			return q, fmt.Errorf("invalid start: %w", err)
		}
		q.Start = ts
	}
	if v := values.Get("end"); v != "" {
		ts, err := parseTime(v)
		if err != nil {
			return q, fmt.Errorf("invalid end: %w", err)
		}
		q.End = ts
	}
	if q.End.Before(q.Start) {
		return q, fmt.Errorf("end must not be before start")
	}

	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			return q, fmt.Errorf("limit must be between 1 and %d", maxLimit)
		}
		q.Limit = n
	}
	if v := values.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, fmt.Errorf("offset must be a non-negative integer")
		}
		q.Offset = n
	}
	return q, nil
}

func parseTime(v string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
