// Package api provides the local status API of the job monitor.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"jobmonitor/internal/apperrors"
	"jobmonitor/internal/health"
	"jobmonitor/internal/job"
	"jobmonitor/internal/session"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// heartbeatInterval keeps idle watch streams open through proxies.
const heartbeatInterval = 15 * time.Second

// Monitor is the session surface the API reads and drives.
type Monitor interface {
	Start(ctx context.Context, cfg job.Config) (string, error)
	Snapshot() session.Snapshot
	LogsSince(seq int64) []session.Line
	Updated() <-chan struct{}
}

// Handler contains HTTP handlers for the status API
type Handler struct {
	monitor Monitor
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(monitor Monitor, healthChecker *health.Checker) *Handler {
	return &Handler{
		monitor: monitor,
		health:  healthChecker,
	}
}

// StartResponse is returned by POST /v1/jobs.
type StartResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// LogsResponse is returned by GET /v1/session/logs.
type LogsResponse struct {
	Lines   []session.Line `json:"lines"`
	LastSeq int64          `json:"lastSeq"`
}

// CreateJob handles POST /v1/jobs. Fields missing from the body keep the
// backend defaults.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	cfg := job.DefaultConfig()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	jobID, err := h.monitor.Start(r.Context(), cfg)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, StartResponse{JobID: jobID, Status: "started"})
}

// GetSession handles GET /v1/session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.monitor.Snapshot())
}

// GetLogs handles GET /v1/session/logs?since=N
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	lines := h.monitor.LogsSince(since)
	last := since
	if len(lines) > 0 {
		last = lines[len(lines)-1].Seq
	}
	if lines == nil {
		lines = []session.Line{}
	}
	h.writeJSON(w, http.StatusOK, LogsResponse{Lines: lines, LastSeq: last})
}

// Watch handles GET /v1/session/watch. It streams server-sent events: a
// "snapshot" event on every state change and a "line" event per new log
// line, starting after the since cursor.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	cursor := since
	for {
		// Take the channel before reading state so no change is missed.
		updated := h.monitor.Updated()

		for _, line := range h.monitor.LogsSince(cursor) {
			if err := writeEvent(w, "line", line); err != nil {
				return
			}
			cursor = line.Seq
		}
		if err := writeEvent(w, "snapshot", h.monitor.Snapshot()); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			slog.Warn("Watch stream cannot flush", "error", err)
			return
		}

		if !waitForUpdate(r.Context(), w, rc, updated, heartbeat.C) {
			return
		}
	}
}

// waitForUpdate blocks until updated fires, writing heartbeat comments in
// the meantime. It returns false once the client is gone.
func waitForUpdate(ctx context.Context, w http.ResponseWriter, rc *http.ResponseController, updated <-chan struct{}, heartbeat <-chan time.Time) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-updated:
			return true
		case <-heartbeat:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return false
			}
			if err := rc.Flush(); err != nil {
				return false
			}
		}
	}
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 until the log stream is connected.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func parseSince(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || since < 0 {
		return 0, apperrors.Validation("since", "must be a non-negative integer")
	}
	return since, nil
}

func writeEvent(w http.ResponseWriter, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the session layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
