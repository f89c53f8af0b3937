// Package gateway exposes the runtime over HTTP: run start/stop, SSE event
// streaming, thread message queries, the WebSocket live channel, and the
// Prometheus metrics endpoint.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/run"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/models"
)

// RunService is the slice of the run controller the gateway needs.
type RunService interface {
	Start(ctx context.Context, req run.StartRequest) (string, error)
	Stop(ctx context.Context, runID string) error
	Stream(ctx context.Context, runID string, afterSeq uint64) (<-chan *models.Event, error)
}

// Server is the HTTP gateway.
type Server struct {
	runs    RunService
	store   store.Store
	logger  *observability.Logger
	metrics *observability.Metrics
	mux     *http.ServeMux
}

// NewServer builds the gateway with all routes registered.
func NewServer(runs RunService, st store.Store, logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		runs:    runs,
		store:   st,
		logger:  logger,
		metrics: metrics,
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /thread/{thread_id}/agent/start", s.handleStart)
	s.mux.HandleFunc("POST /agent-run/{run_id}/stop", s.handleStop)
	s.mux.HandleFunc("GET /agent-run/{run_id}/stream", s.handleStream)
	s.mux.HandleFunc("GET /thread/{thread_id}/messages", s.handleMessages)
	s.mux.HandleFunc("GET /thread/{thread_id}/agent-runs", s.handleListRuns)
	s.mux.HandleFunc("GET /run_live/schema", s.handleLiveSchema)
	s.mux.HandleFunc("GET /run_live/{app}/{user}/{session}", s.handleLive)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return s
}

// ServeHTTP dispatches through the instrumentation middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(sw, r)

	if s.metrics != nil {
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(sw.status), time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(p)
}

// Flush is required for SSE through the middleware wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required for the WebSocket upgrade through the middleware
// wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("gateway: underlying writer does not support hijacking")
	}
	return h.Hijack()
}

type startResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req run.StartRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	req.ThreadID = r.PathValue("thread_id")

	runID, err := s.runs.Start(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if req.Stream {
		s.streamSSE(w, r, runID, 0)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{RunID: runID})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Stop(r.Context(), r.PathValue("run_id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleStream serves the run's event stream as Server-Sent Events. The
// stream replays from from_seq (exclusive) and ends after the terminal
// status frame.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	fromSeq, err := parseFromSeq(r.URL.Query().Get("from_seq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.streamSSE(w, r, r.PathValue("run_id"), fromSeq)
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, runID string, fromSeq uint64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, err := s.runs.Stream(r.Context(), runID, fromSeq)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn(r.Context(), "failed to marshal event", "run_id", runID, "error", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	q := r.URL.Query()

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be in [1, 500]")
			return
		}
		limit = n
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be >= 0")
			return
		}
		offset = n
	}

	if _, err := s.store.GetThread(r.Context(), threadID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	page, err := s.store.ListMessages(r.Context(), threadID, store.MessageFilter{Limit: limit, Offset: offset})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleListRuns returns a thread's runs newest first, for sidebar views.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if _, err := s.store.GetThread(r.Context(), threadID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	runs, err := s.store.ListRuns(r.Context(), threadID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func parseFromSeq(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("from_seq must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	if s.metrics != nil {
		s.metrics.RecordError("gateway", "internal")
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
