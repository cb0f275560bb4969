// Package server exposes the engine over HTTP: job submission and
// inspection, cancellation, the live event stream with reconnect
// replay, and the dead-letter operator endpoints.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/oduya/ebb/ebb"
	ebberrors "github.com/oduya/ebb/ebb/errors"
	"github.com/oduya/ebb/ebb/job"
	"github.com/oduya/ebb/ebb/store"
)

type Server struct {
	client *ebb.Client
	logger *zap.Logger
}

func New(client *ebb.Client) *Server {
	return &Server{client: client, logger: client.Logger()}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/events", s.handleEvents)
		r.Get("/stats", s.handleStats)
		r.Get("/dlq", s.handleListDeadLetters)
		r.Post("/dlq/{id}/resubmit", s.handleResubmitDeadLetter)
		r.Post("/dlq/{id}/archive", s.handleArchiveDeadLetter)
		r.Post("/dlq/purge", s.handlePurgeDeadLetters)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

type submitRequest struct {
	Tenant         string          `json:"tenant"`
	User           string          `json:"user"`
	Kind           string          `json:"kind"`
	Tier           job.Tier        `json:"tier"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	MaxRetries     int             `json:"max_retries"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &ebberrors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()})
		return
	}

	j, created, err := s.client.Submit(r.Context(), ebb.SubmitRequest{
		Tenant:         req.Tenant,
		User:           req.User,
		Kind:           req.Kind,
		Tier:           req.Tier,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		MaxRetries:     req.MaxRetries,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Idempotent replay of an existing job answers 200, a fresh one 201.
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	s.writeJSON(w, status, j)
}

// jobResponse is a job snapshot with tenant-wide aggregates: counts by
// status and a naive completion estimate extrapolated from the job's
// own progress rate.
type jobResponse struct {
	*job.Job
	TenantCounts *store.Stats `json:"tenant_counts"`
	ETA          *time.Time   `json:"eta,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.client.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.client.TenantStats(r.Context(), j.ScopeTenant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobResponse{
		Job:          j,
		TenantCounts: stats,
		ETA:          estimateCompletion(j, time.Now().UTC()),
	})
}

// estimateCompletion extrapolates from elapsed runtime and reported
// progress. Nil when the job is terminal, not yet running, or has
// reported no progress to extrapolate from.
func estimateCompletion(j *job.Job, now time.Time) *time.Time {
	if j.Status != job.StateRunning || j.Progress <= 0 || j.Progress >= 100 {
		return nil
	}
	elapsed := now.Sub(j.CreatedAt)
	if elapsed <= 0 {
		return nil
	}
	remaining := time.Duration(float64(elapsed) * float64(100-j.Progress) / float64(j.Progress))
	eta := now.Add(remaining)
	return &eta
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	j, err := s.client.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

// handleEvents streams a tenant's job events as server-sent events.
// With last_seen (RFC 3339) the durable log after that cursor is
// replayed first, then the stream goes live; events already replayed
// are suppressed from the live feed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		s.writeError(w, &ebberrors.ValidationError{Field: "tenant", Message: "query parameter is required"})
		return
	}

	var lastSeen time.Time
	if raw := r.URL.Query().Get("last_seen"); raw != "" {
		var err error
		lastSeen, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.writeError(w, &ebberrors.ValidationError{Field: "last_seen", Message: "must be RFC 3339"})
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Subscribe before replaying so nothing published in between is
	// missed; the cursor filter drops the overlap.
	sub := s.client.Subscribe(tenant)
	defer sub.Close()

	cursor := lastSeen
	backlog, err := s.client.ReplayEvents(r.Context(), tenant, lastSeen)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, e := range backlog {
		writeSSE(w, e)
		if e.OccurredAt.After(cursor) {
			cursor = e.OccurredAt
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case e, open := <-sub.C():
			if !open {
				return
			}
			if !e.OccurredAt.After(cursor) {
				continue
			}
			cursor = e.OccurredAt
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e *job.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n",
		e.OccurredAt.Format(time.RFC3339Nano), e.Type, data)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		s.writeError(w, &ebberrors.ValidationError{Field: "tenant", Message: "query parameter is required"})
		return
	}
	stats, err := s.client.TenantStats(r.Context(), tenant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		s.writeError(w, &ebberrors.ValidationError{Field: "tenant", Message: "query parameter is required"})
		return
	}
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)

	letters, err := s.client.ListDeadLetters(r.Context(), tenant, offset, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if letters == nil {
		letters = []*job.DeadLetter{}
	}
	s.writeJSON(w, http.StatusOK, letters)
}

func (s *Server) handleResubmitDeadLetter(w http.ResponseWriter, r *http.Request) {
	j, err := s.client.ResubmitDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleArchiveDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.client.ArchiveDeadLetter(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (s *Server) handlePurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := s.client.PurgeDeadLetters(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case ebberrors.IsValidation(err):
		status = http.StatusUnprocessableEntity
	case ebberrors.IsJobNotFound(err):
		status = http.StatusNotFound
	case ebberrors.IsInvalidTransition(err):
		status = http.StatusConflict
	case ebberrors.IsRateLimited(err):
		status = http.StatusTooManyRequests
	case ebberrors.IsStoreUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.logger.Error("request failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
