// Package web is the HTTP surface: job submission and lookup, the job status
// websocket and health checks.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dontdude/goxec/internal/domain"
	"github.com/dontdude/goxec/internal/jobs"
	"github.com/dontdude/goxec/internal/platform/broker"
	"github.com/gorilla/websocket"
)

const (
	// UserHeader carries the caller identity set by the authenticating proxy.
	UserHeader = "X-User-ID"
	// IdempotencyHeader may carry the idempotency key instead of the body.
	IdempotencyHeader = "Idempotency-Key"

	maxBodyBytes = 128 << 10
)

// JobService is the job API the handlers drive.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*domain.Job, bool, error)
	Get(ctx context.Context, id, userID string) (*domain.Job, error)
	List(ctx context.Context, userID string) ([]*domain.Job, error)
}

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	jobs    JobService
	hub     *Hub
	limiter *RateLimiter
	checks  map[string]Check
	logger  *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHealthCheck adds a named dependency to /healthz.
func WithHealthCheck(name string, check Check) ServerOption {
	return func(s *Server) { s.checks[name] = check }
}

// WithRateLimiter limits job submissions per client IP.
func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// NewServer wires the handlers.
func NewServer(svc JobService, hub *Hub, opts ...ServerOption) *Server {
	s := &Server{
		jobs:   svc,
		hub:    hub,
		checks: make(map[string]Check),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the API router.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	submit := s.handleSubmit
	if s.limiter != nil {
		submit = s.limiter.Middleware(submit)
	}
	mux.HandleFunc("POST /api/jobs", submit)
	mux.HandleFunc("GET /api/jobs", s.handleList)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGet)
	mux.HandleFunc("GET /api/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return enableCORS(mux)
}

type submitRequest struct {
	Type           domain.JobType  `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
	MaxAttempts    int             `json:"maxAttempts"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	var req submitRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	}

	job, created, err := s.jobs.Submit(r.Context(), jobs.SubmitRequest{
		Type:           req.Type,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    req.MaxAttempts,
		UserID:         userID,
	})
	switch {
	case errors.Is(err, jobs.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, broker.ErrPublishBufferFull):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "Job queue is busy, try again later")
		return
	case err != nil:
		s.logger.Error("Failed to submit job", "userID", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		w.Header().Set("Location", "/api/jobs/"+job.ID)
	}
	writeJSON(w, status, job)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	job, err := s.jobs.Get(r.Context(), r.PathValue("id"), userID)
	if errors.Is(err, domain.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load job", "jobID", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	list, err := s.jobs.List(r.Context(), userID)
	if err != nil {
		s.logger.Error("Failed to list jobs", "userID", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if list == nil {
		list = []*domain.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

// WebSocket Upgrader (Gorilla)
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS streams status events for one job. The current state is sent
// first so a client that connects late still sees where the job stands.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		// Browsers cannot set headers on a websocket handshake.
		userID = r.URL.Query().Get("user_id")
	}

	job, err := s.jobs.Get(r.Context(), jobID, userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn}
	s.hub.register(jobID, client)
	s.logger.Info("Client connected via WebSocket", "jobID", jobID, "remoteAddr", conn.RemoteAddr())

	defer func() {
		s.hub.unregister(jobID, client)
		_ = conn.Close()
		s.logger.Info("Client disconnected", "jobID", jobID)
	}()

	if err := client.send(domain.EventFromJob(job)); err != nil {
		return
	}

	// Keep the connection open until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	report := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			report[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		report[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": report})
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, UserHeader+" header is required")
		return "", false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// enableCORS adds headers to allow requests from the frontend.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+UserHeader+", "+IdempotencyHeader)

		// Handle Preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
