// Package api exposes the worker's HTTP surface: the streaming execute
// endpoint, the lifecycle endpoints around it, and the inline-completion
// sidecar. The package also owns the worker state machine and the
// process-exit policy: a worker serves at most one full job, then exits.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/webedt/coding-worker/pkg/config"
	"github.com/webedt/coding-worker/pkg/events"
	"github.com/webedt/coding-worker/pkg/orchestrator"
)

// retryAfterSeconds is the hint sent with 429 responses; ephemeral workers
// free up quickly or never.
const retryAfterSeconds = 5

// Server wires the HTTP surface to the orchestrator and the worker state
// machine.
type Server struct {
	cfg         *config.Config
	logger      *slog.Logger
	orch        *orchestrator.Orchestrator
	state       *State
	completions *completionsService
	containerID string

	// exit terminates the process once the single job is done. Tests
	// substitute a recorder.
	exit func(code int)
}

// NewServer creates the HTTP server.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	return &Server{
		cfg:         cfg,
		logger:      logger,
		orch:        orch,
		state:       NewState(),
		completions: newCompletionsService(cfg.Completions, logger),
		containerID: containerID(),
		exit:        os.Exit,
	}
}

// State exposes the worker state machine for signal handling in main.
func (s *Server) State() *State { return s.state }

// SetExitFunc replaces the process-exit hook; used by tests.
func (s *Server) SetExitFunc(fn func(code int)) { s.exit = fn }

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.identify)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/execute", s.handleExecute)
	r.Post("/query", s.handleQuery)
	r.Post("/abort", s.handleAbort)
	r.Post("/shutdown", s.handleShutdown)
	r.Post("/completions", s.handleCompletions)

	return r
}

// identify stamps every response with this worker instance's identity so
// callers can tell replies from different ephemeral containers apart.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Container-Id", s.containerID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.json(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, active, shutdown := s.state.Snapshot()
	s.json(w, http.StatusOK, StatusResponse{
		Status:            string(status),
		ContainerID:       s.containerID,
		ActiveSessionID:   active,
		ShutdownRequested: shutdown,
		Providers:         s.orch.Providers().Names(),
	})
}

// handleExecute runs the single full job of this worker's lifetime and
// streams its events. The worker flips to busy before the body is decoded,
// so of two concurrent requests exactly one is accepted.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if err := s.state.TryAcquire(); err != nil {
		s.rejectAcquire(w, err)
		return
	}

	var req orchestrator.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.state.Release()
		s.jsonError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request")
		return
	}
	if err := s.orch.Validate(&req); err != nil {
		s.state.Release()
		s.jsonError(w, http.StatusBadRequest, err.Error(), orchestrator.CodeInvalidRequest)
		return
	}

	// The job owns its own context: a dropped SSE connection must not
	// cancel it. Only abort, shutdown signals or job completion do.
	jobCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.state.BindJob(req.WebsiteSessionID, cancel)

	sse, err := newSSEWriter(w, s.logger)
	if err != nil {
		s.state.Release()
		s.jsonError(w, http.StatusInternalServerError, err.Error(), orchestrator.CodeInternal)
		return
	}

	logger := s.logger.With("session", req.WebsiteSessionID)
	logger.Info("job accepted", "provider", req.Provider)

	stream := events.NewStream(events.DefaultBuffer, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.orch.Execute(jobCtx, &req, stream)
		stream.Close()
	}()

	// Relay until the stream closes. Client disconnect stops writes but
	// never the job.
	clientGone := r.Context().Done()
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				s.finishJob(<-errCh, logger)
				return
			}
			sse.send(ev)
		case <-clientGone:
			sse.markDisconnected()
			logger.Info("client disconnected, job continues")
			clientGone = nil
		}
	}
}

// finishJob implements the one-job-per-process contract: mark the job done,
// give slow readers the drain window, then exit with the job's status.
func (s *Server) finishJob(jobErr error, logger *slog.Logger) {
	s.state.JobFinished()

	code := 0
	if jobErr != nil {
		code = 1
		logger.Error("job failed", "error", jobErr)
	} else {
		logger.Info("job completed")
	}

	// When shutdown was already requested the platform is tearing this
	// container down; exit immediately instead of draining.
	if !s.state.ShutdownRequested() {
		time.Sleep(s.cfg.DrainDelay)
	}
	logger.Info("exiting", "code", code)
	s.exit(code)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if err := s.state.TryAcquire(); err != nil {
		s.rejectAcquire(w, err)
		return
	}
	defer s.state.Release()

	var req orchestrator.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request")
		return
	}

	result, err := s.orch.Query(r.Context(), &req)
	if err != nil {
		status := http.StatusInternalServerError
		if _, ok := err.(*orchestrator.ValidationError); ok {
			status = http.StatusBadRequest
		}
		s.json(w, status, QueryResponse{Success: false, Error: err.Error()})
		return
	}
	s.json(w, http.StatusOK, QueryResponse{Success: true, Result: result})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req AbortRequest
	if r.Body != nil {
		// An empty or absent body aborts the active job unconditionally.
		json.NewDecoder(r.Body).Decode(&req)
	}

	if err := s.state.Abort(req.SessionID); err != nil {
		s.jsonError(w, http.StatusConflict, err.Error(), "session_mismatch")
		return
	}
	s.json(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	idle := s.state.RequestShutdown()
	if idle {
		s.json(w, http.StatusOK, ShutdownResponse{Success: true, Message: "shutting down"})
		// Give the response a moment to flush before the process dies.
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.exit(0)
		}()
		return
	}
	s.json(w, http.StatusAccepted, ShutdownResponse{Success: true, Message: "shutdown after active job completes"})
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if !s.completions.Enabled() {
		s.jsonError(w, http.StatusServiceUnavailable, "completions are not configured", "not_configured")
		return
	}

	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request")
		return
	}
	if req.Prefix == "" {
		s.jsonError(w, http.StatusBadRequest, "prefix is required", "invalid_request")
		return
	}

	resp, err := s.completions.Complete(r.Context(), &req)
	if err != nil {
		s.jsonError(w, http.StatusBadGateway, err.Error(), "upstream_error")
		return
	}
	s.json(w, http.StatusOK, resp)
}

func (s *Server) rejectAcquire(w http.ResponseWriter, err error) {
	switch err {
	case ErrShuttingDown:
		s.jsonError(w, http.StatusServiceUnavailable, err.Error(), orchestrator.CodeShuttingDown)
	default:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		s.jsonError(w, http.StatusTooManyRequests, err.Error(), orchestrator.CodeBusy)
	}
}

func (s *Server) json(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message, code string) {
	s.json(w, status, ErrorResponse{Error: message, Code: code})
}

// containerID identifies this worker instance: the container hostname when
// available, a random id otherwise.
func containerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
