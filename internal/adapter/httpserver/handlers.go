package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/memory-broker/internal/config"
	"github.com/fairyhunter13/memory-broker/internal/dispatch"
	"github.com/fairyhunter13/memory-broker/internal/domain"
	"github.com/fairyhunter13/memory-broker/internal/eventbus"
	"github.com/fairyhunter13/memory-broker/internal/hub"
	"github.com/fairyhunter13/memory-broker/internal/service/ratelimiter"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Dispatcher *dispatch.Dispatcher
	Store      domain.TaskRepository
	Hub        *hub.Hub
	Bus        *eventbus.Bus
	// Limiter gates enqueue admission; nil admits everything.
	Limiter ratelimiter.Limiter
}

// NewServer constructs the HTTP server with all handlers wired.
func NewServer(cfg config.Config, d *dispatch.Dispatcher, store domain.TaskRepository, h *hub.Hub, bus *eventbus.Bus, limiter ratelimiter.Limiter) *Server {
	return &Server{Cfg: cfg, Dispatcher: d, Store: store, Hub: h, Bus: bus, Limiter: limiter}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type enqueueRequest struct {
	Kind                 string          `json:"kind" validate:"required,max=64"`
	Capability           string          `json:"capability" validate:"required,max=128"`
	FallbackCapabilities []string        `json:"fallback_capabilities" validate:"max=8,dive,required,max=128"`
	Priority             int             `json:"priority"`
	Payload              json.RawMessage `json:"payload"`
	MaxRetries           *int            `json:"max_retries" validate:"omitempty,gte=0,lte=10"`
}

type taskResponse struct {
	ID                   string          `json:"id"`
	Kind                 string          `json:"kind"`
	Status               string          `json:"status"`
	Capability           string          `json:"capability"`
	FallbackCapabilities []string        `json:"fallback_capabilities,omitempty"`
	Priority             int             `json:"priority"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
	RetryCount           int             `json:"retry_count"`
	MaxRetries           int             `json:"max_retries"`
	AssignedWorkerID     string          `json:"assigned_worker_id,omitempty"`
	RetryAfter           *time.Time      `json:"retry_after,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	AssignedAt           *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

func toTaskResponse(t domain.Task) taskResponse {
	return taskResponse{
		ID:                   t.ID,
		Kind:                 string(t.Kind),
		Status:               string(t.Status),
		Capability:           t.RequiredCapability,
		FallbackCapabilities: t.FallbackCapabilities,
		Priority:             t.Priority,
		Payload:              rawJSON(t.Payload),
		Result:               rawJSON(t.Result),
		Error:                t.Error,
		RetryCount:           t.RetryCount,
		MaxRetries:           t.MaxRetries,
		AssignedWorkerID:     t.AssignedWorkerID,
		RetryAfter:           t.RetryAfter,
		CreatedAt:            t.CreatedAt,
		AssignedAt:           t.AssignedAt,
		CompletedAt:          t.CompletedAt,
	}
}

// rawJSON passes stored bytes through when they are valid JSON; anything else
// is re-encoded as a JSON string so the response stays parseable.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	enc, _ := json.Marshal(string(b))
	return enc
}

const defaultMaxRetries = 3

// EnqueueHandler accepts a new task.
func (s *Server) EnqueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Limiter != nil {
			key := "enqueue:" + clientKey(r)
			allowed, retryAfter, _ := s.Limiter.Allow(r.Context(), key, 1)
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				}
				writeError(w, r, fmt.Errorf("enqueue budget exhausted: %w", domain.ErrRateLimited), nil)
				return
			}
		}

		var req enqueueRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if !domain.ValidKind(domain.TaskKind(req.Kind)) {
			writeError(w, r, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidArgument, req.Kind),
				map[string]any{"field": "kind"})
			return
		}
		maxRetries := defaultMaxRetries
		if req.MaxRetries != nil {
			maxRetries = *req.MaxRetries
		}

		id, err := s.Dispatcher.Enqueue(r.Context(), domain.EnqueueRequest{
			Kind:                 domain.TaskKind(req.Kind),
			RequiredCapability:   req.Capability,
			FallbackCapabilities: req.FallbackCapabilities,
			Priority:             req.Priority,
			Payload:              req.Payload,
			MaxRetries:           maxRetries,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("task enqueued", "task_id", id, "kind", req.Kind)
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

// GetTaskHandler returns one task.
func (s *Server) GetTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		t, err := s.Store.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toTaskResponse(t))
	}
}

// CancelTaskHandler settles a non-terminal task as failed.
func (s *Server) CancelTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "cancelled by client"
		}
		if err := s.Dispatcher.Cancel(r.Context(), id, reason); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.TaskFailed)})
	}
}

// ListTasksHandler returns tasks matching the filter query.
func (s *Server) ListTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := domain.TaskFilter{
			Status:     domain.TaskStatus(q.Get("status")),
			Kind:       domain.TaskKind(q.Get("kind")),
			Capability: q.Get("capability"),
			Limit:      50,
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 500 {
				writeError(w, r, fmt.Errorf("%w: limit must be in [1,500]", domain.ErrInvalidArgument), nil)
				return
			}
			f.Limit = n
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, r, fmt.Errorf("%w: offset must be >= 0", domain.ErrInvalidArgument), nil)
				return
			}
			f.Offset = n
		}
		tasks, err := s.Store.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]taskResponse, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, toTaskResponse(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": out, "count": len(out)})
	}
}

// StatsHandler reports queue depths and worker membership.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.Dispatcher.Stats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

type workerResponse struct {
	WorkerID      string            `json:"worker_id"`
	Capabilities  []string          `json:"capabilities"`
	State         string            `json:"state"`
	ConnectedAt   time.Time         `json:"connected_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	InFlight      int               `json:"in_flight"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// WorkersHandler lists connected worker sessions.
func (s *Server) WorkersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := s.Hub.Stats()
		out := make([]workerResponse, 0, len(st.Sessions))
		for _, info := range st.Sessions {
			out = append(out, workerResponse{
				WorkerID:      info.WorkerID,
				Capabilities:  info.Capabilities,
				State:         string(info.State),
				ConnectedAt:   info.ConnectedAt,
				LastHeartbeat: info.LastHeartbeat,
				InFlight:      info.InFlight,
				Metadata:      info.Metadata,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"workers": out, "count": len(out)})
	}
}

// HealthHandler is the liveness probe.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyHandler is the readiness probe: the store must answer and the dispatch
// loop must have run recently.
func (s *Server) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := map[string]string{"store": "ok", "dispatcher": "ok"}
		status := http.StatusOK
		if err := s.Store.Ping(ctx); err != nil {
			checks["store"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if s.Dispatcher != nil && !s.Dispatcher.Healthy(30*time.Second) {
			checks["dispatcher"] = "dispatch loop stalled"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	}
}

// clientKey identifies the caller for rate limiting: API key header when
// present, else the remote IP.
func clientKey(r *http.Request) string {
	if k := r.Header.Get("X-Api-Key"); k != "" {
		return k
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
