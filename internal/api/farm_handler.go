package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/farmsync/internal/api/shared"
	"github.com/phrazzld/farmsync/internal/platform/logger"
	"github.com/phrazzld/farmsync/internal/store"
	"github.com/phrazzld/farmsync/internal/task"
)

// Engine is the part of the task engine the API needs.
type Engine interface {
	CreateTask(ctx context.Context, t *task.Task) bool
	Status() task.Status
}

// ServerLister lists registered farm servers.
type ServerLister interface {
	ListServers(ctx context.Context) ([]store.Server, error)
}

// CacheReader reports when a cache key was last invalidated.
type CacheReader interface {
	Touched(key string) (time.Time, bool)
}

// CreateTaskRequest is the body of POST /farm/tasks. Binary is base64 in JSON.
type CreateTaskRequest struct {
	Type    string `json:"type" validate:"required,max=255"`
	Target  string `json:"target" validate:"max=4096"`
	Payload string `json:"payload"`
	Binary  []byte `json:"binary,omitempty"`
}

// CreateTaskResponse reports whether the task was buffered for propagation.
type CreateTaskResponse struct {
	Accepted bool   `json:"accepted"`
	Mode     string `json:"mode"`
}

// StatusResponse is the body of GET /farm/status.
type StatusResponse struct {
	task.Status
	Pending []store.PendingCount `json:"pending"`
	Servers []store.Server       `json:"servers"`
}

// CacheKeyResponse is the body of GET /farm/cache.
type CacheKeyResponse struct {
	Key       string    `json:"key"`
	TouchedAt time.Time `json:"touched_at"`
}

// FarmHandler serves the farm status and enqueue endpoints.
type FarmHandler struct {
	engine  Engine
	counts  store.StatusReader
	servers ServerLister
	cache   CacheReader
	logger  *slog.Logger
}

// NewFarmHandler creates a FarmHandler. counts and servers may be nil, in
// which case the status omits queue depth and membership.
func NewFarmHandler(
	engine Engine,
	counts store.StatusReader,
	servers ServerLister,
	logger *slog.Logger,
) *FarmHandler {
	return &FarmHandler{
		engine:  engine,
		counts:  counts,
		servers: servers,
		logger:  logger.With("component", "farm_handler"),
	}
}

// WithCache enables GET /farm/cache.
func (h *FarmHandler) WithCache(cache CacheReader) *FarmHandler {
	h.cache = cache
	return h
}

// Health handles GET /healthz.
func (h *FarmHandler) Health(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /farm/status.
func (h *FarmHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:  h.engine.Status(),
		Pending: []store.PendingCount{},
		Servers: []store.Server{},
	}

	if h.counts != nil {
		counts, err := h.counts.PendingCounts(r.Context())
		if err != nil {
			shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
			return
		}
		if counts != nil {
			resp.Pending = counts
		}
	}

	if h.servers != nil {
		servers, err := h.servers.ListServers(r.Context())
		if err != nil {
			shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
			return
		}
		if servers != nil {
			resp.Servers = servers
		}
	}

	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// CreateTask handles POST /farm/tasks. A task declined by its type's creation
// rules, or created while propagation is disabled, yields 422.
func (h *FarmHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req CreateTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, shared.ValidationMessage(err), err)
		return
	}

	t := &task.Task{
		Type:          req.Type,
		Target:        req.Target,
		TextPayload:   req.Payload,
		BinaryPayload: req.Binary,
	}
	mode := string(h.engine.Status().Mode)

	if !h.engine.CreateTask(r.Context(), t) {
		log.Debug("task declined", "task_type", req.Type, "mode", mode)
		shared.RespondWithJSON(w, r, http.StatusUnprocessableEntity, CreateTaskResponse{Accepted: false, Mode: mode})
		return
	}

	log.Debug("task accepted", "task_type", req.Type, "mode", mode)
	shared.RespondWithJSON(w, r, http.StatusAccepted, CreateTaskResponse{Accepted: true, Mode: mode})
}

// CacheKey handles GET /farm/cache?key=..., reporting when the key was last
// invalidated by a cache task from any farm member.
func (h *FarmHandler) CacheKey(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "key is required")
		return
	}
	if h.cache == nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Not found")
		return
	}

	at, ok := h.cache.Touched(key)
	if !ok {
		shared.RespondWithError(w, r, http.StatusNotFound, "Not found")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, CacheKeyResponse{Key: key, TouchedAt: at})
}
