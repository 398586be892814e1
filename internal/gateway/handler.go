// Package gateway exposes the orchestrator's HTTP surface: the REST API,
// the WebSocket stream and the SSE event feed.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flowcore-ai/flowcore/internal/engine"
	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/platform/config"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
	"github.com/flowcore-ai/flowcore/internal/platform/ratelimit"
	"github.com/flowcore-ai/flowcore/internal/platform/response"
	"github.com/flowcore-ai/flowcore/internal/store"
	"github.com/flowcore-ai/flowcore/internal/workflow"
)

// Handler serves the REST API.
type Handler struct {
	workflows *workflow.Service
	engine    *engine.Engine
	store     store.Store
	hub       *Hub
	limiter   *ratelimit.Limiter
	cfg       config.RateLimitConfig
	log       logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(ws *workflow.Service, eng *engine.Engine, st store.Store, hub *Hub, limiter *ratelimit.Limiter, cfg config.RateLimitConfig, log logger.Logger) *Handler {
	return &Handler{workflows: ws, engine: eng, store: st, hub: hub, limiter: limiter, cfg: cfg, log: log}
}

// Register mounts all routes.
func (h *Handler) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	if h.cfg.Enabled {
		api.Use(h.limiter.Middleware("api", h.cfg.Window, h.cfg.APIMax))
	}

	api.HandleFunc("/workflows", h.createWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows", h.listWorkflows).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", h.getWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", h.updateWorkflow).Methods(http.MethodPut)
	api.HandleFunc("/workflows/{id}", h.archiveWorkflow).Methods(http.MethodDelete)
	api.HandleFunc("/workflows/{id}/stats", h.workflowStats).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/executions", h.listExecutions).Methods(http.MethodGet)

	execute := api.PathPrefix("/workflows/{id}/execute").Subrouter()
	if h.cfg.Enabled {
		execute.Use(h.limiter.Middleware("execute", h.cfg.Window, h.cfg.ExecuteMax))
	}
	execute.HandleFunc("", h.executeWorkflow).Methods(http.MethodPost)

	api.HandleFunc("/executions/{id}", h.getExecution).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/events", h.streamEvents).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/cancel", h.cancelExecution).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/pause", h.pauseExecution).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/resume", h.resumeExecution).Methods(http.MethodPost)

	r.HandleFunc("/ws", h.hub.ServeWS)
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
}

func principal(r *http.Request) string {
	if p := r.Header.Get("X-Principal"); p != "" {
		return p
	}
	return "anonymous"
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		response.Error(w, response.ErrUnavailable.WithMessage("store unreachable"))
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		response.Error(w, response.ErrBadRequest.WithMessage("invalid JSON body"))
		return
	}
	created, err := h.workflows.Create(r.Context(), principal(r), &wf)
	if err != nil {
		response.Error(w, mapError(err))
		return
	}
	response.JSON(w, http.StatusCreated, created)
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	opts := store.ListOptions{
		Page:     page,
		Limit:    limit,
		Status:   model.WorkflowStatus(q.Get("status")),
		Category: q.Get("category"),
		Search:   q.Get("search"),
	}
	workflows, total, err := h.workflows.List(r.Context(), principal(r), opts)
	if err != nil {
		response.Error(w, mapError(err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"workflows": workflows,
		"total":     total,
	})
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.workflows.Get(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		response.Error(w, mapError(err))
		return
	}
	response.JSON(w, http.StatusOK, wf)
}

func (h *Handler) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		response.Error(w, response.ErrBadRequest.WithMessage("invalid JSON body"))
		return
	}
	wf.ID = mux.Vars(r)["id"]
	expectedVersion, err := strconv.Atoi(r.URL.Query().Get("version"))
	if err != nil {
		expectedVersion = wf.Version
	}
	updated, err := h.workflows.Update(r.Context(), principal(r), &wf, expectedVersion)
	if err != nil {
		response.Error(w, mapError(err))
		return
	}
	response.JSON(w, http.StatusOK, updated)
}

func (h *Handler) archiveWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.workflows.Archive(r.Context(), principal(r), mux.Vars(r)["id"]); err != nil {
		response.Error(w, mapError(err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (h *Handler) workflowStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.workflows.Stats(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		response.Error(w, mapError(err))
		return
	}
	response.JSON(w, http.StatusOK, stats)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.workflows.Get(r.Context(), principal(r), id); err != nil {
		response.Error(w, mapError(err))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	executions, err := h.store.Executions().ListByWorkflow(r.Context(), id, limit)
	if err != nil {
		response.Error(w, mapError(err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{"executions": executions})
}

type executeRequest struct {
	Input map[string]interface{} `json:"input"`
}

func (h *Handler) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	allowed, err := h.workflows.CanExecute(r.Context(), principal(r), id)
	if err != nil {
		response.Error(w, mapError(err))
		return
	}
	if !allowed {
		response.Error(w, response.ErrForbidden)
		return
	}

	var req executeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	exec, err := h.engine.Execute(r.Context(), id, req.Input, true)
	if err != nil {
		response.Error(w, mapError(err))
		return
	}
	response.JSON(w, http.StatusAccepted, map[string]interface{}{
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}

// getExecution is the polling API: the execution document, its ordered
// event log and derived progress in one response.
func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := h.store.Executions().Get(r.Context(), id)
	if err != nil {
		response.Error(w, mapError(err))
		return
	}
	events, err := h.store.Events().ListByExecution(r.Context(), id)
	if err != nil {
		response.Error(w, mapError(err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"execution": exec,
		"events":    events,
		"progress":  h.engine.Progress(r.Context(), exec),
	})
}

func (h *Handler) cancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		response.Error(w, mapError(err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) pauseExecution(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Pause(r.Context(), mux.Vars(r)["id"]); err != nil {
		response.Error(w, mapError(err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

type resumeRequest struct {
	Data map[string]interface{} `json:"data"`
}

func (h *Handler) resumeExecution(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := h.engine.Resume(r.Context(), mux.Vars(r)["id"], req.Data); err != nil {
		response.Error(w, mapError(err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// mapError translates domain errors to API errors.
func mapError(err error) error {
	var validation *workflow.ValidationError
	switch {
	case errors.As(err, &validation):
		return response.ErrBadRequest.WithMessage(validation.Error())
	case errors.Is(err, store.ErrNotFound):
		return response.ErrNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return response.ErrConflict
	case errors.Is(err, workflow.ErrPermissionDenied):
		return response.ErrForbidden
	case errors.Is(err, engine.ErrWorkflowNotExecutable):
		return response.ErrBadRequest.WithMessage(err.Error())
	case errors.Is(err, engine.ErrQueueFull):
		return response.ErrUnavailable.WithMessage("engine queue is full")
	case store.IsTransient(err):
		return response.ErrUnavailable
	default:
		return err
	}
}
