package approval

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flowcore-ai/flowcore/internal/platform/logger"
	"github.com/flowcore-ai/flowcore/internal/platform/response"
)

// Handler exposes the approval decision endpoints: a browser-facing link
// target rendering a confirmation page and a JSON API for programmatic
// responders.
type Handler struct {
	manager *Manager
	log     logger.Logger
}

// NewHandler creates the handler.
func NewHandler(m *Manager, log logger.Logger) *Handler {
	return &Handler{manager: m, log: log}
}

// Register mounts the routes.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/approvals/respond", h.respondPage).Methods(http.MethodGet)
	r.HandleFunc("/approvals/{execution_id}/respond", h.respondScoped).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/approvals/respond", h.respondJSON).Methods(http.MethodPost)
}

var confirmationPage = template.Must(template.New("confirmation").Parse(`<!DOCTYPE html>
<html>
<head><title>Approval {{.Title}}</title></head>
<body style="font-family: sans-serif; max-width: 36em; margin: 4em auto;">
	<h1>{{.Heading}}</h1>
	<p>{{.Detail}}</p>
	<p>Execution: <code style="font-family: monospace;">{{.ExecutionID}}</code></p>
</body>
</html>
`))

type pageData struct {
	Title       string
	Heading     string
	Detail      string
	ExecutionID string
}

func (h *Handler) respondPage(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	action := r.URL.Query().Get("action")

	outcome, err := h.manager.Respond(r.Context(), token, action, "", nil)
	if err != nil {
		status, data := pageForError(err)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_ = confirmationPage.Execute(w, data)
		return
	}

	data := pageData{ExecutionID: outcome.ExecutionID}
	if outcome.Action == ActionApprove {
		data.Title = "recorded"
		data.Heading = "Approved"
		data.Detail = "The task was approved and the workflow is resuming."
	} else {
		data.Title = "recorded"
		data.Heading = "Rejected"
		data.Detail = "The task was rejected."
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = confirmationPage.Execute(w, data)
}

func pageForError(err error) (int, pageData) {
	switch {
	case errors.Is(err, ErrAlreadyDecided):
		return http.StatusConflict, pageData{Title: "already decided", Heading: "Already decided", Detail: "A decision was already recorded for this task."}
	case errors.Is(err, ErrTokenExpired):
		return http.StatusGone, pageData{Title: "expired", Heading: "Link expired", Detail: "This approval link has expired."}
	case errors.Is(err, ErrTokenSuperseded):
		return http.StatusGone, pageData{Title: "superseded", Heading: "Link superseded", Detail: "This approval was escalated; the link is no longer valid."}
	case errors.Is(err, ErrTicketNotFound):
		return http.StatusNotFound, pageData{Title: "not found", Heading: "Not found", Detail: "No open approval matches this link."}
	default:
		return http.StatusBadRequest, pageData{Title: "invalid", Heading: "Invalid link", Detail: "This approval link is not valid."}
	}
}

type scopedRespondRequest struct {
	Comment   string                 `json:"comment,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Responder string                 `json:"responder,omitempty"`
}

// respondScoped is the execution-scoped decision endpoint: token and action
// travel as query parameters, extra decision data in the body.
func (h *Handler) respondScoped(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	action := r.URL.Query().Get("action")
	if token == "" || action == "" {
		response.Error(w, response.ErrBadRequest.WithMessage("token and action are required"))
		return
	}
	if action != ActionApprove && action != ActionReject {
		response.Error(w, response.ErrBadRequest.WithMessage("action must be approve or reject"))
		return
	}

	var req scopedRespondRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	payload := make(map[string]interface{}, len(req.Data)+1)
	for k, v := range req.Data {
		payload[k] = v
	}
	if req.Comment != "" {
		payload["comment"] = req.Comment
	}

	executionID := mux.Vars(r)["execution_id"]
	outcome, err := h.manager.RespondFor(r.Context(), executionID, token, action, req.Responder, payload)
	if err != nil {
		response.Error(w, apiErrorFor(err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"action":       outcome.Action,
		"execution_id": outcome.ExecutionID,
		"node_id":      outcome.NodeID,
	})
}

type respondRequest struct {
	Token     string                 `json:"token"`
	Action    string                 `json:"action"`
	Responder string                 `json:"responder,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, response.ErrBadRequest.WithMessage("invalid JSON body"))
		return
	}
	if req.Token == "" || req.Action == "" {
		response.Error(w, response.ErrBadRequest.WithMessage("token and action are required"))
		return
	}

	outcome, err := h.manager.Respond(r.Context(), req.Token, req.Action, req.Responder, req.Payload)
	if err != nil {
		response.Error(w, apiErrorFor(err))
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"action":       outcome.Action,
		"execution_id": outcome.ExecutionID,
		"node_id":      outcome.NodeID,
	})
}

func apiErrorFor(err error) error {
	switch {
	case errors.Is(err, ErrAlreadyDecided):
		return response.ErrConflict.WithMessage("a decision was already recorded")
	case errors.Is(err, ErrTokenExpired):
		return response.ErrForbidden.WithMessage("approval token has expired")
	case errors.Is(err, ErrTokenSuperseded):
		return response.ErrForbidden.WithMessage("approval token has been superseded")
	case errors.Is(err, ErrTokenInvalid):
		return response.ErrUnauthorized.WithMessage("approval token is invalid")
	case errors.Is(err, ErrWrongResponder):
		return response.ErrForbidden.WithMessage("approval is assigned to someone else")
	case errors.Is(err, ErrTicketNotFound):
		return response.ErrNotFound.WithMessage("no open approval ticket")
	default:
		return err
	}
}
