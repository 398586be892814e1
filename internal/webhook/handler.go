// Package webhook accepts external trigger requests and starts workflow
// executions from them.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flowcore-ai/flowcore/internal/engine"
	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/platform/config"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
	"github.com/flowcore-ai/flowcore/internal/platform/response"
	"github.com/flowcore-ai/flowcore/internal/store"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

const maxBodyBytes = 1 << 20

// Handler is the webhook ingress.
type Handler struct {
	store  store.Store
	engine *engine.Engine
	cfg    config.WebhookConfig
	log    logger.Logger
}

// NewHandler creates the ingress handler.
func NewHandler(st store.Store, eng *engine.Engine, cfg config.WebhookConfig, log logger.Logger) *Handler {
	return &Handler{store: st, engine: eng, cfg: cfg, log: log}
}

// Register mounts the trigger route.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/webhooks/workflow-trigger", h.trigger).Methods(http.MethodPost)
}

type triggerRequest struct {
	WorkflowID string                 `json:"workflow_id"`
	Data       map[string]interface{} `json:"data"`
	Secret     string                 `json:"secret,omitempty"`
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		response.Error(w, response.ErrBadRequest.WithMessage("unreadable body"))
		return
	}
	var req triggerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		response.Error(w, response.ErrBadRequest.WithMessage("invalid JSON body"))
		return
	}
	if req.WorkflowID == "" {
		response.Error(w, response.ErrBadRequest.WithMessage("workflow_id is required"))
		return
	}

	workflow, err := h.store.Workflows().Get(r.Context(), req.WorkflowID)
	if err != nil {
		response.Error(w, response.ErrNotFound)
		return
	}

	if secret := h.triggerSecret(workflow); secret != "" {
		if !h.verify(r, body, req.Secret, secret) {
			response.Error(w, response.ErrUnauthorized.WithMessage("webhook verification failed"))
			return
		}
	}

	exec, err := h.engine.Execute(r.Context(), req.WorkflowID, req.Data, false)
	if err != nil {
		h.log.Warn("webhook trigger rejected", "workflow_id", req.WorkflowID, "error", err)
		response.Error(w, response.ErrBadRequest.WithMessage(err.Error()))
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"execution_id": exec.ID})
}

// triggerSecret resolves the secret guarding a workflow's webhook: the
// trigger node config wins over the service-wide default.
func (h *Handler) triggerSecret(w *model.Workflow) string {
	for i := range w.Nodes {
		if w.Nodes[i].Kind != model.NodeKindTrigger {
			continue
		}
		if secret, ok := w.Nodes[i].Config["secret"].(string); ok && secret != "" {
			return secret
		}
	}
	return h.cfg.DefaultSecret
}

// verify accepts either an HMAC signature over the raw body or, for
// simple callers, the secret echoed in the body. Comparisons are
// constant time.
func (h *Handler) verify(r *http.Request, body []byte, bodySecret, secret string) bool {
	if sig := r.Header.Get(SignatureHeader); sig != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(sig), []byte(expected))
	}
	if bodySecret != "" {
		return hmac.Equal([]byte(bodySecret), []byte(secret))
	}
	return false
}
