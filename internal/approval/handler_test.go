package approval

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/platform/config"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
)

func newRouter(h *harness) *mux.Router {
	r := mux.NewRouter()
	NewHandler(h.manager, logger.NewNop()).Register(r)
	return r
}

func TestRespondPageRendersConfirmation(t *testing.T) {
	h := newHarness(t, config.ApprovalConfig{})
	h.createWorkflow(t, approvalWorkflow("wf-page", nil))
	exec, ticket := h.startSuspended(t, "wf-page")
	router := newRouter(h)

	req := httptest.NewRequest(http.MethodGet,
		"/approvals/respond?token="+url.QueryEscape(ticket.Token)+"&action=approve", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Approved")
	assert.Contains(t, rec.Body.String(), exec.ID)
	h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)

	// Revisiting a used link shows the conflict page.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "Already decided")
}

func TestScopedRespondBindsExecution(t *testing.T) {
	h := newHarness(t, config.ApprovalConfig{})
	h.createWorkflow(t, approvalWorkflow("wf-scoped", nil))
	exec, ticket := h.startSuspended(t, "wf-scoped")
	router := newRouter(h)

	body, _ := json.Marshal(map[string]interface{}{
		"comment": "ship it",
		"data":    map[string]interface{}{"severity": "low"},
	})

	// The token does not belong to this execution id.
	req := httptest.NewRequest(http.MethodPost,
		"/approvals/other-exec/respond?token="+url.QueryEscape(ticket.Token)+"&action=approve",
		bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost,
		"/approvals/"+exec.ID+"/respond?token="+url.QueryEscape(ticket.Token)+"&action=approve",
		bytes.NewReader(body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var ack map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, "approve", ack["action"])
	assert.Equal(t, exec.ID, ack["execution_id"])

	final := h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)
	output := final.Variables["approve"].(map[string]interface{})
	assert.Equal(t, "ship it", output["comment"])
	assert.Equal(t, "low", output["severity"])
}

func TestRespondJSONEndpoint(t *testing.T) {
	h := newHarness(t, config.ApprovalConfig{})
	h.createWorkflow(t, approvalWorkflow("wf-json", nil))
	exec, ticket := h.startSuspended(t, "wf-json")
	router := newRouter(h)

	body, _ := json.Marshal(map[string]interface{}{
		"token":  ticket.Token,
		"action": "reject",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/respond", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	h.waitStatus(t, exec.ID, model.ExecutionStatusFailed)

	// Garbage tokens are unauthorized, not 500.
	body, _ = json.Marshal(map[string]interface{}{"token": "junk", "action": "approve"})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/approvals/respond", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
