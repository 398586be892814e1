// Package notify posts terminal execution outcomes to an external
// notification endpoint for workflows that opted in.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/platform/config"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
)

// Notifier delivers outcome notifications over HTTP. A nil Notifier is a
// valid no-op.
type Notifier struct {
	url    string
	client *http.Client
	log    logger.Logger
}

// New creates a notifier, or nil when no endpoint is configured.
func New(cfg config.NotifierConfig, log logger.Logger) *Notifier {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

type notification struct {
	WorkflowID   string     `json:"workflow_id"`
	WorkflowName string     `json:"workflow_name"`
	ExecutionID  string     `json:"execution_id"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ExecutionFinished posts the terminal outcome when the workflow opted in
// for that status. Delivery is best effort; failures are logged, never
// surfaced to the execution.
func (n *Notifier) ExecutionFinished(ctx context.Context, w *model.Workflow, exec *model.Execution) {
	if n == nil {
		return
	}
	switch exec.Status {
	case model.ExecutionStatusCompleted:
		if !w.Settings.NotifyOnSuccess {
			return
		}
	case model.ExecutionStatusFailed:
		if !w.Settings.NotifyOnFailure {
			return
		}
	default:
		return
	}

	body, err := json.Marshal(notification{
		WorkflowID:   w.ID,
		WorkflowName: w.Name,
		ExecutionID:  exec.ID,
		Status:       string(exec.Status),
		Error:        exec.Error,
		StartedAt:    exec.StartedAt,
		CompletedAt:  exec.CompletedAt,
	})
	if err != nil {
		n.log.Error("failed to encode notification", "execution_id", exec.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.Error("failed to build notification request", "execution_id", exec.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("notification delivery failed", "execution_id", exec.ID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn("notifier rejected notification",
			"execution_id", exec.ID, "status", fmt.Sprintf("%d", resp.StatusCode))
	}
}
