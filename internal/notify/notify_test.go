package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/platform/config"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
)

func finishedExecution(status model.ExecutionStatus, errMsg string) (*model.Workflow, *model.Execution) {
	w := &model.Workflow{ID: "wf-1", Name: "invoice sync"}
	now := time.Now().UTC()
	exec := &model.Execution{
		ID:          "exec-1",
		WorkflowID:  w.ID,
		Status:      status,
		Error:       errMsg,
		StartedAt:   now.Add(-time.Minute),
		CompletedAt: &now,
	}
	return w, exec
}

func TestNewWithoutURLIsDisabled(t *testing.T) {
	n := New(config.NotifierConfig{}, logger.NewNop())
	assert.Nil(t, n)

	// The nil notifier must be safe to call.
	w, exec := finishedExecution(model.ExecutionStatusFailed, "boom")
	n.ExecutionFinished(context.Background(), w, exec)
}

func TestFailureNotificationDelivered(t *testing.T) {
	received := make(chan notification, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var got notification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		received <- got
	}))
	defer srv.Close()

	n := New(config.NotifierConfig{URL: srv.URL, Timeout: 5 * time.Second}, logger.NewNop())
	require.NotNil(t, n)

	w, exec := finishedExecution(model.ExecutionStatusFailed, "node blew up")
	w.Settings.NotifyOnFailure = true
	n.ExecutionFinished(context.Background(), w, exec)

	select {
	case got := <-received:
		assert.Equal(t, "wf-1", got.WorkflowID)
		assert.Equal(t, "invoice sync", got.WorkflowName)
		assert.Equal(t, "exec-1", got.ExecutionID)
		assert.Equal(t, "failed", got.Status)
		assert.Equal(t, "node blew up", got.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestStatusGating(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	n := New(config.NotifierConfig{URL: srv.URL}, logger.NewNop())

	// Completed without notify_on_success: nothing posted.
	w, exec := finishedExecution(model.ExecutionStatusCompleted, "")
	n.ExecutionFinished(context.Background(), w, exec)
	assert.Zero(t, calls)

	// Failed without notify_on_failure: nothing posted.
	w, exec = finishedExecution(model.ExecutionStatusFailed, "boom")
	n.ExecutionFinished(context.Background(), w, exec)
	assert.Zero(t, calls)

	// Cancelled never notifies, even when both flags are on.
	w, exec = finishedExecution(model.ExecutionStatusCancelled, "")
	w.Settings.NotifyOnFailure = true
	w.Settings.NotifyOnSuccess = true
	n.ExecutionFinished(context.Background(), w, exec)
	assert.Zero(t, calls)

	// Completed with notify_on_success posts once.
	w, exec = finishedExecution(model.ExecutionStatusCompleted, "")
	w.Settings.NotifyOnSuccess = true
	n.ExecutionFinished(context.Background(), w, exec)
	assert.Equal(t, 1, calls)
}

func TestDeliveryFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(config.NotifierConfig{URL: srv.URL}, logger.NewNop())
	w, exec := finishedExecution(model.ExecutionStatusFailed, "boom")
	w.Settings.NotifyOnFailure = true

	// Must not panic or return anything to the caller.
	n.ExecutionFinished(context.Background(), w, exec)
}
