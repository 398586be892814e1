package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore-ai/flowcore/internal/bus"
	"github.com/flowcore-ai/flowcore/internal/engine"
	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/node"
	"github.com/flowcore-ai/flowcore/internal/platform/config"
	"github.com/flowcore-ai/flowcore/internal/platform/lock"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
	"github.com/flowcore-ai/flowcore/internal/platform/metrics"
	"github.com/flowcore-ai/flowcore/internal/store/memstore"
)

const testSecret = "test-secret"

func TestTokenRoundTrip(t *testing.T) {
	now := time.Now()
	token, err := signToken(testSecret, "exec-1", "approve", "alice", now, now.Add(time.Hour))
	require.NoError(t, err)

	claims, err := verifyToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", claims.ExecutionID)
	assert.Equal(t, "approve", claims.NodeID)
	assert.Equal(t, "alice", claims.Assignee)

	_, err = verifyToken("other-secret", token)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	expired, err := signToken(testSecret, "exec-1", "approve", "alice", now.Add(-2*time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = verifyToken(testSecret, expired)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = verifyToken(testSecret, "not-a-token")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

type harness struct {
	store   *memstore.Store
	bus     *bus.Bus
	eng     *engine.Engine
	manager *Manager
}

func newHarness(t *testing.T, cfg config.ApprovalConfig) *harness {
	t.Helper()
	st := memstore.New()
	b := bus.New()
	engCfg := config.EngineConfig{
		WorkerPoolSize: 4,
		QueueSize:      64,
		DefaultTimeout: 5 * time.Second,
		LockTTL:        time.Second,
	}
	eng := engine.New(st, b, lock.NewMemoryLocker(), node.DefaultRegistry(nil), engCfg, logger.NewNop(), metrics.New("test"))
	if cfg.HMACSecret == "" {
		cfg.HMACSecret = testSecret
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = time.Hour
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost:8080"
	}
	m := NewManager(st, eng, cfg, logger.NewNop())
	eng.Start()
	t.Cleanup(func() {
		eng.Stop()
		b.Close()
	})
	return &harness{store: st, bus: b, eng: eng, manager: m}
}

func (h *harness) createWorkflow(t *testing.T, w *model.Workflow) {
	t.Helper()
	w.Status = model.WorkflowStatusActive
	w.Version = 1
	require.NoError(t, h.store.Workflows().Create(context.Background(), w))
}

func approvalWorkflow(id string, config map[string]interface{}) *model.Workflow {
	if config == nil {
		config = map[string]interface{}{"assignee": "alice"}
	}
	return &model.Workflow{
		ID:   id,
		Name: "approval flow",
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeKindTrigger},
			{ID: "approve", Kind: model.NodeKindHumanTask, Config: config},
			{ID: "done", Kind: model.NodeKindDataOutput},
		},
		Edges: []model.Edge{
			{ID: "e1", Source: "start", Target: "approve"},
			{ID: "e2", Source: "approve", Target: "done"},
		},
	}
}

// startSuspended runs the workflow until the human task has a ticket.
func (h *harness) startSuspended(t *testing.T, workflowID string) (*model.Execution, *model.ApprovalTicket) {
	t.Helper()
	exec, err := h.eng.Execute(context.Background(), workflowID, nil, true)
	require.NoError(t, err)

	var ticket *model.ApprovalTicket
	require.Eventually(t, func() bool {
		tk, err := h.store.Tickets().Get(context.Background(), exec.ID, "approve")
		if err != nil {
			return false
		}
		ticket = tk
		return true
	}, 5*time.Second, 10*time.Millisecond, "ticket never issued")
	h.waitStatus(t, exec.ID, model.ExecutionStatusPaused)
	return exec, ticket
}

func (h *harness) waitStatus(t *testing.T, executionID string, want model.ExecutionStatus) *model.Execution {
	t.Helper()
	var exec *model.Execution
	require.Eventually(t, func() bool {
		e, err := h.store.Executions().Get(context.Background(), executionID)
		if err != nil {
			return false
		}
		exec = e
		return e.Status == want
	}, 5*time.Second, 10*time.Millisecond, "execution never reached %s", want)
	return exec
}

func TestApproveResumesExecution(t *testing.T) {
	h := newHarness(t, config.ApprovalConfig{})
	h.createWorkflow(t, approvalWorkflow("wf-approve", nil))
	exec, ticket := h.startSuspended(t, "wf-approve")

	outcome, err := h.manager.Respond(context.Background(), ticket.Token, ActionApprove, "", map[string]interface{}{
		"note": "looks good",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionApprove, outcome.Action)
	assert.Equal(t, exec.ID, outcome.ExecutionID)

	final := h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)
	output := final.Variables["approve"].(map[string]interface{})
	assert.Equal(t, true, output["approved"])
	assert.Equal(t, "alice", output["assignee"])
	assert.Equal(t, "looks good", output["note"])

	events, err := h.store.Events().ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	var kinds []model.EventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
		if e.Kind == model.EventHumanApprovalRequested {
			assert.Contains(t, e.Payload["approve_url"], "http://localhost:8080/approvals/respond?token=")
			assert.Equal(t, "alice", e.Payload["assignee"])
		}
	}
	assert.Contains(t, kinds, model.EventHumanApprovalRequested)
	assert.Contains(t, kinds, model.EventHumanApproved)
}

func TestRejectFailsExecution(t *testing.T) {
	h := newHarness(t, config.ApprovalConfig{})
	h.createWorkflow(t, approvalWorkflow("wf-reject", nil))
	exec, ticket := h.startSuspended(t, "wf-reject")

	outcome, err := h.manager.Respond(context.Background(), ticket.Token, ActionReject, "", nil)
	require.NoError(t, err)
	assert.Equal(t, ActionReject, outcome.Action)

	final := h.waitStatus(t, exec.ID, model.ExecutionStatusFailed)
	assert.Equal(t, "rejected", final.Error)
}

func TestSecondDecisionIsRefused(t *testing.T) {
	h := newHarness(t, config.ApprovalConfig{})
	h.createWorkflow(t, approvalWorkflow("wf-twice", nil))
	exec, ticket := h.startSuspended(t, "wf-twice")

	_, err := h.manager.Respond(context.Background(), ticket.Token, ActionApprove, "", nil)
	require.NoError(t, err)
	h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)

	_, err = h.manager.Respond(context.Background(), ticket.Token, ActionReject, "", nil)
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestEscalationSupersedesOldLink(t *testing.T) {
	h := newHarness(t, config.ApprovalConfig{})
	h.createWorkflow(t, approvalWorkflow("wf-escalate", map[string]interface{}{
		"assignee":    "alice",
		"on_timeout":  "escalate",
		"escalate_to": "bob",
	}))
	exec, ticket := h.startSuspended(t, "wf-escalate")

	require.NoError(t, h.manager.expireTicket(context.Background(), ticket))

	_, err := h.manager.Respond(context.Background(), ticket.Token, ActionApprove, "", nil)
	assert.ErrorIs(t, err, ErrTokenSuperseded)

	reissued, err := h.store.Tickets().Get(context.Background(), exec.ID, "approve")
	require.NoError(t, err)
	assert.Equal(t, "bob", reissued.Assignee)
	assert.NotEqual(t, ticket.Token, reissued.Token)

	_, err = h.manager.Respond(context.Background(), reissued.Token, ActionApprove, "", nil)
	require.NoError(t, err)
	h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)
}

func TestTimeoutAutoApproves(t *testing.T) {
	h := newHarness(t, config.ApprovalConfig{})
	h.createWorkflow(t, approvalWorkflow("wf-auto", map[string]interface{}{
		"assignee":   "alice",
		"on_timeout": "auto_approve",
	}))
	exec, ticket := h.startSuspended(t, "wf-auto")

	require.NoError(t, h.manager.expireTicket(context.Background(), ticket))

	final := h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)
	output := final.Variables["approve"].(map[string]interface{})
	assert.Equal(t, true, output["auto_approved"])

	events, err := h.store.Events().ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	var sawTimeout bool
	for _, e := range events {
		if e.Kind == model.EventApprovalTimeout {
			sawTimeout = true
			assert.Equal(t, "auto_approve", e.Payload["fallback"])
		}
	}
	assert.True(t, sawTimeout)
}

func TestTimeoutCancels(t *testing.T) {
	h := newHarness(t, config.ApprovalConfig{})
	h.createWorkflow(t, approvalWorkflow("wf-cancel", map[string]interface{}{
		"assignee":   "alice",
		"on_timeout": "cancel",
	}))
	exec, ticket := h.startSuspended(t, "wf-cancel")

	require.NoError(t, h.manager.expireTicket(context.Background(), ticket))
	h.waitStatus(t, exec.ID, model.ExecutionStatusCancelled)
}

func TestDecisionBeatsDeadlineSweep(t *testing.T) {
	h := newHarness(t, config.ApprovalConfig{})
	h.createWorkflow(t, approvalWorkflow("wf-race", nil))
	exec, ticket := h.startSuspended(t, "wf-race")

	_, err := h.manager.Respond(context.Background(), ticket.Token, ActionApprove, "", nil)
	require.NoError(t, err)
	h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)

	// The sweep finds the consumed ticket and leaves the decision alone.
	require.NoError(t, h.manager.expireTicket(context.Background(), ticket))
	final := h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)
	assert.Equal(t, model.ExecutionStatusCompleted, final.Status)
}

func TestRequireAssignee(t *testing.T) {
	h := newHarness(t, config.ApprovalConfig{RequireAssignee: true})
	h.createWorkflow(t, approvalWorkflow("wf-assignee", nil))
	exec, ticket := h.startSuspended(t, "wf-assignee")

	_, err := h.manager.Respond(context.Background(), ticket.Token, ActionApprove, "mallory", nil)
	assert.ErrorIs(t, err, ErrWrongResponder)

	_, err = h.manager.Respond(context.Background(), ticket.Token, ActionApprove, "alice", nil)
	require.NoError(t, err)
	h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)
}
