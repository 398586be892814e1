package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/flowcore-ai/flowcore/internal/bus"
	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/node"
	"github.com/flowcore-ai/flowcore/internal/platform/config"
	"github.com/flowcore-ai/flowcore/internal/platform/lock"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
	"github.com/flowcore-ai/flowcore/internal/platform/metrics"
	"github.com/flowcore-ai/flowcore/internal/store"
	"github.com/flowcore-ai/flowcore/internal/store/memstore"
)

type harness struct {
	store *memstore.Store
	bus   *bus.Bus
	eng   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memstore.New()
	b := bus.New()
	cfg := config.EngineConfig{
		WorkerPoolSize: 4,
		QueueSize:      64,
		DefaultTimeout: 5 * time.Second,
		LockTTL:        time.Second,
	}
	eng := New(st, b, lock.NewMemoryLocker(), node.DefaultRegistry(nil), cfg, logger.NewNop(), metrics.New("test"))
	eng.Start()
	t.Cleanup(func() {
		eng.Stop()
		b.Close()
	})
	return &harness{store: st, bus: b, eng: eng}
}

func (h *harness) createWorkflow(t *testing.T, w *model.Workflow) {
	t.Helper()
	if w.Status == "" {
		w.Status = model.WorkflowStatusActive
	}
	if w.Version == 0 {
		w.Version = 1
	}
	require.NoError(t, h.store.Workflows().Create(context.Background(), w))
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

func (h *harness) eventKinds(t *testing.T, executionID string) []model.EventKind {
	t.Helper()
	events, err := h.store.Events().ListByExecution(context.Background(), executionID)
	require.NoError(t, err)
	kinds := make([]model.EventKind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func outputNode(id string) model.Node {
	return model.Node{ID: id, Kind: model.NodeKindDataOutput}
}

func TestLinearPipelineCompletes(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, &model.Workflow{
		ID:   "wf-linear",
		Name: "linear",
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeKindTrigger},
			outputNode("out"),
		},
		Edges: []model.Edge{{ID: "e1", Source: "start", Target: "out"}},
	})

	exec, err := h.eng.Execute(context.Background(), "wf-linear", map[string]interface{}{"order": "42"}, true)
	require.NoError(t, err)

	final := h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)
	assert.ElementsMatch(t, []string{"start", "out"}, final.Completed)
	assert.Empty(t, final.InFlight)
	require.NotNil(t, final.CompletedAt)

	start := final.Variables["start"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"order": "42"}, start["result"])

	assert.Equal(t, []model.EventKind{
		model.EventWorkflowStarted,
		model.EventNodeStarted,
		model.EventNodeCompleted,
		model.EventNodeStarted,
		model.EventNodeCompleted,
		model.EventWorkflowCompleted,
	}, h.eventKinds(t, exec.ID))
}

func TestDecisionSkipsUntakenBranch(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, &model.Workflow{
		ID:   "wf-decision",
		Name: "decision",
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeKindTrigger},
			{ID: "decide", Kind: model.NodeKindDecision, Config: map[string]interface{}{
				"expression": "{{input.amount}} > 100",
			}},
			outputNode("approve"),
			outputNode("reject"),
		},
		Edges: []model.Edge{
			{ID: "e1", Source: "start", Target: "decide"},
			{ID: "e2", Source: "decide", Target: "approve", Condition: "true"},
			{ID: "e3", Source: "decide", Target: "reject", Condition: "false"},
		},
	})

	exec, err := h.eng.Execute(context.Background(), "wf-decision", map[string]interface{}{"amount": float64(250)}, true)
	require.NoError(t, err)

	final := h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)
	assert.Contains(t, final.Completed, "approve")
	assert.Contains(t, final.Skipped, "reject")

	var rejectEntry *model.NodeHistoryEntry
	for i := range final.NodeHistory {
		if final.NodeHistory[i].NodeID == "reject" {
			rejectEntry = &final.NodeHistory[i]
		}
	}
	require.NotNil(t, rejectEntry)
	assert.Equal(t, model.NodeHistorySkipped, rejectEntry.Status)
}

func TestParallelJoinWaitsForAllBranches(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, &model.Workflow{
		ID:   "wf-join",
		Name: "join",
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeKindTrigger},
			outputNode("a"),
			outputNode("b"),
			outputNode("join"),
		},
		Edges: []model.Edge{
			{ID: "e1", Source: "start", Target: "a"},
			{ID: "e2", Source: "start", Target: "b"},
			{ID: "e3", Source: "a", Target: "join"},
			{ID: "e4", Source: "b", Target: "join"},
		},
	})

	exec, err := h.eng.Execute(context.Background(), "wf-join", nil, true)
	require.NoError(t, err)

	final := h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)
	assert.ElementsMatch(t, []string{"start", "a", "b", "join"}, final.Completed)

	// The join node runs exactly once even with two completed parents.
	joinRuns := 0
	for _, entry := range final.NodeHistory {
		if entry.NodeID == "join" {
			joinRuns++
		}
	}
	assert.Equal(t, 1, joinRuns)
}

func TestNodeFailureWithoutErrorEdge(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, &model.Workflow{
		ID:   "wf-fail",
		Name: "fail",
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeKindTrigger},
			{ID: "boom", Kind: model.NodeKindTransform, Config: map[string]interface{}{
				"operation": "no_such_operation",
			}},
		},
		Edges: []model.Edge{{ID: "e1", Source: "start", Target: "boom"}},
	})

	exec, err := h.eng.Execute(context.Background(), "wf-fail", nil, true)
	require.NoError(t, err)

	final := h.waitStatus(t, exec.ID, model.ExecutionStatusFailed)

	// The execution error is the bare node error string.
	assert.Contains(t, final.Error, "unknown transform operation")

	kinds := h.eventKinds(t, exec.ID)
	assert.Contains(t, kinds, model.EventNodeFailed)
	assert.Equal(t, model.EventWorkflowFailed, kinds[len(kinds)-1])
}

func TestErrorEdgeReroutesFailure(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, &model.Workflow{
		ID:   "wf-error-edge",
		Name: "error edge",
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeKindTrigger},
			{ID: "boom", Kind: model.NodeKindTransform, Config: map[string]interface{}{
				"operation": "no_such_operation",
			}},
			outputNode("after"),
			outputNode("cleanup"),
		},
		Edges: []model.Edge{
			{ID: "e1", Source: "start", Target: "boom"},
			{ID: "e2", Source: "boom", Target: "after"},
			{ID: "e3", Source: "boom", Target: "cleanup", Type: model.EdgeTypeError},
		},
	})

	exec, err := h.eng.Execute(context.Background(), "wf-error-edge", nil, true)
	require.NoError(t, err)

	final := h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)
	assert.Contains(t, final.Completed, "cleanup")
	assert.Contains(t, final.Skipped, "boom")
	assert.Contains(t, final.Skipped, "after")
}

func humanTaskWorkflow(id string) *model.Workflow {
	return &model.Workflow{
		ID:   id,
		Name: "approval",
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeKindTrigger},
			{ID: "approve", Kind: model.NodeKindHumanTask, Config: map[string]interface{}{
				"assignee": "alice@example.com",
			}},
			outputNode("done"),
		},
		Edges: []model.Edge{
			{ID: "e1", Source: "start", Target: "approve"},
			{ID: "e2", Source: "approve", Target: "done"},
		},
	}
}

func TestHumanTaskPausesThenApprovalResumes(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, humanTaskWorkflow("wf-human"))

	suspended := make(chan string, 1)
	h.eng.SetSuspendHandler(func(ctx context.Context, exec *model.Execution, n *model.Node, s *node.SuspendError) {
		assert.Equal(t, "alice@example.com", s.Assignee)
		suspended <- n.ID
	})

	exec, err := h.eng.Execute(context.Background(), "wf-human", nil, true)
	require.NoError(t, err)

	select {
	case nodeID := <-suspended:
		assert.Equal(t, "approve", nodeID)
	case <-time.After(5 * time.Second):
		t.Fatal("human task never suspended")
	}
	paused := h.waitStatus(t, exec.ID, model.ExecutionStatusPaused)
	assert.Contains(t, paused.InFlight, "approve")

	require.NoError(t, h.eng.CompleteHumanTask(context.Background(), exec.ID, "approve", map[string]interface{}{
		"approved": true,
	}))

	final := h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)
	approve := final.Variables["approve"].(map[string]interface{})
	assert.Equal(t, true, approve["approved"])
	assert.Contains(t, final.Completed, "done")
}

func TestHumanTaskRejectionFailsExecution(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, humanTaskWorkflow("wf-human-reject"))

	suspended := make(chan struct{}, 1)
	h.eng.SetSuspendHandler(func(ctx context.Context, exec *model.Execution, n *model.Node, s *node.SuspendError) {
		suspended <- struct{}{}
	})

	exec, err := h.eng.Execute(context.Background(), "wf-human-reject", nil, true)
	require.NoError(t, err)
	<-suspended
	h.waitStatus(t, exec.ID, model.ExecutionStatusPaused)

	require.NoError(t, h.eng.FailHumanTask(context.Background(), exec.ID, "approve", "rejected"))

	final := h.waitStatus(t, exec.ID, model.ExecutionStatusFailed)
	assert.Equal(t, "rejected", final.Error)
}

func TestCancelPausedExecution(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, humanTaskWorkflow("wf-human-cancel"))

	suspended := make(chan struct{}, 1)
	h.eng.SetSuspendHandler(func(ctx context.Context, exec *model.Execution, n *model.Node, s *node.SuspendError) {
		suspended <- struct{}{}
	})

	exec, err := h.eng.Execute(context.Background(), "wf-human-cancel", nil, true)
	require.NoError(t, err)
	<-suspended
	h.waitStatus(t, exec.ID, model.ExecutionStatusPaused)

	require.NoError(t, h.eng.Cancel(context.Background(), exec.ID))
	final := h.waitStatus(t, exec.ID, model.ExecutionStatusCancelled)
	assert.True(t, final.Status.Terminal())

	// A late decision on a cancelled execution is refused.
	err = h.eng.CompleteHumanTask(context.Background(), exec.ID, "approve", nil)
	assert.Error(t, err)

	events, err := h.store.Events().ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.EventWorkflowFailed, last.Kind)
	assert.Equal(t, "cancelled", last.Payload["reason"])
}

func TestResumeMergesData(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, &model.Workflow{
		ID:    "wf-resume",
		Name:  "resume",
		Nodes: []model.Node{outputNode("out")},
	})

	exec := &model.Execution{
		ID:         "exec-resume",
		WorkflowID: "wf-resume",
		Status:     model.ExecutionStatusPaused,
		Variables:  map[string]interface{}{model.VariablesKeyInput: map[string]interface{}{}},
		StartedAt:  time.Now().UTC(),
		InFlight:   []string{"out"},
	}
	require.NoError(t, h.store.Executions().Create(context.Background(), exec))

	require.NoError(t, h.eng.Resume(context.Background(), exec.ID, map[string]interface{}{"extra": "v"}))

	final := h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)
	assert.Equal(t, "v", final.Variables["extra"])
	assert.Contains(t, final.Completed, "out")
}

func TestExecuteRejectsNonExecutableWorkflows(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, &model.Workflow{
		ID:     "wf-draft",
		Name:   "draft",
		Status: model.WorkflowStatusDraft,
		Nodes:  []model.Node{{ID: "start", Kind: model.NodeKindTrigger}},
	})
	h.createWorkflow(t, &model.Workflow{
		ID:     "wf-archived",
		Name:   "archived",
		Status: model.WorkflowStatusArchived,
		Nodes:  []model.Node{{ID: "start", Kind: model.NodeKindTrigger}},
	})

	_, err := h.eng.Execute(context.Background(), "wf-draft", nil, false)
	assert.ErrorIs(t, err, ErrWorkflowNotExecutable)

	_, err = h.eng.Execute(context.Background(), "wf-archived", nil, true)
	assert.ErrorIs(t, err, ErrWorkflowNotExecutable)

	_, err = h.eng.Execute(context.Background(), "wf-missing", nil, true)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Drafts still run when triggered manually.
	exec, err := h.eng.Execute(context.Background(), "wf-draft", nil, true)
	require.NoError(t, err)
	h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)
}

func TestCancelInterruptsSlowNode(t *testing.T) {
	responded := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"done": true}`))
		close(responded)
	}))
	defer server.Close()

	h := newHarness(t)
	h.createWorkflow(t, &model.Workflow{
		ID:   "wf-cancel-slow",
		Name: "cancel slow",
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeKindTrigger},
			{ID: "slow", Kind: model.NodeKindHTTPAction, Config: map[string]interface{}{"url": server.URL}},
		},
		Edges: []model.Edge{{ID: "e1", Source: "start", Target: "slow"}},
	})

	exec, err := h.eng.Execute(context.Background(), "wf-cancel-slow", nil, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := h.store.Events().ListByExecution(context.Background(), exec.ID)
		if err != nil {
			return false
		}
		for _, e := range events {
			if e.Kind == model.EventNodeStarted && e.NodeID == "slow" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "slow node never started")

	// Cancel must commit while the node is still blocked on its call.
	cancelledAt := time.Now()
	require.NoError(t, h.eng.Cancel(context.Background(), exec.ID))
	require.Eventually(t, func() bool {
		e, err := h.store.Executions().Get(context.Background(), exec.ID)
		return err == nil && e.Status == model.ExecutionStatusCancelled
	}, time.Second, 10*time.Millisecond, "cancel waited for the slow node")
	assert.Less(t, time.Since(cancelledAt), 1500*time.Millisecond)

	// Once the call lands, its result is dropped without node events.
	<-responded
	time.Sleep(200 * time.Millisecond)

	events, err := h.store.Events().ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	for _, e := range events {
		if e.NodeID == "slow" {
			assert.NotEqual(t, model.EventNodeCompleted, e.Kind)
		}
	}
	last := events[len(events)-1]
	assert.Equal(t, model.EventWorkflowFailed, last.Kind)
	assert.Equal(t, "cancelled", last.Payload["reason"])

	final, err := h.store.Executions().Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCancelled, final.Status)
}

func TestParallelBranchesRunConcurrently(t *testing.T) {
	arrivals := make(chan struct{}, 2)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrivals <- struct{}{}
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	h := newHarness(t)
	h.createWorkflow(t, &model.Workflow{
		ID:   "wf-parallel-http",
		Name: "parallel http",
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeKindTrigger},
			{ID: "a", Kind: model.NodeKindHTTPAction, Config: map[string]interface{}{"url": server.URL}},
			{ID: "b", Kind: model.NodeKindHTTPAction, Config: map[string]interface{}{"url": server.URL}},
			outputNode("join"),
		},
		Edges: []model.Edge{
			{ID: "e1", Source: "start", Target: "a"},
			{ID: "e2", Source: "start", Target: "b"},
			{ID: "e3", Source: "a", Target: "join"},
			{ID: "e4", Source: "b", Target: "join"},
		},
	})

	exec, err := h.eng.Execute(context.Background(), "wf-parallel-http", nil, true)
	require.NoError(t, err)

	// Both branches must sit in their HTTP call at the same time; if they
	// serialized on the execution lock the second arrival would never come.
	for i := 0; i < 2; i++ {
		select {
		case <-arrivals:
		case <-time.After(3 * time.Second):
			t.Fatal("fan-out branches did not run concurrently")
		}
	}
	close(release)

	final := h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)
	assert.ElementsMatch(t, []string{"start", "a", "b", "join"}, final.Completed)
}

func TestLongTimerSuspendsThenWakes(t *testing.T) {
	h := newHarness(t)
	h.eng.registry.Register(node.TimerExecutor{SuspendThreshold: time.Millisecond})
	h.createWorkflow(t, &model.Workflow{
		ID:   "wf-sleep",
		Name: "sleep",
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeKindTrigger},
			{ID: "wait", Kind: model.NodeKindTimer, Config: map[string]interface{}{"duration_ms": float64(150)}},
			outputNode("out"),
		},
		Edges: []model.Edge{
			{ID: "e1", Source: "start", Target: "wait"},
			{ID: "e2", Source: "wait", Target: "out"},
		},
	})

	exec, err := h.eng.Execute(context.Background(), "wf-sleep", nil, true)
	require.NoError(t, err)

	paused := h.waitStatus(t, exec.ID, model.ExecutionStatusPaused)
	require.NotNil(t, paused.WakeAt)
	assert.Equal(t, "wait", paused.CurrentNodeID)

	final := h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)
	assert.Nil(t, final.WakeAt)
	assert.Contains(t, final.Completed, "wait")

	wait := final.Variables["wait"].(map[string]interface{})
	fired := wait["result"].(map[string]interface{})
	assert.NotEmpty(t, fired["fired_at"])
}

func TestNodeRunsAreTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(previous)

	h := newHarness(t)
	h.createWorkflow(t, &model.Workflow{
		ID:   "wf-traced",
		Name: "traced",
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeKindTrigger},
			outputNode("out"),
		},
		Edges: []model.Edge{{ID: "e1", Source: "start", Target: "out"}},
	})

	exec, err := h.eng.Execute(context.Background(), "wf-traced", nil, true)
	require.NoError(t, err)
	h.waitStatus(t, exec.ID, model.ExecutionStatusCompleted)

	spans := 0
	for _, span := range recorder.Ended() {
		if span.Name() == "node.execute" {
			spans++
		}
	}
	assert.Equal(t, 2, spans)
}

func TestExecuteFailsWhenQueueFull(t *testing.T) {
	st := memstore.New()
	b := bus.New()
	defer b.Close()
	cfg := config.EngineConfig{WorkerPoolSize: 0, QueueSize: 0, DefaultTimeout: time.Second, LockTTL: time.Second}
	eng := New(st, b, lock.NewMemoryLocker(), node.DefaultRegistry(nil), cfg, logger.NewNop(), metrics.New("test"))

	require.NoError(t, st.Workflows().Create(context.Background(), &model.Workflow{
		ID:      "wf-full",
		Name:    "full",
		Status:  model.WorkflowStatusActive,
		Version: 1,
		Nodes:   []model.Node{{ID: "start", Kind: model.NodeKindTrigger}},
	}))

	_, err := eng.Execute(context.Background(), "wf-full", nil, true)
	require.ErrorIs(t, err, ErrQueueFull)

	list, lerr := st.Executions().ListByWorkflow(context.Background(), "wf-full", 10)
	require.NoError(t, lerr)
	require.Len(t, list, 1)
	assert.Equal(t, model.ExecutionStatusFailed, list[0].Status)
}
