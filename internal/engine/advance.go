package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/node"
	"github.com/flowcore-ai/flowcore/internal/store"
	"github.com/flowcore-ai/flowcore/pkg/expression"
)

const (
	nodeRetryAttempts = 3
	nodeRetryBackoff  = 500 * time.Millisecond
	tracerName        = "flowcore/engine"
)

// runTask executes one scheduled node. The execution lock is taken twice,
// once to mark the node started and once to commit the outcome; the
// executor itself runs unlocked, so a cancel or a sibling branch is never
// stuck behind slow node I/O.
func (e *Engine) runTask(ctx context.Context, t task) {
	defer e.trackActive(t.executionID, -1)

	w, exec, err := e.beginNode(ctx, t)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.log.Error("failed to start node", "execution_id", t.executionID, "node_id", t.nodeID, "error", err)
		}
		return
	}
	if exec == nil {
		return
	}

	result, runErr := e.runNode(ctx, w, exec, w.NodeByID(t.nodeID))

	err = e.withLockRetry(ctx, t.executionID, e.cfg.LockTTL, func(ctx context.Context) error {
		return e.applyOutcome(ctx, w, t, result, runErr)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error("failed to apply node outcome", "execution_id", t.executionID, "node_id", t.nodeID, "error", err)
	}
}

// beginNode marks the node started under the lock and returns a snapshot
// for the executor to run against. A nil execution means the run was
// abandoned: the execution left the running state or the node already
// resolved.
func (e *Engine) beginNode(ctx context.Context, t task) (*model.Workflow, *model.Execution, error) {
	var w *model.Workflow
	var snapshot *model.Execution
	err := e.withLockRetry(ctx, t.executionID, e.cfg.LockTTL, func(ctx context.Context) error {
		exec, err := e.store.Executions().Get(ctx, t.executionID)
		if err != nil {
			return err
		}
		if exec.Status != model.ExecutionStatusRunning {
			return nil
		}
		if exec.NodeCompleted(t.nodeID) || exec.NodeSkipped(t.nodeID) {
			return nil
		}
		w, err = e.store.Workflows().Get(ctx, exec.WorkflowID)
		if err != nil {
			return err
		}
		n := w.NodeByID(t.nodeID)
		if n == nil {
			return fmt.Errorf("scheduled node %s missing from workflow %s", t.nodeID, exec.WorkflowID)
		}

		exec.CurrentNodeID = n.ID
		openHistory(exec, n.ID)
		if err := e.store.Executions().Update(ctx, exec); err != nil {
			return err
		}
		e.emit(ctx, model.NewEvent(model.EventNodeStarted, exec.ID, n.ID, map[string]interface{}{
			"kind": string(n.Kind),
		}))

		// The executor reads variables unlocked while sibling branches
		// commit theirs, so the snapshot gets its own map.
		vars := make(map[string]interface{}, len(exec.Variables))
		for k, v := range exec.Variables {
			vars[k] = v
		}
		exec.Variables = vars
		snapshot = exec
		return nil
	})
	return w, snapshot, err
}

// applyOutcome re-reads the execution under the lock and commits the run's
// result. Outcomes landing after the execution left the running state are
// dropped without emitting further node events.
func (e *Engine) applyOutcome(ctx context.Context, w *model.Workflow, t task, result *node.Result, runErr error) error {
	exec, err := e.store.Executions().Get(ctx, t.executionID)
	if err != nil {
		return err
	}
	if exec.Status != model.ExecutionStatusRunning {
		return nil
	}
	if exec.NodeCompleted(t.nodeID) || exec.NodeSkipped(t.nodeID) {
		return nil
	}
	n := w.NodeByID(t.nodeID)
	entry := openHistory(exec, t.nodeID)

	var sleep *node.SleepError
	if errors.As(runErr, &sleep) {
		return e.sleepOn(ctx, exec, n, sleep)
	}
	var suspend *node.SuspendError
	if errors.As(runErr, &suspend) {
		return e.suspendOn(ctx, exec, n, entry, suspend)
	}
	if runErr != nil {
		return e.failNode(ctx, w, exec, n, entry, runErr)
	}
	return e.completeNode(ctx, w, exec, n, entry, result, false)
}

// runNode dispatches to the executor with the node timeout, retrying
// transient failures with backoff. Suspensions and context errors pass
// through untouched.
func (e *Engine) runNode(ctx context.Context, w *model.Workflow, exec *model.Execution, n *model.Node) (*node.Result, error) {
	executor, err := e.registry.Get(n.Kind)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "node.execute", trace.WithAttributes(
		attribute.String("execution.id", exec.ID),
		attribute.String("node.id", n.ID),
		attribute.String("node.kind", string(n.Kind)),
	))
	defer span.End()

	nc := &node.Context{
		Execution: exec,
		Workflow:  w,
		Node:      n,
		Variables: exec.Variables,
		Logger:    e.log.WithFields(map[string]interface{}{"execution_id": exec.ID, "node_id": n.ID}),
	}
	timeout := e.nodeTimeout(w, n)

	backoff := nodeRetryBackoff
	var lastErr error
	for attempt := 1; attempt <= nodeRetryAttempts; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := executor.Execute(runCtx, nc)
		cancel()
		if err == nil {
			return result, nil
		}

		var sleep *node.SleepError
		var suspend *node.SuspendError
		if errors.As(err, &sleep) || errors.As(err, &suspend) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if attempt == nodeRetryAttempts || !retryableNodeError(err) {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "node failed")
	return nil, lastErr
}

// retryableNodeError limits engine-level retry to transient store errors
// and deadline hits; executors handle their own protocol-level retries.
func retryableNodeError(err error) bool {
	return store.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// completeNode records a successful node run, advances the frontier and
// detects completion. Caller holds the execution lock.
func (e *Engine) completeNode(ctx context.Context, w *model.Workflow, exec *model.Execution, n *model.Node, entry *model.NodeHistoryEntry, result *node.Result, priority bool) error {
	now := time.Now().UTC()
	entry.EndedAt = &now
	entry.Status = model.NodeHistorySuccess
	entry.Output = result.Output
	entry.Metrics = model.NodeMetrics{
		DurationMs:   now.Sub(entry.StartedAt).Milliseconds(),
		AITokensUsed: result.TokensUsed,
		AICost:       result.Cost,
		MemoryPeak:   e.sampleMemory(),
	}
	e.metrics.NodeDuration.WithLabelValues(string(n.Kind), "success").Observe(now.Sub(entry.StartedAt).Seconds())

	exec.InFlight = removeString(exec.InFlight, n.ID)
	exec.Completed = append(exec.Completed, n.ID)
	exec.Variables[n.ID] = result.Output

	scheduled := e.advanceFrontier(w, exec, n.ID)

	if len(exec.InFlight) == 0 {
		if err := exec.Transition(model.ExecutionStatusCompleted); err != nil {
			return err
		}
		exec.CurrentNodeID = ""
	}
	if err := e.store.Executions().Update(ctx, exec); err != nil {
		return err
	}

	e.emit(ctx, model.NewEvent(model.EventNodeCompleted, exec.ID, n.ID, map[string]interface{}{
		"duration_ms": entry.Metrics.DurationMs,
	}))
	if exec.Status == model.ExecutionStatusCompleted {
		e.metrics.ExecutionsActive.Dec()
		e.metrics.ExecutionsCompleted.WithLabelValues(string(model.ExecutionStatusCompleted)).Inc()
		e.emit(ctx, model.NewEvent(model.EventWorkflowCompleted, exec.ID, "", map[string]interface{}{
			"duration_ms": exec.CompletedAt.Sub(exec.StartedAt).Milliseconds(),
		}))
		e.finished(w, exec)
	}

	for _, nodeID := range scheduled {
		e.schedule(task{executionID: exec.ID, nodeID: nodeID}, priority)
	}
	return nil
}

// failNode records a failed node run. Error edges reroute traversal;
// without one the execution fails.
func (e *Engine) failNode(ctx context.Context, w *model.Workflow, exec *model.Execution, n *model.Node, entry *model.NodeHistoryEntry, runErr error) error {
	now := time.Now().UTC()
	entry.EndedAt = &now
	entry.Status = model.NodeHistoryFailed
	entry.Error = runErr.Error()
	entry.Metrics.DurationMs = now.Sub(entry.StartedAt).Milliseconds()
	entry.Metrics.MemoryPeak = e.sampleMemory()
	e.metrics.NodeDuration.WithLabelValues(string(n.Kind), "failed").Observe(now.Sub(entry.StartedAt).Seconds())

	e.emit(ctx, model.NewEvent(model.EventNodeFailed, exec.ID, n.ID, map[string]interface{}{
		"error": runErr.Error(),
	}))

	exec.InFlight = removeString(exec.InFlight, n.ID)

	errorEdges := w.ErrorEdges(n.ID)
	if len(errorEdges) > 0 {
		// The failed node terminalizes as skipped so downstream joins on its
		// normal edges resolve, while the error route takes over.
		exec.Skipped = append(exec.Skipped, n.ID)
		var scheduled []string
		for _, edge := range errorEdges {
			if !exec.NodeInFlight(edge.Target) && !exec.NodeCompleted(edge.Target) && !exec.NodeSkipped(edge.Target) {
				exec.InFlight = append(exec.InFlight, edge.Target)
				scheduled = append(scheduled, edge.Target)
			}
		}
		if err := e.store.Executions().Update(ctx, exec); err != nil {
			return err
		}
		for _, nodeID := range scheduled {
			e.schedule(task{executionID: exec.ID, nodeID: nodeID}, false)
		}
		return nil
	}

	exec.Error = runErr.Error()
	if err := exec.Transition(model.ExecutionStatusFailed); err != nil {
		return err
	}
	if err := e.store.Executions().Update(ctx, exec); err != nil {
		return err
	}
	e.metrics.ExecutionsActive.Dec()
	e.metrics.ExecutionsCompleted.WithLabelValues(string(model.ExecutionStatusFailed)).Inc()
	e.emit(ctx, model.NewEvent(model.EventWorkflowFailed, exec.ID, n.ID, map[string]interface{}{
		"error": exec.Error,
	}))
	e.finished(w, exec)
	return nil
}

// sleepOn pauses the execution on a long timer node. The node stays in
// flight with a persisted wake deadline; an in-process wake-up fires at
// the deadline, and the recovery sweep re-arms deadlines lost to a
// restart.
func (e *Engine) sleepOn(ctx context.Context, exec *model.Execution, n *model.Node, sleep *node.SleepError) error {
	if err := exec.Transition(model.ExecutionStatusPaused); err != nil {
		return err
	}
	exec.CurrentNodeID = n.ID
	wakeAt := sleep.Until.UTC()
	exec.WakeAt = &wakeAt
	if err := e.store.Executions().Update(ctx, exec); err != nil {
		return err
	}
	e.scheduleWake(exec.ID, n.ID, wakeAt)
	return nil
}

func (e *Engine) scheduleWake(executionID, nodeID string, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() { e.wake(executionID, nodeID) })
}

// wake completes a sleeping timer node and resumes traversal. Wake-ups for
// executions that were cancelled or already woken fail the paused check
// and are dropped.
func (e *Engine) wake(executionID, nodeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	output := map[string]interface{}{"result": map[string]interface{}{
		"fired_at": time.Now().UTC().Format(time.RFC3339),
	}}
	if err := e.finishSuspendedNode(ctx, executionID, nodeID, output, ""); err != nil {
		e.log.Debug("timer wake-up dropped", "execution_id", executionID, "node_id", nodeID, "error", err)
	}
}

// suspendOn pauses the execution on a human task. The node stays in
// flight; its open history entry closes when the decision arrives.
func (e *Engine) suspendOn(ctx context.Context, exec *model.Execution, n *model.Node, entry *model.NodeHistoryEntry, suspend *node.SuspendError) error {
	if err := exec.Transition(model.ExecutionStatusPaused); err != nil {
		return err
	}
	exec.CurrentNodeID = n.ID
	if err := e.store.Executions().Update(ctx, exec); err != nil {
		return err
	}
	if e.onSuspend != nil {
		e.onSuspend(ctx, exec, n, suspend)
	}
	return nil
}

// finishSuspendedNode applies a human decision to a paused execution.
func (e *Engine) finishSuspendedNode(ctx context.Context, executionID, nodeID string, output map[string]interface{}, failReason string) error {
	return e.withLockRetry(ctx, executionID, e.cfg.LockTTL, func(ctx context.Context) error {
		exec, err := e.store.Executions().Get(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status != model.ExecutionStatusPaused {
			return fmt.Errorf("execution %s is %s, not awaiting a decision", executionID, exec.Status)
		}
		if !exec.NodeInFlight(nodeID) {
			return fmt.Errorf("node %s is not suspended in execution %s", nodeID, executionID)
		}
		w, err := e.store.Workflows().Get(ctx, exec.WorkflowID)
		if err != nil {
			return err
		}
		n := w.NodeByID(nodeID)
		if n == nil {
			return fmt.Errorf("node %s missing from workflow %s", nodeID, w.ID)
		}
		if err := exec.Transition(model.ExecutionStatusRunning); err != nil {
			return err
		}
		exec.WakeAt = nil

		entry := openHistory(exec, nodeID)
		if failReason != "" {
			return e.failNode(ctx, w, exec, n, entry, errors.New(failReason))
		}
		return e.completeNode(ctx, w, exec, n, entry, &node.Result{Output: output}, true)
	})
}

// advanceFrontier evaluates the completed node's outgoing edges, marks
// skipped branches, and returns the node ids now ready to run. Targets
// with unfinished parents stay pending until their last parent resolves.
func (e *Engine) advanceFrontier(w *model.Workflow, exec *model.Execution, completedNodeID string) []string {
	var scheduled []string
	for _, edge := range w.OutgoingEdges(completedNodeID) {
		if edge.Type == model.EdgeTypeError {
			continue
		}
		scheduled = append(scheduled, e.resolveTarget(w, exec, edge.Target)...)
	}
	return scheduled
}

// resolveTarget checks a join target: every incoming parent must be
// terminal, and at least one taken edge from a completed parent must point
// at it. Targets reachable only through untaken edges skip, and the skip
// cascades.
func (e *Engine) resolveTarget(w *model.Workflow, exec *model.Execution, targetID string) []string {
	if exec.NodeInFlight(targetID) || exec.NodeCompleted(targetID) || exec.NodeSkipped(targetID) {
		return nil
	}
	incoming := incomingDefaultEdges(w, targetID)
	taken := false
	for _, edge := range incoming {
		if !exec.NodeCompleted(edge.Source) && !exec.NodeSkipped(edge.Source) {
			return nil
		}
		if exec.NodeCompleted(edge.Source) && e.edgeTaken(w, exec, edge) {
			taken = true
		}
	}

	if taken {
		exec.InFlight = append(exec.InFlight, targetID)
		return []string{targetID}
	}

	// Unreachable through any taken edge: skip and cascade.
	exec.Skipped = append(exec.Skipped, targetID)
	now := time.Now().UTC()
	exec.NodeHistory = append(exec.NodeHistory, model.NodeHistoryEntry{
		NodeID:    targetID,
		StartedAt: now,
		EndedAt:   &now,
		Status:    model.NodeHistorySkipped,
	})
	var scheduled []string
	for _, edge := range w.OutgoingEdges(targetID) {
		if edge.Type == model.EdgeTypeError {
			continue
		}
		scheduled = append(scheduled, e.resolveTarget(w, exec, edge.Target)...)
	}
	return scheduled
}

// edgeTaken decides whether a default edge fires. Decision sources match
// the edge condition against the recorded branch label; other sources
// evaluate the condition expression against the variables. Empty
// conditions always fire.
func (e *Engine) edgeTaken(w *model.Workflow, exec *model.Execution, edge model.Edge) bool {
	if edge.Condition == "" {
		return true
	}
	source := w.NodeByID(edge.Source)
	if source != nil && source.Kind == model.NodeKindDecision {
		return edge.Condition == decisionLabel(exec, edge.Source)
	}
	ok, err := expression.EvaluateCondition(edge.Condition, exec.Variables)
	if err != nil {
		e.log.Warn("edge condition failed to evaluate, treating as not taken",
			"edge_id", edge.ID, "condition", edge.Condition, "error", err)
		return false
	}
	return ok
}

func decisionLabel(exec *model.Execution, nodeID string) string {
	output, _ := exec.Variables[nodeID].(map[string]interface{})
	if output == nil {
		return ""
	}
	return expression.Stringify(output["result"])
}

func incomingDefaultEdges(w *model.Workflow, nodeID string) []model.Edge {
	var in []model.Edge
	for _, edge := range w.IncomingEdges(nodeID) {
		if edge.Type != model.EdgeTypeError {
			in = append(in, edge)
		}
	}
	return in
}

// openHistory returns the node's open history entry, appending a new one
// when none exists.
func openHistory(exec *model.Execution, nodeID string) *model.NodeHistoryEntry {
	for i := len(exec.NodeHistory) - 1; i >= 0; i-- {
		if exec.NodeHistory[i].NodeID == nodeID && exec.NodeHistory[i].EndedAt == nil {
			return &exec.NodeHistory[i]
		}
	}
	exec.NodeHistory = append(exec.NodeHistory, model.NodeHistoryEntry{
		NodeID:    nodeID,
		StartedAt: time.Now().UTC(),
	})
	return &exec.NodeHistory[len(exec.NodeHistory)-1]
}

func (e *Engine) nodeTimeout(w *model.Workflow, n *model.Node) time.Duration {
	if ms, ok := n.Config["timeout_ms"].(float64); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if ms, ok := n.Config["timeout_ms"].(int); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if w.Settings.TimeoutMs > 0 {
		return time.Duration(w.Settings.TimeoutMs) * time.Millisecond
	}
	return e.cfg.DefaultTimeout
}

// sampleMemory reads the process RSS for node accounting. Zero on error.
func (e *Engine) sampleMemory() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}
