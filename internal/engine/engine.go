// Package engine executes workflow graphs: it schedules nodes on a worker
// pool, serializes per-execution mutation with the distributed lock, and
// records every lifecycle transition in the event log and on the bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowcore-ai/flowcore/internal/bus"
	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/node"
	"github.com/flowcore-ai/flowcore/internal/platform/config"
	"github.com/flowcore-ai/flowcore/internal/platform/lock"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
	"github.com/flowcore-ai/flowcore/internal/platform/metrics"
	"github.com/flowcore-ai/flowcore/internal/store"
)

// ErrWorkflowNotExecutable is returned when Execute targets a workflow
// that is archived, or a draft without the manual flag.
var ErrWorkflowNotExecutable = errors.New("workflow is not executable")

// ErrQueueFull is returned when the scheduling queue rejects a task.
var ErrQueueFull = errors.New("engine queue is full")

const minLockTTL = 60 * time.Second

// SuspendHandler is called after an execution pauses on a human task. The
// approval subsystem registers itself here to issue the ticket.
type SuspendHandler func(ctx context.Context, exec *model.Execution, n *model.Node, suspend *node.SuspendError)

// FinishHandler is called after an execution reaches completed or failed.
// The notifier registers itself here; delivery must not block traversal.
type FinishHandler func(ctx context.Context, w *model.Workflow, exec *model.Execution)

// Engine drives workflow executions.
type Engine struct {
	store    store.Store
	bus      *bus.Bus
	locker   lock.Locker
	registry *node.Registry
	log      logger.Logger
	metrics  *metrics.Metrics
	cfg      config.EngineConfig
	pool     *workerPool

	onSuspend  SuspendHandler
	onFinished FinishHandler

	// active tracks executions this instance currently has queued or
	// in-flight work for; the recovery sweep leaves them alone.
	activeMu sync.Mutex
	active   map[string]int
}

// New creates an engine. Call Start before Execute.
func New(st store.Store, b *bus.Bus, locker lock.Locker, registry *node.Registry, cfg config.EngineConfig, log logger.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		store:    st,
		bus:      b,
		locker:   locker,
		registry: registry,
		log:      log,
		metrics:  m,
		cfg:      cfg,
		active:   make(map[string]int),
	}
	e.pool = newWorkerPool(cfg.QueueSize, e.runTask)
	return e
}

// SetSuspendHandler wires the approval subsystem. Called once at startup.
func (e *Engine) SetSuspendHandler(h SuspendHandler) { e.onSuspend = h }

// SetFinishHandler wires terminal-outcome observers. Called once at startup.
func (e *Engine) SetFinishHandler(h FinishHandler) { e.onFinished = h }

// finished fans a terminal execution out to the finish handler off the
// worker, with a snapshot so later mutations are not observed.
func (e *Engine) finished(w *model.Workflow, exec *model.Execution) {
	if e.onFinished == nil {
		return
	}
	snapshot := *exec
	go e.onFinished(context.Background(), w, &snapshot)
}

// Start launches the worker pool.
func (e *Engine) Start() {
	e.pool.start(e.cfg.WorkerPoolSize)
	e.log.Info("engine started", "workers", e.cfg.WorkerPoolSize, "queue_size", e.cfg.QueueSize)
}

// Stop drains the worker pool.
func (e *Engine) Stop() {
	e.pool.stop()
	e.log.Info("engine stopped")
}

// Execute starts a new execution of the workflow and returns immediately
// after the execution record exists and the entry node is scheduled.
// Active workflows always run; drafts run only when manual is set.
func (e *Engine) Execute(ctx context.Context, workflowID string, input map[string]interface{}, manual bool) (*model.Execution, error) {
	w, err := e.store.Workflows().Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	switch w.Status {
	case model.WorkflowStatusActive:
	case model.WorkflowStatusDraft:
		if !manual {
			return nil, fmt.Errorf("%w: draft workflows only run manually", ErrWorkflowNotExecutable)
		}
	default:
		return nil, fmt.Errorf("%w: status %s", ErrWorkflowNotExecutable, w.Status)
	}

	entry := w.EntryNode()
	if entry == nil {
		return nil, fmt.Errorf("%w: workflow has no nodes", ErrWorkflowNotExecutable)
	}

	if input == nil {
		input = make(map[string]interface{})
	}
	exec := &model.Execution{
		ID:              uuid.New().String(),
		WorkflowID:      w.ID,
		WorkflowVersion: w.Version,
		Status:          model.ExecutionStatusRunning,
		CurrentNodeID:   entry.ID,
		Variables:       map[string]interface{}{model.VariablesKeyInput: input},
		StartedAt:       time.Now().UTC(),
		InFlight:        []string{entry.ID},
	}
	if err := e.store.Executions().Create(ctx, exec); err != nil {
		return nil, err
	}

	e.metrics.ExecutionsStarted.Inc()
	e.metrics.ExecutionsActive.Inc()
	e.emit(ctx, model.NewEvent(model.EventWorkflowStarted, exec.ID, "", map[string]interface{}{
		"workflow_id":      w.ID,
		"workflow_version": w.Version,
	}))

	if !e.schedule(task{executionID: exec.ID, nodeID: entry.ID}, false) {
		now := time.Now().UTC()
		_ = e.store.Executions().SetStatus(ctx, exec.ID, model.ExecutionStatusFailed, "scheduling queue full", &now)
		e.metrics.ExecutionsActive.Dec()
		return nil, ErrQueueFull
	}
	return exec, nil
}

// Cancel moves a non-terminal execution to cancelled. In-flight node runs
// observe the status on their next lock acquisition and abandon.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	return e.withExecution(ctx, executionID, func(ctx context.Context, exec *model.Execution) error {
		if exec.Status.Terminal() {
			return fmt.Errorf("execution %s already %s", executionID, exec.Status)
		}
		wasRunning := exec.Status == model.ExecutionStatusRunning
		if err := exec.Transition(model.ExecutionStatusCancelled); err != nil {
			return err
		}
		if err := e.store.Executions().Update(ctx, exec); err != nil {
			return err
		}
		if wasRunning {
			e.metrics.ExecutionsActive.Dec()
		}
		e.metrics.ExecutionsCompleted.WithLabelValues(string(model.ExecutionStatusCancelled)).Inc()
		e.emit(ctx, model.NewEvent(model.EventWorkflowFailed, executionID, "", map[string]interface{}{
			"reason": "cancelled",
		}))
		return nil
	})
}

// Pause moves a running execution to paused. Scheduled nodes abandon when
// they observe the status; Resume re-schedules the frontier.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	return e.withExecution(ctx, executionID, func(ctx context.Context, exec *model.Execution) error {
		if err := exec.Transition(model.ExecutionStatusPaused); err != nil {
			return err
		}
		return e.store.Executions().Update(ctx, exec)
	})
}

// Resume moves a paused execution back to running, merging data into the
// variables, and re-schedules the in-flight frontier at high priority.
func (e *Engine) Resume(ctx context.Context, executionID string, data map[string]interface{}) error {
	var frontier []string
	err := e.withExecution(ctx, executionID, func(ctx context.Context, exec *model.Execution) error {
		if err := exec.Transition(model.ExecutionStatusRunning); err != nil {
			return err
		}
		for k, v := range data {
			exec.Variables[k] = v
		}
		frontier = append([]string(nil), exec.InFlight...)
		return e.store.Executions().Update(ctx, exec)
	})
	if err != nil {
		return err
	}
	for _, nodeID := range frontier {
		e.schedule(task{executionID: executionID, nodeID: nodeID}, true)
	}
	return nil
}

// CompleteHumanTask finishes a suspended human task node with the given
// output and resumes traversal. Called by the approval subsystem.
func (e *Engine) CompleteHumanTask(ctx context.Context, executionID, nodeID string, output map[string]interface{}) error {
	return e.finishSuspendedNode(ctx, executionID, nodeID, output, "")
}

// FailHumanTask fails a suspended human task node, following error edges
// when present. Called on rejection and on cancel fallback.
func (e *Engine) FailHumanTask(ctx context.Context, executionID, nodeID, reason string) error {
	return e.finishSuspendedNode(ctx, executionID, nodeID, nil, reason)
}

// Progress returns the derived progress of an execution.
func (e *Engine) Progress(ctx context.Context, exec *model.Execution) model.Progress {
	total := 0
	if w, err := e.store.Workflows().Get(ctx, exec.WorkflowID); err == nil {
		total = len(w.Nodes)
	}
	return exec.ComputeProgress(total)
}

// withExecution serializes a mutation of one execution document under the
// distributed lock.
func (e *Engine) withExecution(ctx context.Context, executionID string, fn func(ctx context.Context, exec *model.Execution) error) error {
	return e.withLockRetry(ctx, executionID, e.cfg.LockTTL, func(ctx context.Context) error {
		exec, err := e.store.Executions().Get(ctx, executionID)
		if err != nil {
			return err
		}
		return fn(ctx, exec)
	})
}

// withLockRetry retries lock acquisition briefly so API-initiated
// mutations do not fail just because a node run holds the lock.
func (e *Engine) withLockRetry(ctx context.Context, executionID string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl < minLockTTL {
		ttl = minLockTTL
	}
	key := "execution:" + executionID
	backoff := 100 * time.Millisecond
	for {
		err := lock.WithLock(ctx, e.locker, key, ttl, fn)
		if !errors.Is(err, lock.ErrAcquisitionFailed) {
			return err
		}
		e.metrics.LockAcquireFailed.Inc()
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

func (e *Engine) schedule(t task, priority bool) bool {
	e.trackActive(t.executionID, +1)
	if !e.pool.submit(t, priority) {
		e.trackActive(t.executionID, -1)
		e.log.Error("scheduling queue full", "execution_id", t.executionID, "node_id", t.nodeID)
		return false
	}
	return true
}

func (e *Engine) trackActive(executionID string, delta int) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	e.active[executionID] += delta
	if e.active[executionID] <= 0 {
		delete(e.active, executionID)
	}
}

func (e *Engine) isActive(executionID string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return e.active[executionID] > 0
}

// emit appends the event to the log and broadcasts it. Sequence numbers
// come from the append; the bus sees the persisted event.
func (e *Engine) emit(ctx context.Context, event *model.Event) {
	if err := e.store.Events().Append(ctx, event); err != nil {
		e.log.Error("failed to append event", "kind", event.Kind, "execution_id", event.ExecutionID, "error", err)
	}
	e.bus.Emit(event)
}

// Emit exposes event emission for collaborating subsystems that record
// into the same log and bus.
func (e *Engine) Emit(ctx context.Context, event *model.Event) { e.emit(ctx, event) }
