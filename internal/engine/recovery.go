package engine

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowcore-ai/flowcore/internal/model"
)

const recoverySweepBatch = 200

// Recovery periodically sweeps executions that lost their worker. A
// running execution with no queued work here and no held lock fails
// rather than hang forever; a sleeping timer whose in-process wake-up was
// lost to a restart gets it re-fired.
type Recovery struct {
	engine *Engine
	cron   *cron.Cron
}

// NewRecovery creates the sweep job. Start schedules it every minute.
func NewRecovery(e *Engine) *Recovery {
	return &Recovery{engine: e, cron: cron.New()}
}

// Start begins the periodic sweep.
func (r *Recovery) Start() error {
	if _, err := r.cron.AddFunc("@every 1m", r.Sweep); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the sweep and waits for a running pass to finish.
func (r *Recovery) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep fails orphaned running executions.
func (r *Recovery) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e := r.engine
	running, err := e.store.Executions().ListByStatus(ctx, model.ExecutionStatusRunning, recoverySweepBatch)
	if err != nil {
		e.log.Error("recovery sweep failed to list running executions", "error", err)
		return
	}

	for _, exec := range running {
		if e.isActive(exec.ID) {
			continue
		}
		held, err := e.locker.Held(ctx, "execution:"+exec.ID)
		if err != nil || held {
			continue
		}
		// Grace period so just-started executions whose first task has not
		// reached a worker are not swept.
		if time.Since(exec.StartedAt) < 2*time.Minute {
			continue
		}

		e.log.Warn("recovering orphaned execution", "execution_id", exec.ID)
		err = e.withLockRetry(ctx, exec.ID, e.cfg.LockTTL, func(ctx context.Context) error {
			current, err := e.store.Executions().Get(ctx, exec.ID)
			if err != nil {
				return err
			}
			if current.Status != model.ExecutionStatusRunning || e.isActive(current.ID) {
				return nil
			}
			current.Error = "worker_crashed"
			if err := current.Transition(model.ExecutionStatusFailed); err != nil {
				return err
			}
			if err := e.store.Executions().Update(ctx, current); err != nil {
				return err
			}
			e.metrics.ExecutionsActive.Dec()
			e.metrics.ExecutionsCompleted.WithLabelValues(string(model.ExecutionStatusFailed)).Inc()
			e.emit(ctx, model.NewEvent(model.EventWorkflowFailed, current.ID, "", map[string]interface{}{
				"error": "worker_crashed",
			}))
			return nil
		})
		if err != nil {
			e.log.Error("failed to recover execution", "execution_id", exec.ID, "error", err)
		}
	}

	r.wakeOverdueTimers(ctx)
}

// wakeOverdueTimers resumes sleeping executions whose wake deadline has
// passed. The paused/in-flight checks in the wake path make a duplicate
// fire harmless.
func (r *Recovery) wakeOverdueTimers(ctx context.Context) {
	e := r.engine
	paused, err := e.store.Executions().ListByStatus(ctx, model.ExecutionStatusPaused, recoverySweepBatch)
	if err != nil {
		e.log.Error("recovery sweep failed to list paused executions", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, exec := range paused {
		if exec.WakeAt == nil || exec.WakeAt.After(now) || exec.CurrentNodeID == "" {
			continue
		}
		e.wake(exec.ID, exec.CurrentNodeID)
	}
}
