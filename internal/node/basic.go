package node

import (
	"context"
	"fmt"
	"time"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/pkg/expression"
)

// TriggerExecutor starts an execution by passing the trigger payload
// through as its output.
type TriggerExecutor struct{}

func (TriggerExecutor) Kind() model.NodeKind { return model.NodeKindTrigger }

func (TriggerExecutor) Execute(ctx context.Context, nc *Context) (*Result, error) {
	return &Result{Output: inputOrDefault(nc)}, nil
}

// DataInputExecutor surfaces the execution input, or the configured
// default when no input was supplied.
type DataInputExecutor struct{}

func (DataInputExecutor) Kind() model.NodeKind { return model.NodeKindDataInput }

func (DataInputExecutor) Execute(ctx context.Context, nc *Context) (*Result, error) {
	return &Result{Output: inputOrDefault(nc)}, nil
}

func inputOrDefault(nc *Context) map[string]interface{} {
	if input, ok := nc.Variables[model.VariablesKeyInput].(map[string]interface{}); ok && len(input) > 0 {
		return map[string]interface{}{"result": input}
	}
	if def := configMap(nc.Node.Config, "default"); def != nil {
		return map[string]interface{}{"result": def}
	}
	return map[string]interface{}{"result": map[string]interface{}{}}
}

// DataOutputExecutor materializes the configured fields from the variable
// space into the node output. With no fields configured it snapshots the
// full variable map.
type DataOutputExecutor struct{}

func (DataOutputExecutor) Kind() model.NodeKind { return model.NodeKindDataOutput }

func (DataOutputExecutor) Execute(ctx context.Context, nc *Context) (*Result, error) {
	fields := configMap(nc.Node.Config, "fields")
	if fields == nil {
		return &Result{Output: map[string]interface{}{"result": nc.Variables}}, nil
	}
	resolved, err := expression.InterpolateMap(fields, nc.Variables, nil)
	if err != nil {
		return nil, err
	}
	return &Result{Output: map[string]interface{}{"result": resolved}}, nil
}

const defaultTimerSuspendThreshold = 30 * time.Second

// TimerExecutor delays traversal until a relative delay (duration_ms) or
// an absolute deadline (until, RFC 3339) passes. Short waits block on a
// context-aware timer; longer ones suspend the execution with a persisted
// wake-up so they survive a restart.
type TimerExecutor struct {
	// SuspendThreshold overrides the blocking cutoff. Zero means the
	// default of 30 seconds.
	SuspendThreshold time.Duration
}

func (TimerExecutor) Kind() model.NodeKind { return model.NodeKindTimer }

func (e TimerExecutor) Execute(ctx context.Context, nc *Context) (*Result, error) {
	deadline, err := timerDeadline(nc.Node.Config)
	if err != nil {
		return nil, err
	}

	threshold := e.SuspendThreshold
	if threshold <= 0 {
		threshold = defaultTimerSuspendThreshold
	}
	remaining := time.Until(deadline)
	if remaining > threshold {
		return nil, &SleepError{Until: deadline}
	}
	if remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return &Result{Output: map[string]interface{}{"result": map[string]interface{}{
		"fired_at": time.Now().UTC().Format(time.RFC3339),
	}}}, nil
}

func timerDeadline(config map[string]interface{}) (time.Time, error) {
	if s := configString(config, "until"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("timer node has invalid until %q: %w", s, err)
		}
		return t.UTC(), nil
	}
	return time.Now().UTC().Add(configDuration(config, "duration_ms", 0)), nil
}
