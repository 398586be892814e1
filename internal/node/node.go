// Package node defines the executor contract and the per-kind executors
// the workflow engine dispatches to.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
)

// Context carries everything an executor may need for one node run.
// Variables is the live execution variable map; executors read it but
// never write it, their Result output is merged in by the engine.
type Context struct {
	Execution *model.Execution
	Workflow  *model.Workflow
	Node      *model.Node
	Variables map[string]interface{}
	Logger    logger.Logger
}

// Result is a successful node run.
type Result struct {
	// Output becomes variables[node.id].
	Output map[string]interface{}
	// BranchLabel selects outgoing edges for decision nodes. Empty for
	// every other kind.
	BranchLabel string
	// AI accounting, filled by the ai_processor executor.
	TokensUsed int
	Cost       float64
}

// SuspendError is returned by the human task executor: the execution must
// pause until a decision arrives or the deadline passes.
type SuspendError struct {
	Assignee string
	Timeout  time.Duration
	Fallback string
	Message  string
}

func (e *SuspendError) Error() string {
	return fmt.Sprintf("awaiting human decision from %s", e.Assignee)
}

// SleepError is returned by the timer executor when the wait is long
// enough to persist: the execution pauses and a scheduled wake-up resumes
// the node at Until.
type SleepError struct {
	Until time.Time
}

func (e *SleepError) Error() string {
	return fmt.Sprintf("sleeping until %s", e.Until.Format(time.RFC3339))
}

// Executor runs nodes of one kind.
type Executor interface {
	Kind() model.NodeKind
	Execute(ctx context.Context, nc *Context) (*Result, error)
}

// Registry maps node kinds to executors.
type Registry struct {
	executors map[model.NodeKind]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[model.NodeKind]Executor)}
}

// Register adds an executor, replacing any previous one for the kind.
func (r *Registry) Register(e Executor) {
	r.executors[e.Kind()] = e
}

// Get returns the executor for a kind.
func (r *Registry) Get(kind model.NodeKind) (Executor, error) {
	e, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("no executor registered for node kind %q", kind)
	}
	return e, nil
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []model.NodeKind {
	kinds := make([]model.NodeKind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	return kinds
}

// config accessors shared by the executors

func configString(config map[string]interface{}, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

func configInt(config map[string]interface{}, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func configMap(config map[string]interface{}, key string) map[string]interface{} {
	if v, ok := config[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

func configDuration(config map[string]interface{}, key string, fallback time.Duration) time.Duration {
	ms := configInt(config, key, -1)
	if ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
