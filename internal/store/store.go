// Package store defines typed persistence over workflows, executions and
// the event log, with the error taxonomy callers dispatch on.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowcore-ai/flowcore/internal/model"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when an optimistic update loses.
	ErrVersionConflict = errors.New("version conflict")
)

// TransientError wraps store failures the caller should retry with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// ListOptions filters and paginates workflow listings.
type ListOptions struct {
	Page     int
	Limit    int
	Status   model.WorkflowStatus
	Category string
	Search   string
}

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	Create(ctx context.Context, w *model.Workflow) error
	Get(ctx context.Context, id string) (*model.Workflow, error)
	// UpdateIfVersion persists w only when the stored version equals
	// expectedVersion; otherwise ErrVersionConflict.
	UpdateIfVersion(ctx context.Context, w *model.Workflow, expectedVersion int) error
	// ListByPermission returns workflows the principal may view.
	ListByPermission(ctx context.Context, principal string, opts ListOptions) ([]*model.Workflow, int64, error)
	Archive(ctx context.Context, id string) error
}

// ExecutionStore persists execution documents. Mutating operations are
// last-writer-wins at the document level; the engine serializes writers
// per execution with the distributed lock.
type ExecutionStore interface {
	Create(ctx context.Context, e *model.Execution) error
	Get(ctx context.Context, id string) (*model.Execution, error)
	// Update replaces the whole document.
	Update(ctx context.Context, e *model.Execution) error
	SetStatus(ctx context.Context, id string, status model.ExecutionStatus, errMsg string, completedAt *time.Time) error
	ListByStatus(ctx context.Context, status model.ExecutionStatus, limit int) ([]*model.Execution, error)
	ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*model.Execution, error)
}

// EventStore is the append-only event log.
type EventStore interface {
	// Append assigns the next per-execution sequence number and persists
	// the event.
	Append(ctx context.Context, e *model.Event) error
	ListByExecution(ctx context.Context, executionID string) ([]*model.Event, error)
}

// TicketStore persists approval tickets, at most one open ticket per
// (execution_id, node_id).
type TicketStore interface {
	Put(ctx context.Context, t *model.ApprovalTicket) error
	Get(ctx context.Context, executionID, nodeID string) (*model.ApprovalTicket, error)
	// Consume marks the ticket consumed; returns ErrNotFound if absent and
	// ErrVersionConflict if already consumed.
	Consume(ctx context.Context, executionID, nodeID string) error
	ListOpen(ctx context.Context, deadlineBefore time.Time) ([]*model.ApprovalTicket, error)
}

// WorkflowStats is the aggregate served by stats_by_workflow.
type WorkflowStats struct {
	TotalExecutions int64   `json:"total_executions"`
	SuccessCount    int64   `json:"success_count"`
	FailureCount    int64   `json:"failure_count"`
	AvgDurationMs   int64   `json:"avg_duration_ms"`
	SuccessRate     float64 `json:"success_rate"`
}

// StatsStore aggregates execution history.
type StatsStore interface {
	StatsByWorkflow(ctx context.Context, workflowID string) (*WorkflowStats, error)
}

// Store bundles the collection-level stores.
type Store interface {
	Workflows() WorkflowStore
	Executions() ExecutionStore
	Events() EventStore
	Tickets() TicketStore
	Stats() StatsStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
