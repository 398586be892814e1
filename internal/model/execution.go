package model

import (
	"fmt"
	"time"
)

// ExecutionStatus is the lifecycle status of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo enforces the execution state machine:
// pending → running; running ↔ paused; running → completed|failed;
// any non-terminal → cancelled.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case ExecutionStatusCancelled:
		return true
	case ExecutionStatusRunning:
		return s == ExecutionStatusPending || s == ExecutionStatusPaused
	case ExecutionStatusPaused:
		return s == ExecutionStatusRunning
	case ExecutionStatusCompleted, ExecutionStatusFailed:
		return s == ExecutionStatusRunning
	}
	return false
}

// NodeHistoryStatus is the outcome recorded for a node run.
type NodeHistoryStatus string

const (
	NodeHistorySuccess NodeHistoryStatus = "success"
	NodeHistoryFailed  NodeHistoryStatus = "failed"
	NodeHistorySkipped NodeHistoryStatus = "skipped"
)

// NodeMetrics captures per-node resource accounting.
type NodeMetrics struct {
	DurationMs   int64   `json:"duration_ms" bson:"duration_ms"`
	AITokensUsed int     `json:"ai_tokens_used,omitempty" bson:"ai_tokens_used,omitempty"`
	AICost       float64 `json:"ai_cost,omitempty" bson:"ai_cost,omitempty"`
	MemoryPeak   uint64  `json:"memory_peak,omitempty" bson:"memory_peak,omitempty"`
}

// NodeHistoryEntry records one node run inside an execution.
type NodeHistoryEntry struct {
	NodeID    string                 `json:"node_id" bson:"node_id"`
	StartedAt time.Time              `json:"started_at" bson:"started_at"`
	EndedAt   *time.Time             `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	Status    NodeHistoryStatus      `json:"status" bson:"status"`
	Output    map[string]interface{} `json:"output,omitempty" bson:"output,omitempty"`
	Error     string                 `json:"error,omitempty" bson:"error,omitempty"`
	Metrics   NodeMetrics            `json:"metrics" bson:"metrics"`
}

// VariablesKeyInput is the well-known variables key for the trigger payload.
const VariablesKeyInput = "input"

// Execution is one traversal of a workflow snapshot.
type Execution struct {
	ID              string                 `json:"id" bson:"_id"`
	WorkflowID      string                 `json:"workflow_id" bson:"workflow_id"`
	WorkflowVersion int                    `json:"workflow_version" bson:"workflow_version"`
	Status          ExecutionStatus        `json:"status" bson:"status"`
	CurrentNodeID   string                 `json:"current_node_id,omitempty" bson:"current_node_id,omitempty"`
	Variables       map[string]interface{} `json:"variables" bson:"variables"`
	StartedAt       time.Time              `json:"started_at" bson:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	Error           string                 `json:"error,omitempty" bson:"error,omitempty"`
	NodeHistory     []NodeHistoryEntry     `json:"node_history" bson:"node_history"`

	// WakeAt is set while the execution sleeps on a timer node. The engine
	// resumes the node once the deadline passes.
	WakeAt *time.Time `json:"wake_at,omitempty" bson:"wake_at,omitempty"`

	// Traversal bookkeeping for join semantics, persisted so a resumed or
	// recovered execution knows its frontier.
	InFlight  []string `json:"in_flight,omitempty" bson:"in_flight,omitempty"`
	Completed []string `json:"completed,omitempty" bson:"completed,omitempty"`
	Skipped   []string `json:"skipped,omitempty" bson:"skipped,omitempty"`
}

// NodeCompleted reports whether nodeID finished successfully.
func (e *Execution) NodeCompleted(nodeID string) bool {
	return contains(e.Completed, nodeID)
}

// NodeSkipped reports whether nodeID was skipped.
func (e *Execution) NodeSkipped(nodeID string) bool {
	return contains(e.Skipped, nodeID)
}

// NodeInFlight reports whether nodeID is currently scheduled or running.
func (e *Execution) NodeInFlight(nodeID string) bool {
	return contains(e.InFlight, nodeID)
}

// Transition validates and applies a status change.
func (e *Execution) Transition(next ExecutionStatus) error {
	if !e.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid execution transition %s -> %s", e.Status, next)
	}
	e.Status = next
	if next.Terminal() {
		now := time.Now().UTC()
		e.CompletedAt = &now
	}
	return nil
}

// Progress is the derived progress view served by the polling API.
type Progress struct {
	TotalNodes     int    `json:"total_nodes"`
	CompletedNodes int    `json:"completed_nodes"`
	FailedNodes    int    `json:"failed_nodes"`
	CurrentNodeID  string `json:"current_node_id,omitempty"`
}

// ComputeProgress derives progress from node history and the static node
// count of the workflow version the execution references.
func (e *Execution) ComputeProgress(totalNodes int) Progress {
	p := Progress{TotalNodes: totalNodes, CurrentNodeID: e.CurrentNodeID}
	seen := make(map[string]NodeHistoryStatus)
	for _, h := range e.NodeHistory {
		if h.EndedAt != nil {
			seen[h.NodeID] = h.Status
		}
	}
	for _, status := range seen {
		switch status {
		case NodeHistorySuccess:
			p.CompletedNodes++
		case NodeHistoryFailed:
			p.FailedNodes++
		}
	}
	return p
}
