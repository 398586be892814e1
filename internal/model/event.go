package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates lifecycle events appended to the log and broadcast
// on the bus.
type EventKind string

const (
	EventWorkflowStarted          EventKind = "workflow_started"
	EventWorkflowCompleted        EventKind = "workflow_completed"
	EventWorkflowFailed           EventKind = "workflow_failed"
	EventNodeStarted              EventKind = "node_started"
	EventNodeCompleted            EventKind = "node_completed"
	EventNodeFailed               EventKind = "node_failed"
	EventAIRequest                EventKind = "ai_request"
	EventAIResponse               EventKind = "ai_response"
	EventHumanApprovalRequested   EventKind = "human_approval_requested"
	EventHumanApproved            EventKind = "human_approved"
	EventHumanRejected            EventKind = "human_rejected"
	EventApprovalTimeout          EventKind = "approval_timeout"
)

// Event is an immutable record of a lifecycle transition.
type Event struct {
	ID          string                 `json:"id" bson:"_id"`
	ExecutionID string                 `json:"execution_id" bson:"execution_id"`
	NodeID      string                 `json:"node_id,omitempty" bson:"node_id,omitempty"`
	Kind        EventKind              `json:"kind" bson:"kind"`
	Payload     map[string]interface{} `json:"payload,omitempty" bson:"payload,omitempty"`
	Timestamp   time.Time              `json:"timestamp" bson:"timestamp"`
	Sequence    int64                  `json:"sequence" bson:"sequence"`
}

// NewEvent constructs an event with id and timestamp set.
func NewEvent(kind EventKind, executionID, nodeID string, payload map[string]interface{}) *Event {
	return &Event{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		NodeID:      nodeID,
		Kind:        kind,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

// ApprovalTicket is a signed, time-bounded permission to act on one
// suspended human task. At most one open ticket exists per
// (execution_id, node_id).
type ApprovalTicket struct {
	ExecutionID string    `json:"execution_id" bson:"execution_id"`
	NodeID      string    `json:"node_id" bson:"node_id"`
	Assignee    string    `json:"assignee" bson:"assignee"`
	IssuedAt    time.Time `json:"issued_at" bson:"issued_at"`
	Deadline    time.Time `json:"deadline" bson:"deadline"`
	Token       string    `json:"token" bson:"token"`
	Consumed    bool      `json:"consumed" bson:"consumed"`
}
