// Package model defines the persistent entities of the orchestration core:
// workflows, executions, the event log and approval tickets.
package model

import (
	"time"
)

// WorkflowStatus is the lifecycle status of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// NodeKind identifies the executor responsible for a node.
type NodeKind string

const (
	NodeKindTrigger     NodeKind = "trigger"
	NodeKindTimer       NodeKind = "timer"
	NodeKindAIProcessor NodeKind = "ai_processor"
	NodeKindHTTPAction  NodeKind = "http_action"
	NodeKindCondition   NodeKind = "condition"
	NodeKindDecision    NodeKind = "decision"
	NodeKindHumanTask   NodeKind = "human_task"
	NodeKindTransform   NodeKind = "transform"
	NodeKindDataInput   NodeKind = "data_input"
	NodeKindDataOutput  NodeKind = "data_output"
)

// Node is a unit of work inside a workflow graph. Config is kind-specific
// and validated at save time; Position is opaque to the engine.
type Node struct {
	ID       string                 `json:"id" bson:"id"`
	Kind     NodeKind               `json:"kind" bson:"kind"`
	Name     string                 `json:"name,omitempty" bson:"name,omitempty"`
	Config   map[string]interface{} `json:"config" bson:"config"`
	Position Position               `json:"position" bson:"position"`
}

// Position is UI placement data, carried but never interpreted.
type Position struct {
	X float64 `json:"x" bson:"x"`
	Y float64 `json:"y" bson:"y"`
}

// EdgeType distinguishes normal flow edges from error reroutes.
type EdgeType string

const (
	EdgeTypeDefault EdgeType = ""
	EdgeTypeError   EdgeType = "error"
)

// Edge is a directed link between two nodes, optionally gated by a
// condition expression evaluated against the execution variables.
type Edge struct {
	ID          string   `json:"id" bson:"id"`
	Source      string   `json:"source" bson:"source"`
	Target      string   `json:"target" bson:"target"`
	Condition   string   `json:"condition,omitempty" bson:"condition,omitempty"`
	Priority    int      `json:"priority" bson:"priority"`
	RetryOnFail bool     `json:"retry_on_fail" bson:"retry_on_fail"`
	Type        EdgeType `json:"type,omitempty" bson:"type,omitempty"`
}

// Permissions lists principals allowed to own, edit or view a workflow.
type Permissions struct {
	Owners  []string `json:"owners" bson:"owners"`
	Editors []string `json:"editors" bson:"editors"`
	Viewers []string `json:"viewers" bson:"viewers"`
}

// CanView reports whether the principal appears in any permission list.
func (p Permissions) CanView(principal string) bool {
	return contains(p.Owners, principal) || contains(p.Editors, principal) || contains(p.Viewers, principal)
}

// CanEdit reports whether the principal may modify the workflow.
func (p Permissions) CanEdit(principal string) bool {
	return contains(p.Owners, principal) || contains(p.Editors, principal)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Settings holds per-workflow execution tuning.
type Settings struct {
	TimeoutMs       int64 `json:"timeout_ms" bson:"timeout_ms"`
	MaxRetries      int   `json:"max_retries" bson:"max_retries"`
	Concurrency     int   `json:"concurrency" bson:"concurrency"`
	NotifyOnFailure bool  `json:"notify_on_failure" bson:"notify_on_failure"`
	NotifyOnSuccess bool  `json:"notify_on_success" bson:"notify_on_success"`
}

// Metadata carries authoring info.
type Metadata struct {
	Creator    string   `json:"creator" bson:"creator"`
	LastEditor string   `json:"last_editor" bson:"last_editor"`
	Category   string   `json:"category,omitempty" bson:"category,omitempty"`
	Tags       []string `json:"tags,omitempty" bson:"tags,omitempty"`
}

// Workflow is a versioned directed graph of nodes and edges. Version
// increases monotonically on every save while the workflow is active.
type Workflow struct {
	ID          string         `json:"id" bson:"_id"`
	Name        string         `json:"name" bson:"name"`
	Description string         `json:"description" bson:"description"`
	Status      WorkflowStatus `json:"status" bson:"status"`
	Version     int            `json:"version" bson:"version"`
	Nodes       []Node         `json:"nodes" bson:"nodes"`
	Edges       []Edge         `json:"edges" bson:"edges"`
	Permissions Permissions    `json:"permissions" bson:"permissions"`
	Settings    Settings       `json:"settings" bson:"settings"`
	Metadata    Metadata       `json:"metadata" bson:"metadata"`
	CreatedAt   time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" bson:"updated_at"`
}

// EntryNode returns the node execution starts from: the first trigger or
// timer node, else the first node in declaration order.
func (w *Workflow) EntryNode() *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Kind == NodeKindTrigger || w.Nodes[i].Kind == NodeKindTimer {
			return &w.Nodes[i]
		}
	}
	if len(w.Nodes) > 0 {
		return &w.Nodes[0]
	}
	return nil
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// OutgoingEdges returns edges whose source is the given node, ordered by
// priority (ascending, default 1).
func (w *Workflow) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority < out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// IncomingEdges returns edges whose target is the given node.
func (w *Workflow) IncomingEdges(nodeID string) []Edge {
	var in []Edge
	for _, e := range w.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// ErrorEdges returns outgoing error edges for a node.
func (w *Workflow) ErrorEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.Source == nodeID && e.Type == EdgeTypeError {
			out = append(out, e)
		}
	}
	return out
}
