package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowcore-ai/flowcore/internal/engine"
	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/node"
	"github.com/flowcore-ai/flowcore/internal/platform/config"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
	"github.com/flowcore-ai/flowcore/internal/store"
)

// Decision actions accepted by Respond.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// Respond failures callers map to HTTP statuses.
var (
	ErrAlreadyDecided  = errors.New("a decision was already recorded for this task")
	ErrTicketNotFound  = errors.New("no open approval ticket for this task")
	ErrTokenSuperseded = errors.New("this approval link has been superseded")
	ErrWrongResponder  = errors.New("this approval is assigned to someone else")
)

// Outcome summarizes a recorded decision for the confirmation page.
type Outcome struct {
	Action      string
	ExecutionID string
	NodeID      string
	Assignee    string
}

// Manager issues approval tickets when executions suspend, applies
// decisions, and sweeps expired deadlines.
type Manager struct {
	store  store.Store
	engine *engine.Engine
	cfg    config.ApprovalConfig
	log    logger.Logger
	cron   *cron.Cron
}

// NewManager creates the manager and registers it as the engine's suspend
// handler.
func NewManager(st store.Store, eng *engine.Engine, cfg config.ApprovalConfig, log logger.Logger) *Manager {
	m := &Manager{store: st, engine: eng, cfg: cfg, log: log, cron: cron.New()}
	eng.SetSuspendHandler(m.handleSuspend)
	return m
}

// Start begins the deadline sweep.
func (m *Manager) Start() error {
	if _, err := m.cron.AddFunc("@every 1m", m.sweepDeadlines); err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts the sweep.
func (m *Manager) Stop() {
	<-m.cron.Stop().Done()
}

// handleSuspend issues a ticket for the suspended node and announces it.
func (m *Manager) handleSuspend(ctx context.Context, exec *model.Execution, n *model.Node, suspend *node.SuspendError) {
	timeout := suspend.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	if err := m.issueTicket(ctx, exec.ID, n.ID, suspend.Assignee, timeout, suspend.Message, false); err != nil {
		m.log.Error("failed to issue approval ticket",
			"execution_id", exec.ID, "node_id", n.ID, "error", err)
	}
}

func (m *Manager) issueTicket(ctx context.Context, executionID, nodeID, assignee string, timeout time.Duration, message string, escalated bool) error {
	now := time.Now().UTC()
	deadline := now.Add(timeout)
	token, err := signToken(m.cfg.HMACSecret, executionID, nodeID, assignee, now, deadline)
	if err != nil {
		return err
	}
	ticket := &model.ApprovalTicket{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Assignee:    assignee,
		IssuedAt:    now,
		Deadline:    deadline,
		Token:       token,
	}
	if err := m.store.Tickets().Put(ctx, ticket); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"assignee":    assignee,
		"deadline":    deadline.Format(time.RFC3339),
		"approve_url": m.respondURL(token, ActionApprove),
		"reject_url":  m.respondURL(token, ActionReject),
	}
	if message != "" {
		payload["message"] = message
	}
	if escalated {
		payload["escalated"] = true
	}
	m.engine.Emit(ctx, model.NewEvent(model.EventHumanApprovalRequested, executionID, nodeID, payload))
	return nil
}

func (m *Manager) respondURL(token, action string) string {
	return fmt.Sprintf("%s/approvals/respond?token=%s&action=%s", m.cfg.PublicBaseURL, token, action)
}

// Respond applies a decision carried by the token. The first valid
// decision wins; everything after is ErrAlreadyDecided.
func (m *Manager) Respond(ctx context.Context, token, action, responder string, payload map[string]interface{}) (*Outcome, error) {
	if action != ActionApprove && action != ActionReject {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	claims, err := verifyToken(m.cfg.HMACSecret, token)
	if err != nil {
		return nil, err
	}

	ticket, err := m.store.Tickets().Get(ctx, claims.ExecutionID, claims.NodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	// An escalation reissues the ticket with a fresh token; links minted
	// for the previous assignee stop working.
	if ticket.Token != token {
		return nil, ErrTokenSuperseded
	}
	if m.cfg.RequireAssignee && responder != "" && responder != ticket.Assignee {
		return nil, ErrWrongResponder
	}

	if err := m.store.Tickets().Consume(ctx, claims.ExecutionID, claims.NodeID); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, ErrAlreadyDecided
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}

	outcome := &Outcome{
		Action:      action,
		ExecutionID: claims.ExecutionID,
		NodeID:      claims.NodeID,
		Assignee:    ticket.Assignee,
	}

	if action == ActionApprove {
		m.engine.Emit(ctx, model.NewEvent(model.EventHumanApproved, claims.ExecutionID, claims.NodeID, map[string]interface{}{
			"assignee": ticket.Assignee,
		}))
		output := map[string]interface{}{"approved": true, "assignee": ticket.Assignee}
		for k, v := range payload {
			output[k] = v
		}
		if err := m.engine.CompleteHumanTask(ctx, claims.ExecutionID, claims.NodeID, output); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	m.engine.Emit(ctx, model.NewEvent(model.EventHumanRejected, claims.ExecutionID, claims.NodeID, map[string]interface{}{
		"assignee": ticket.Assignee,
	}))
	if err := m.engine.FailHumanTask(ctx, claims.ExecutionID, claims.NodeID, "rejected"); err != nil {
		return nil, err
	}
	return outcome, nil
}

// RespondFor applies a decision only when the token was minted for the
// given execution. A token leaked from one execution cannot act on
// another just because the caller rewrites the path.
func (m *Manager) RespondFor(ctx context.Context, executionID, token, action, responder string, payload map[string]interface{}) (*Outcome, error) {
	claims, err := verifyToken(m.cfg.HMACSecret, token)
	if err != nil {
		return nil, err
	}
	if claims.ExecutionID != executionID {
		return nil, ErrTokenInvalid
	}
	return m.Respond(ctx, token, action, responder, payload)
}

// sweepDeadlines resolves tickets whose deadline has passed, applying the
// node's configured fallback.
func (m *Manager) sweepDeadlines() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := m.store.Tickets().ListOpen(ctx, time.Now().UTC())
	if err != nil {
		m.log.Error("deadline sweep failed to list tickets", "error", err)
		return
	}

	for _, ticket := range expired {
		if err := m.expireTicket(ctx, ticket); err != nil {
			m.log.Error("failed to expire approval ticket",
				"execution_id", ticket.ExecutionID, "node_id", ticket.NodeID, "error", err)
		}
	}
}

func (m *Manager) expireTicket(ctx context.Context, ticket *model.ApprovalTicket) error {
	fallback, escalateTo, timeout := m.fallbackFor(ctx, ticket)

	if err := m.store.Tickets().Consume(ctx, ticket.ExecutionID, ticket.NodeID); err != nil {
		// A decision raced the sweep; the decision wins.
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	m.engine.Emit(ctx, model.NewEvent(model.EventApprovalTimeout, ticket.ExecutionID, ticket.NodeID, map[string]interface{}{
		"assignee": ticket.Assignee,
		"fallback": fallback,
	}))

	switch fallback {
	case node.FallbackAutoApprove:
		return m.engine.CompleteHumanTask(ctx, ticket.ExecutionID, ticket.NodeID, map[string]interface{}{
			"approved":      true,
			"auto_approved": true,
		})
	case node.FallbackCancel:
		return m.engine.Cancel(ctx, ticket.ExecutionID)
	default:
		// Escalation reissues the ticket to the escalation assignee with a
		// fresh deadline.
		return m.issueTicket(ctx, ticket.ExecutionID, ticket.NodeID, escalateTo, timeout, "", true)
	}
}

// fallbackFor reads the node config behind an expired ticket. Missing
// config degrades to escalating back to the original assignee.
func (m *Manager) fallbackFor(ctx context.Context, ticket *model.ApprovalTicket) (fallback, escalateTo string, timeout time.Duration) {
	fallback = node.FallbackEscalate
	escalateTo = ticket.Assignee
	timeout = m.cfg.DefaultTimeout

	exec, err := m.store.Executions().Get(ctx, ticket.ExecutionID)
	if err != nil {
		return fallback, escalateTo, timeout
	}
	w, err := m.store.Workflows().Get(ctx, exec.WorkflowID)
	if err != nil {
		return fallback, escalateTo, timeout
	}
	n := w.NodeByID(ticket.NodeID)
	if n == nil {
		return fallback, escalateTo, timeout
	}

	if v, ok := n.Config["on_timeout"].(string); ok && v != "" {
		fallback = v
	}
	if v, ok := n.Config["escalate_to"].(string); ok && v != "" {
		escalateTo = v
	}
	if ms, ok := n.Config["timeout_ms"].(float64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	return fallback, escalateTo, timeout
}
