// Package memstore implements the store interfaces in memory. It backs
// unit tests and single-process development runs.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/store"
)

// Store is an in-memory store.
type Store struct {
	mu         sync.RWMutex
	workflows  map[string]*model.Workflow
	executions map[string]*model.Execution
	events     map[string][]*model.Event
	tickets    map[string]*model.ApprovalTicket
	sequences  map[string]int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		workflows:  make(map[string]*model.Workflow),
		executions: make(map[string]*model.Execution),
		events:     make(map[string][]*model.Event),
		tickets:    make(map[string]*model.ApprovalTicket),
		sequences:  make(map[string]int64),
	}
}

func (s *Store) Workflows() store.WorkflowStore   { return (*workflowStore)(s) }
func (s *Store) Executions() store.ExecutionStore { return (*executionStore)(s) }
func (s *Store) Events() store.EventStore         { return (*eventStore)(s) }
func (s *Store) Tickets() store.TicketStore       { return (*ticketStore)(s) }
func (s *Store) Stats() store.StatsStore          { return (*statsStore)(s) }

func (s *Store) Ping(ctx context.Context) error  { return nil }
func (s *Store) Close(ctx context.Context) error { return nil }

func ticketKey(executionID, nodeID string) string {
	return executionID + "/" + nodeID
}

type workflowStore Store

func (s *workflowStore) Create(ctx context.Context, w *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *w
	clone.CreatedAt = time.Now().UTC()
	clone.UpdatedAt = clone.CreatedAt
	s.workflows[w.ID] = &clone
	w.CreatedAt = clone.CreatedAt
	w.UpdatedAt = clone.UpdatedAt
	return nil
}

func (s *workflowStore) Get(ctx context.Context, id string) (*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *w
	return &clone, nil
}

func (s *workflowStore) UpdateIfVersion(ctx context.Context, w *model.Workflow, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.workflows[w.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	clone := *w
	clone.UpdatedAt = time.Now().UTC()
	s.workflows[w.ID] = &clone
	w.UpdatedAt = clone.UpdatedAt
	return nil
}

func (s *workflowStore) ListByPermission(ctx context.Context, principal string, opts store.ListOptions) ([]*model.Workflow, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*model.Workflow
	for _, w := range s.workflows {
		if !w.Permissions.CanView(principal) {
			continue
		}
		if opts.Status != "" && w.Status != opts.Status {
			continue
		}
		if opts.Category != "" && w.Metadata.Category != opts.Category {
			continue
		}
		if opts.Search != "" {
			needle := strings.ToLower(opts.Search)
			if !strings.Contains(strings.ToLower(w.Name), needle) &&
				!strings.Contains(strings.ToLower(w.Description), needle) {
				continue
			}
		}
		clone := *w
		matched = append(matched, &clone)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	total := int64(len(matched))
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *workflowStore) Archive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return store.ErrNotFound
	}
	w.Status = model.WorkflowStatusArchived
	w.UpdatedAt = time.Now().UTC()
	return nil
}

type executionStore Store

func (s *executionStore) Create(ctx context.Context, e *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *e
	s.executions[e.ID] = &clone
	return nil
}

func (s *executionStore) Get(ctx context.Context, id string) (*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *e
	return &clone, nil
}

func (s *executionStore) Update(ctx context.Context, e *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return store.ErrNotFound
	}
	clone := *e
	s.executions[e.ID] = &clone
	return nil
}

func (s *executionStore) SetStatus(ctx context.Context, id string, status model.ExecutionStatus, errMsg string, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = status
	if errMsg != "" {
		e.Error = errMsg
	}
	if completedAt != nil {
		e.CompletedAt = completedAt
	}
	return nil
}

func (s *executionStore) ListByStatus(ctx context.Context, status model.ExecutionStatus, limit int) ([]*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Execution
	for _, e := range s.executions {
		if e.Status == status {
			clone := *e
			out = append(out, &clone)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *executionStore) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Execution
	for _, e := range s.executions {
		if e.WorkflowID == workflowID {
			clone := *e
			out = append(out, &clone)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

type eventStore Store

func (s *eventStore) Append(ctx context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[e.ExecutionID]++
	e.Sequence = s.sequences[e.ExecutionID]
	clone := *e
	s.events[e.ExecutionID] = append(s.events[e.ExecutionID], &clone)
	return nil
}

func (s *eventStore) ListByExecution(ctx context.Context, executionID string) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[executionID]
	out := make([]*model.Event, len(events))
	for i, e := range events {
		clone := *e
		out[i] = &clone
	}
	return out, nil
}

type ticketStore Store

func (s *ticketStore) Put(ctx context.Context, t *model.ApprovalTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *t
	s.tickets[ticketKey(t.ExecutionID, t.NodeID)] = &clone
	return nil
}

func (s *ticketStore) Get(ctx context.Context, executionID, nodeID string) (*model.ApprovalTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[ticketKey(executionID, nodeID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *ticketStore) Consume(ctx context.Context, executionID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketKey(executionID, nodeID)]
	if !ok {
		return store.ErrNotFound
	}
	if t.Consumed {
		return store.ErrVersionConflict
	}
	t.Consumed = true
	return nil
}

func (s *ticketStore) ListOpen(ctx context.Context, deadlineBefore time.Time) ([]*model.ApprovalTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.ApprovalTicket
	for _, t := range s.tickets {
		if !t.Consumed && !t.Deadline.After(deadlineBefore) {
			clone := *t
			out = append(out, &clone)
		}
	}
	return out, nil
}

type statsStore Store

func (s *statsStore) StatsByWorkflow(ctx context.Context, workflowID string) (*store.WorkflowStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &store.WorkflowStats{}
	var totalDuration int64
	var durationCount int64
	for _, e := range s.executions {
		if e.WorkflowID != workflowID {
			continue
		}
		stats.TotalExecutions++
		switch e.Status {
		case model.ExecutionStatusCompleted:
			stats.SuccessCount++
		case model.ExecutionStatusFailed:
			stats.FailureCount++
		}
		if e.CompletedAt != nil {
			totalDuration += e.CompletedAt.Sub(e.StartedAt).Milliseconds()
			durationCount++
		}
	}
	if durationCount > 0 {
		stats.AvgDurationMs = totalDuration / durationCount
	}
	if stats.TotalExecutions > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalExecutions)
	}
	return stats, nil
}
