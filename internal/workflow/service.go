// Package workflow provides workflow definition management: validation,
// versioned persistence and permission checks.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/platform/cache"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
	"github.com/flowcore-ai/flowcore/internal/store"
)

// ErrPermissionDenied is returned when the principal lacks the required
// permission on the workflow.
var ErrPermissionDenied = errors.New("permission denied")

const cacheTTL = 30 * time.Second

// Service manages workflow definitions.
type Service struct {
	store store.Store
	cache cache.Cache
	log   logger.Logger
}

// NewService creates the service.
func NewService(st store.Store, c cache.Cache, log logger.Logger) *Service {
	return &Service{store: st, cache: c, log: log}
}

// Create validates and persists a new workflow owned by the principal.
// New workflows start as drafts unless explicitly created active.
func (s *Service) Create(ctx context.Context, principal string, w *model.Workflow) (*model.Workflow, error) {
	if w.Status == "" {
		w.Status = model.WorkflowStatusDraft
	}
	if err := Validate(w); err != nil {
		return nil, err
	}

	w.ID = uuid.New().String()
	w.Version = 1
	if len(w.Permissions.Owners) == 0 {
		w.Permissions.Owners = []string{principal}
	}
	w.Metadata.Creator = principal
	w.Metadata.LastEditor = principal

	if err := s.store.Workflows().Create(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Get returns a workflow the principal may view. Reads go through the
// cache; the execution hot path hits this for every node advance poll.
func (s *Service) Get(ctx context.Context, principal, id string) (*model.Workflow, error) {
	w, err := s.getCached(ctx, id)
	if err != nil {
		return nil, err
	}
	if !w.Permissions.CanView(principal) {
		return nil, ErrPermissionDenied
	}
	return w, nil
}

func (s *Service) getCached(ctx context.Context, id string) (*model.Workflow, error) {
	raw, err := s.cache.GetOrCompute(ctx, "workflow:"+id, cacheTTL, func() ([]byte, error) {
		w, err := s.store.Workflows().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(w)
	})
	if err != nil {
		return nil, err
	}
	var w model.Workflow
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("corrupt cached workflow %s: %w", id, err)
	}
	return &w, nil
}

// Update persists changes under optimistic concurrency: the caller's
// expectedVersion must match the stored version, and the saved document
// carries expectedVersion+1.
func (s *Service) Update(ctx context.Context, principal string, w *model.Workflow, expectedVersion int) (*model.Workflow, error) {
	current, err := s.store.Workflows().Get(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	if !current.Permissions.CanEdit(principal) {
		return nil, ErrPermissionDenied
	}
	if err := Validate(w); err != nil {
		return nil, err
	}

	w.Version = expectedVersion + 1
	w.CreatedAt = current.CreatedAt
	w.Metadata.Creator = current.Metadata.Creator
	w.Metadata.LastEditor = principal

	if err := s.store.Workflows().UpdateIfVersion(ctx, w, expectedVersion); err != nil {
		return nil, err
	}
	s.invalidate(ctx, w.ID)
	return w, nil
}

// List returns workflows visible to the principal.
func (s *Service) List(ctx context.Context, principal string, opts store.ListOptions) ([]*model.Workflow, int64, error) {
	return s.store.Workflows().ListByPermission(ctx, principal, opts)
}

// Archive retires a workflow. Only owners may archive.
func (s *Service) Archive(ctx context.Context, principal, id string) error {
	current, err := s.store.Workflows().Get(ctx, id)
	if err != nil {
		return err
	}
	if !contains(current.Permissions.Owners, principal) {
		return ErrPermissionDenied
	}
	if err := s.store.Workflows().Archive(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

// Stats aggregates the execution history of a workflow.
func (s *Service) Stats(ctx context.Context, principal, id string) (*store.WorkflowStats, error) {
	w, err := s.store.Workflows().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !w.Permissions.CanView(principal) {
		return nil, ErrPermissionDenied
	}
	return s.store.Stats().StatsByWorkflow(ctx, id)
}

// CanExecute reports whether the principal may start executions. Editors
// and owners may; viewers may not.
func (s *Service) CanExecute(ctx context.Context, principal, id string) (bool, error) {
	w, err := s.getCached(ctx, id)
	if err != nil {
		return false, err
	}
	return w.Permissions.CanEdit(principal), nil
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if err := s.cache.Delete(ctx, "workflow:"+id); err != nil {
		s.log.Warn("failed to invalidate workflow cache", "workflow_id", id, "error", err)
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
