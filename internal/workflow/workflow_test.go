package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/platform/cache"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
	"github.com/flowcore-ai/flowcore/internal/store"
	"github.com/flowcore-ai/flowcore/internal/store/memstore"
)

func validWorkflow() *model.Workflow {
	return &model.Workflow{
		Name: "order pipeline",
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeKindTrigger},
			{ID: "check", Kind: model.NodeKindCondition, Config: map[string]interface{}{
				"expression": "{{input.amount}} > 0",
			}},
			{ID: "out", Kind: model.NodeKindDataOutput},
		},
		Edges: []model.Edge{
			{ID: "e1", Source: "start", Target: "check"},
			{ID: "e2", Source: "check", Target: "out"},
		},
	}
}

func TestValidateAcceptsWellFormedWorkflow(t *testing.T) {
	assert.NoError(t, Validate(validWorkflow()))
}

func TestValidateStructuralRules(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(w *model.Workflow)
		problem string
	}{
		{"missing name", func(w *model.Workflow) { w.Name = " " }, "name is required"},
		{"no nodes", func(w *model.Workflow) { w.Nodes = nil; w.Edges = nil }, "at least one node"},
		{"duplicate node id", func(w *model.Workflow) {
			w.Nodes = append(w.Nodes, model.Node{ID: "start", Kind: model.NodeKindDataOutput})
		}, "duplicate node id"},
		{"unknown kind", func(w *model.Workflow) {
			w.Nodes[2].Kind = "teleport"
		}, "unknown kind"},
		{"edge to missing node", func(w *model.Workflow) {
			w.Edges = append(w.Edges, model.Edge{ID: "e3", Source: "out", Target: "ghost"})
		}, "unknown target"},
		{"self loop", func(w *model.Workflow) {
			w.Edges = append(w.Edges, model.Edge{ID: "e3", Source: "out", Target: "out"})
		}, "self loop"},
		{"two entry nodes", func(w *model.Workflow) {
			w.Nodes = append(w.Nodes, model.Node{ID: "start2", Kind: model.NodeKindTrigger})
		}, "at most one trigger or timer entry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := validWorkflow()
			tt.mutate(w)
			err := Validate(w)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func TestValidateNodeConfigRules(t *testing.T) {
	tests := []struct {
		name    string
		node    model.Node
		problem string
	}{
		{"ai without prompt", model.Node{ID: "n", Kind: model.NodeKindAIProcessor}, "prompt"},
		{"http without url", model.Node{ID: "n", Kind: model.NodeKindHTTPAction}, "url"},
		{"condition without expression", model.Node{ID: "n", Kind: model.NodeKindCondition}, "expression"},
		{"human task without assignee", model.Node{ID: "n", Kind: model.NodeKindHumanTask}, "assignee"},
		{"human task bad fallback", model.Node{ID: "n", Kind: model.NodeKindHumanTask, Config: map[string]interface{}{
			"assignee":   "alice",
			"on_timeout": "shrug",
		}}, "on_timeout"},
		{"transform unknown operation", model.Node{ID: "n", Kind: model.NodeKindTransform, Config: map[string]interface{}{
			"operation": "reverse",
		}}, "operation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := validWorkflow()
			w.Nodes = append(w.Nodes, tt.node)
			err := Validate(w)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func newService() (*Service, *memstore.Store) {
	st := memstore.New()
	return NewService(st, cache.NewMemoryCache(), logger.NewNop()), st
}

func TestCreateDefaultsAndOwnership(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	created, err := svc.Create(ctx, "alice", validWorkflow())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.WorkflowStatusDraft, created.Status)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, []string{"alice"}, created.Permissions.Owners)
	assert.Equal(t, "alice", created.Metadata.Creator)

	_, err = svc.Create(ctx, "alice", &model.Workflow{Name: ""})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestGetEnforcesViewPermission(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	w := validWorkflow()
	w.Permissions = model.Permissions{Owners: []string{"alice"}, Viewers: []string{"bob"}}
	created, err := svc.Create(ctx, "alice", w)
	require.NoError(t, err)

	for _, principal := range []string{"alice", "bob"} {
		got, err := svc.Get(ctx, principal, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
	}

	_, err = svc.Get(ctx, "mallory", created.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = svc.Get(ctx, "alice", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateBumpsVersionAndChecksConcurrency(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	created, err := svc.Create(ctx, "alice", validWorkflow())
	require.NoError(t, err)

	updated := validWorkflow()
	updated.ID = created.ID
	updated.Name = "order pipeline v2"
	updated.Permissions = created.Permissions

	saved, err := svc.Update(ctx, "alice", updated, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Version)
	assert.Equal(t, "alice", saved.Metadata.LastEditor)

	// A writer holding the stale version loses.
	stale := validWorkflow()
	stale.ID = created.ID
	stale.Permissions = created.Permissions
	_, err = svc.Update(ctx, "alice", stale, 1)
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	_, err = svc.Update(ctx, "mallory", updated, 2)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestUpdateInvalidatesCache(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	created, err := svc.Create(ctx, "alice", validWorkflow())
	require.NoError(t, err)

	// Prime the cache, then update and read back the new name.
	_, err = svc.Get(ctx, "alice", created.ID)
	require.NoError(t, err)

	updated := validWorkflow()
	updated.ID = created.ID
	updated.Name = "renamed"
	updated.Permissions = created.Permissions
	_, err = svc.Update(ctx, "alice", updated, 1)
	require.NoError(t, err)

	got, err := svc.Get(ctx, "alice", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
}

func TestArchiveOwnersOnly(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()

	w := validWorkflow()
	w.Permissions = model.Permissions{Owners: []string{"alice"}, Editors: []string{"bob"}}
	created, err := svc.Create(ctx, "alice", w)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Archive(ctx, "bob", created.ID), ErrPermissionDenied)
	require.NoError(t, svc.Archive(ctx, "alice", created.ID))

	stored, err := st.Workflows().Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusArchived, stored.Status)
}

func TestCanExecute(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	w := validWorkflow()
	w.Permissions = model.Permissions{Owners: []string{"alice"}, Editors: []string{"bob"}, Viewers: []string{"carol"}}
	created, err := svc.Create(ctx, "alice", w)
	require.NoError(t, err)

	for principal, want := range map[string]bool{"alice": true, "bob": true, "carol": false} {
		ok, err := svc.CanExecute(ctx, principal, created.ID)
		require.NoError(t, err)
		assert.Equal(t, want, ok, principal)
	}
}
