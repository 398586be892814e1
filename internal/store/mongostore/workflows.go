package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/store"
)

type workflowStore struct {
	coll *mongo.Collection
}

func (s *workflowStore) Create(ctx context.Context, w *model.Workflow) error {
	w.CreatedAt = nowUTC()
	w.UpdatedAt = w.CreatedAt
	if _, err := s.coll.InsertOne(ctx, w); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrVersionConflict
		}
		return classify(err)
	}
	return nil
}

func (s *workflowStore) Get(ctx context.Context, id string) (*model.Workflow, error) {
	var w model.Workflow
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&w)
	if err != nil {
		return nil, classify(err)
	}
	return &w, nil
}

// UpdateIfVersion replaces the document only when the stored version still
// matches; the workflow invariant (version bump on save) is the caller's
// responsibility.
func (s *workflowStore) UpdateIfVersion(ctx context.Context, w *model.Workflow, expectedVersion int) error {
	w.UpdatedAt = nowUTC()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": w.ID, "version": expectedVersion}, w)
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		// Distinguish a missing workflow from a stale version.
		count, countErr := s.coll.CountDocuments(ctx, bson.M{"_id": w.ID})
		if countErr != nil {
			return classify(countErr)
		}
		if count == 0 {
			return store.ErrNotFound
		}
		return store.ErrVersionConflict
	}
	return nil
}

func (s *workflowStore) ListByPermission(ctx context.Context, principal string, opts store.ListOptions) ([]*model.Workflow, int64, error) {
	filter := bson.M{
		"$or": bson.A{
			bson.M{"permissions.owners": principal},
			bson.M{"permissions.editors": principal},
			bson.M{"permissions.viewers": principal},
		},
	}
	if opts.Status != "" {
		filter["status"] = opts.Status
	}
	if opts.Category != "" {
		filter["metadata.category"] = opts.Category
	}
	if opts.Search != "" {
		filter["$text"] = bson.M{"$search": opts.Search}
	}

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, classify(err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))

	cursor, err := s.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, 0, classify(err)
	}
	defer cursor.Close(ctx)

	var workflows []*model.Workflow
	if err := cursor.All(ctx, &workflows); err != nil {
		return nil, 0, classify(err)
	}
	return workflows, total, nil
}

func (s *workflowStore) Archive(ctx context.Context, id string) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"status": model.WorkflowStatusArchived, "updated_at": nowUTC()},
	})
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
