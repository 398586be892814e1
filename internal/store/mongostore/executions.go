package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/store"
)

type executionStore struct {
	coll *mongo.Collection
}

func (s *executionStore) Create(ctx context.Context, e *model.Execution) error {
	if _, err := s.coll.InsertOne(ctx, e); err != nil {
		return classify(err)
	}
	return nil
}

func (s *executionStore) Get(ctx context.Context, id string) (*model.Execution, error) {
	var e model.Execution
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&e); err != nil {
		return nil, classify(err)
	}
	return &e, nil
}

func (s *executionStore) Update(ctx context.Context, e *model.Execution) error {
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": e.ID}, e)
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *executionStore) SetStatus(ctx context.Context, id string, status model.ExecutionStatus, errMsg string, completedAt *time.Time) error {
	set := bson.M{"status": status}
	if errMsg != "" {
		set["error"] = errMsg
	}
	if completedAt != nil {
		set["completed_at"] = *completedAt
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *executionStore) ListByStatus(ctx context.Context, status model.ExecutionStatus, limit int) ([]*model.Execution, error) {
	return s.list(ctx, bson.M{"status": status}, limit)
}

func (s *executionStore) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*model.Execution, error) {
	return s.list(ctx, bson.M{"workflow_id": workflowID}, limit)
}

func (s *executionStore) list(ctx context.Context, filter bson.M, limit int) ([]*model.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify(err)
	}
	defer cursor.Close(ctx)

	var executions []*model.Execution
	if err := cursor.All(ctx, &executions); err != nil {
		return nil, classify(err)
	}
	return executions, nil
}
