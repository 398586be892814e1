package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowcore-ai/flowcore/internal/model"
)

type eventStore struct {
	coll     *mongo.Collection
	counters *mongo.Collection
}

// Append assigns the next per-execution sequence via an atomic counter
// increment, keeping the log totally ordered per execution with arrival
// order breaking timestamp ties.
func (s *eventStore) Append(ctx context.Context, e *model.Event) error {
	seq, err := s.nextSequence(ctx, e.ExecutionID)
	if err != nil {
		return err
	}
	e.Sequence = seq

	if _, err := s.coll.InsertOne(ctx, e); err != nil {
		return classify(err)
	}
	return nil
}

func (s *eventStore) nextSequence(ctx context.Context, executionID string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": executionID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, classify(err)
	}
	return counter.Seq, nil
}

func (s *eventStore) ListByExecution(ctx context.Context, executionID string) ([]*model.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.M{"execution_id": executionID}, opts)
	if err != nil {
		return nil, classify(err)
	}
	defer cursor.Close(ctx)

	var events []*model.Event
	if err := cursor.All(ctx, &events); err != nil {
		return nil, classify(err)
	}
	return events, nil
}
