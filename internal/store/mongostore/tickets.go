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

type ticketStore struct {
	coll *mongo.Collection
}

// Put upserts the ticket for (execution_id, node_id); re-issuing
// (escalation) replaces the previous ticket.
func (s *ticketStore) Put(ctx context.Context, t *model.ApprovalTicket) error {
	filter := bson.M{"execution_id": t.ExecutionID, "node_id": t.NodeID}
	_, err := s.coll.ReplaceOne(ctx, filter, t, options.Replace().SetUpsert(true))
	return classify(err)
}

func (s *ticketStore) Get(ctx context.Context, executionID, nodeID string) (*model.ApprovalTicket, error) {
	var t model.ApprovalTicket
	err := s.coll.FindOne(ctx, bson.M{"execution_id": executionID, "node_id": nodeID}).Decode(&t)
	if err != nil {
		return nil, classify(err)
	}
	return &t, nil
}

// Consume marks an open ticket consumed. The filter on consumed=false makes
// the first matching approve/reject win.
func (s *ticketStore) Consume(ctx context.Context, executionID, nodeID string) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"execution_id": executionID, "node_id": nodeID, "consumed": false},
		bson.M{"$set": bson.M{"consumed": true}},
	)
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		count, countErr := s.coll.CountDocuments(ctx, bson.M{"execution_id": executionID, "node_id": nodeID})
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

func (s *ticketStore) ListOpen(ctx context.Context, deadlineBefore time.Time) ([]*model.ApprovalTicket, error) {
	cursor, err := s.coll.Find(ctx, bson.M{
		"consumed": false,
		"deadline": bson.M{"$lte": deadlineBefore},
	})
	if err != nil {
		return nil, classify(err)
	}
	defer cursor.Close(ctx)

	var tickets []*model.ApprovalTicket
	if err := cursor.All(ctx, &tickets); err != nil {
		return nil, classify(err)
	}
	return tickets, nil
}
