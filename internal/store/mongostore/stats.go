package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/flowcore-ai/flowcore/internal/model"
	"github.com/flowcore-ai/flowcore/internal/store"
)

type statsStore struct {
	coll *mongo.Collection
}

// StatsByWorkflow aggregates terminal executions of a workflow.
func (s *statsStore) StatsByWorkflow(ctx context.Context, workflowID string) (*store.WorkflowStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"workflow_id": workflowID}}},
		{{Key: "$project", Value: bson.M{
			"status": 1,
			"duration_ms": bson.M{"$cond": bson.A{
				bson.M{"$ifNull": bson.A{"$completed_at", false}},
				bson.M{"$subtract": bson.A{"$completed_at", "$started_at"}},
				0,
			}},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":   nil,
			"total": bson.M{"$sum": 1},
			"success": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$status", string(model.ExecutionStatusCompleted)}}, 1, 0,
			}}},
			"failure": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$status", string(model.ExecutionStatusFailed)}}, 1, 0,
			}}},
			"avg_duration": bson.M{"$avg": "$duration_ms"},
		}}},
	}

	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, classify(err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Total       int64   `bson:"total"`
		Success     int64   `bson:"success"`
		Failure     int64   `bson:"failure"`
		AvgDuration float64 `bson:"avg_duration"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, classify(err)
	}

	stats := &store.WorkflowStats{}
	if len(rows) > 0 {
		row := rows[0]
		stats.TotalExecutions = row.Total
		stats.SuccessCount = row.Success
		stats.FailureCount = row.Failure
		stats.AvgDurationMs = int64(row.AvgDuration)
		if row.Total > 0 {
			stats.SuccessRate = float64(row.Success) / float64(row.Total)
		}
	}
	return stats, nil
}
