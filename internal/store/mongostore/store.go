// Package mongostore implements the store interfaces on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowcore-ai/flowcore/internal/store"
)

const (
	collWorkflows  = "workflows"
	collExecutions = "executions"
	collEvents     = "event_log"
	collTickets    = "approval_tickets"
	collCounters   = "event_counters"
)

// Store is the Mongo-backed store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	workflows  *workflowStore
	executions *executionStore
	events     *eventStore
	tickets    *ticketStore
	stats      *statsStore
}

// New connects to Mongo and ensures indexes.
func New(ctx context.Context, url, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &Store{client: client, db: db}
	s.workflows = &workflowStore{coll: db.Collection(collWorkflows)}
	s.executions = &executionStore{coll: db.Collection(collExecutions)}
	s.events = &eventStore{coll: db.Collection(collEvents), counters: db.Collection(collCounters)}
	s.tickets = &ticketStore{coll: db.Collection(collTickets)}
	s.stats = &statsStore{coll: db.Collection(collExecutions)}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collWorkflows: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: -1}}},
			{Keys: bson.D{{Key: "permissions.owners", Value: 1}}},
			{Keys: bson.D{{Key: "permissions.editors", Value: 1}}},
			{Keys: bson.D{{Key: "permissions.viewers", Value: 1}}},
			{Keys: bson.D{{Key: "name", Value: "text"}, {Key: "description", Value: "text"}}},
		},
		collExecutions: {
			{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "started_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		collEvents: {
			{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "timestamp", Value: 1}}},
			{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "sequence", Value: 1}}},
		},
		collTickets: {
			{
				Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "node_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "consumed", Value: 1}, {Key: "deadline", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func (s *Store) Workflows() store.WorkflowStore   { return s.workflows }
func (s *Store) Executions() store.ExecutionStore { return s.executions }
func (s *Store) Events() store.EventStore         { return s.events }
func (s *Store) Tickets() store.TicketStore       { return s.tickets }
func (s *Store) Stats() store.StatsStore          { return s.stats }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// classify maps driver errors into the store taxonomy. Network and timeout
// failures are transient; everything unexpected surfaces as-is (fatal).
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || errors.Is(err, context.DeadlineExceeded) {
		return &store.TransientError{Err: err}
	}
	return err
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
