package syncer

import (
	"SceneGen/backend/go/internal/models"
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type documentWriter interface {
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

// MongoSink keeps one document per task, keyed by task id.
type MongoSink struct {
	collection documentWriter
}

// NewMongoSink creates a sink writing into collection.
func NewMongoSink(collection *mongo.Collection) *MongoSink {
	return &MongoSink{collection: collection}
}

// Name implements Sink.
func (s *MongoSink) Name() string { return "mongo" }

// Apply implements Sink.
func (s *MongoSink) Apply(ctx context.Context, event models.TaskEvent) error {
	filter := bson.M{"_id": event.TaskID}
	if event.Type == models.TaskEventDeleted {
		_, err := s.collection.DeleteOne(ctx, filter)
		return err
	}
	_, err := s.collection.ReplaceOne(ctx, filter, NewProject(event), options.Replace().SetUpsert(true))
	return err
}
