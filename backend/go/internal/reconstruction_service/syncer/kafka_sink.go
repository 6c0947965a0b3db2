package syncer

import (
	"SceneGen/backend/go/internal/models"
	"context"
)

// eventPublisher is satisfied by database/kafka.EventPublisher.
type eventPublisher interface {
	Publish(ctx context.Context, key string, v interface{}) error
}

// KafkaSink publishes every event, deletions included, keyed by task id.
type KafkaSink struct {
	publisher eventPublisher
}

// NewKafkaSink creates a sink on top of an event publisher.
func NewKafkaSink(p eventPublisher) *KafkaSink {
	return &KafkaSink{publisher: p}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Apply implements Sink.
func (s *KafkaSink) Apply(ctx context.Context, event models.TaskEvent) error {
	return s.publisher.Publish(ctx, event.TaskID, event)
}
