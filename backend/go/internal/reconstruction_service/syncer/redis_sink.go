package syncer

import (
	"SceneGen/backend/go/internal/models"
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

type keyWriter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisSink caches the latest projection of each task under prefix+id.
type RedisSink struct {
	client keyWriter
	prefix string
	ttl    time.Duration
}

// NewRedisSink creates a sink with keys prefix+id that expire after ttl.
func NewRedisSink(client *redis.Client, prefix string, ttl time.Duration) *RedisSink {
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Key returns the cache key of a task.
func (s *RedisSink) Key(id string) string { return s.prefix + id }

// Apply implements Sink.
func (s *RedisSink) Apply(ctx context.Context, event models.TaskEvent) error {
	if event.Type == models.TaskEventDeleted {
		return s.client.Del(ctx, s.Key(event.TaskID)).Err()
	}
	data, err := json.Marshal(NewProject(event))
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.Key(event.TaskID), data, s.ttl).Err()
}
