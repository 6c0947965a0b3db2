package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// messageWriter 是 *kafka.Writer 中发布事件所需的部分。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisher 把任务事件序列化为 JSON 发送到一个主题，消息键为任务 ID。
type EventPublisher struct {
	writer messageWriter
}

// NewEventPublisher 创建一个发往 topic 的 EventPublisher。
func NewEventPublisher(client *KafkaClient, topic string) *EventPublisher {
	return &EventPublisher{writer: client.NewWriter(topic)}
}

// NewEventPublisherWithWriter 使用已有的 writer 创建 EventPublisher。
func NewEventPublisherWithWriter(w messageWriter) *EventPublisher {
	return &EventPublisher{writer: w}
}

// Publish 将 v 序列化后以 key 为消息键发送。
func (p *EventPublisher) Publish(ctx context.Context, key string, v interface{}) error {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: jsonData,
	}); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Close 关闭底层的 writer 连接。
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
