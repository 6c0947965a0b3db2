package consumer

import (
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/internal/reconstruction_service/service"
	"SceneGen/backend/go/pkg/logger"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageReader is the part of *kafka.Reader the consumer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Submitter accepts a submission.
type Submitter interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*models.TaskRecord, error)
}

// SubmitConsumer turns Kafka messages into task submissions.
// Every message is committed once handled, including rejected ones.
type SubmitConsumer struct {
	reader  messageReader
	service Submitter
	logger  *logger.Logger
	retry   time.Duration
	done    chan struct{}
}

// NewSubmitConsumer creates a SubmitConsumer on top of a reader, usually from KafkaClient.NewReader.
func NewSubmitConsumer(reader *kafka.Reader, svc Submitter, logger *logger.Logger) *SubmitConsumer {
	return newSubmitConsumer(reader, svc, logger)
}

func newSubmitConsumer(reader messageReader, svc Submitter, logger *logger.Logger) *SubmitConsumer {
	return &SubmitConsumer{
		reader:  reader,
		service: svc,
		logger:  logger.WithComponent("submit_consumer"),
		retry:   time.Second,
		done:    make(chan struct{}),
	}
}

// Start begins consuming messages until ctx is cancelled.
func (c *SubmitConsumer) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		for {
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.Info("Stopping Kafka submit consumer...")
					return
				}
				c.logger.WithErr(err).Error("Error fetching message from Kafka")
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.retry):
				}
				continue
			}

			c.handle(ctx, msg)

			if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				c.logger.WithErr(err).Error("Failed to commit Kafka message")
			}
		}
	}()
}

func (c *SubmitConsumer) handle(ctx context.Context, msg kafka.Message) {
	log := c.logger.WithPayload(map[string]interface{}{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})
	var req service.SubmitRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		log.WithErr(err).Warn("Discarding malformed submission")
		return
	}
	rec, err := c.service.Submit(ctx, req)
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		log.WithErr(err).Warn("Discarding invalid submission")
	case err != nil:
		log.WithErr(err).Error("Error handling Kafka message")
	default:
		log.WithTask(rec.ID).Info("Accepted submission from Kafka")
	}
}

// Wait blocks until the consume loop has exited.
func (c *SubmitConsumer) Wait() {
	<-c.done
}

// Close closes the underlying Kafka reader.
func (c *SubmitConsumer) Close() error {
	return c.reader.Close()
}
