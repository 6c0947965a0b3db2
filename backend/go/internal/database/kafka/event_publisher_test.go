package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
)

type recordingWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestEventPublisherWritesJSONKeyedMessage(t *testing.T) {
	w := &recordingWriter{}
	p := NewEventPublisherWithWriter(w)

	if err := p.Publish(context.Background(), "task-1", map[string]string{"status": "completed"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "task-1" {
		t.Fatalf("messages = %+v", w.msgs)
	}
	var body map[string]string
	if err := json.Unmarshal(w.msgs[0].Value, &body); err != nil || body["status"] != "completed" {
		t.Errorf("value = %s (%v)", w.msgs[0].Value, err)
	}

	p.Close()
	if !w.closed {
		t.Errorf("Close did not close the writer")
	}
}
