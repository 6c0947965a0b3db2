package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithFieldsDoNotLeakIntoParent(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter("test", &buf, logrus.InfoLevel)

	base.WithTask("task-1").Info("child")
	base.Info("parent")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var child, parent map[string]interface{}
	if err := json.Unmarshal(lines[0], &child); err != nil {
		t.Fatalf("unmarshal child line: %v", err)
	}
	if err := json.Unmarshal(lines[1], &parent); err != nil {
		t.Fatalf("unmarshal parent line: %v", err)
	}

	if child["task_id"] != "task-1" {
		t.Errorf("child line task_id = %v, want task-1", child["task_id"])
	}
	if _, ok := parent["task_id"]; ok {
		t.Errorf("parent line must not carry task_id, got %v", parent["task_id"])
	}
	if parent["message"] != "parent" || parent["service_name"] != "test" {
		t.Errorf("unexpected parent line: %v", parent)
	}
}
