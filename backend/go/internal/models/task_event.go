package models

import "time"

// TaskEventType 定义了任务变更事件的类型。
type TaskEventType string

const (
	TaskEventCreated TaskEventType = "created"
	TaskEventUpdated TaskEventType = "updated"
	TaskEventDeleted TaskEventType = "deleted"
)

// TaskEvent 是任务记录每次变更后的快照投影，
// 会被推送到 Kafka、Redis、MongoDB、MySQL 以及 WebSocket 订阅者。
type TaskEvent struct {
	TaskID         string                 `json:"task_id"`
	Type           TaskEventType          `json:"type"`
	Timestamp      time.Time              `json:"timestamp"`
	Kind           TaskKind               `json:"kind,omitempty"`
	Status         TaskStatus             `json:"status,omitempty"`
	Progress       int                    `json:"progress"`
	Step           string                 `json:"step,omitempty"`
	Message        string                 `json:"message,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty"`
	ResultSize     int64                  `json:"result_size,omitempty"`
	Input          *TaskInput             `json:"input,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	ProcessingTime *float64               `json:"processing_time,omitempty"`
}

// NewTaskEvent 根据记录快照构造事件。rec 必须是副本。
func NewTaskEvent(typ TaskEventType, rec *TaskRecord) TaskEvent {
	input := rec.Input
	return TaskEvent{
		TaskID:         rec.ID,
		Type:           typ,
		Timestamp:      time.Now(),
		Kind:           rec.Kind,
		Status:         rec.Status,
		Progress:       rec.Progress.Percent,
		Step:           rec.Progress.CurrentStep,
		Message:        rec.Progress.Message,
		ErrorMessage:   rec.ErrorMessage,
		Result:         rec.Result,
		ResultSize:     rec.ResultSize,
		Input:          &input,
		CreatedAt:      rec.CreatedAt,
		CompletedAt:    rec.CompletedAt,
		ProcessingTime: rec.ProcessingTime,
	}
}

// DatabaseStatus 把内部状态映射为外部数据库使用的状态值。
// validating/extracting/processing 都对外显示为 processing。
func (e TaskEvent) DatabaseStatus() string {
	switch e.Status {
	case TaskStatusValidating, TaskStatusExtracting, TaskStatusProcessing:
		return string(TaskStatusProcessing)
	}
	return string(e.Status)
}
