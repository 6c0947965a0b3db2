package syncer

import (
	"SceneGen/backend/go/internal/models"
	"time"
)

// Project is the database-facing view of a task, shared by the document and key-value sinks.
type Project struct {
	ID             string                 `json:"id" bson:"_id"`
	Kind           string                 `json:"task_type" bson:"task_type"`
	Status         string                 `json:"status" bson:"status"`
	InternalStatus string                 `json:"internal_status" bson:"internal_status"`
	Progress       int                    `json:"progress" bson:"progress"`
	CurrentStep    string                 `json:"current_step,omitempty" bson:"current_step,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty" bson:"error_message,omitempty"`
	NotifyAddress  string                 `json:"email,omitempty" bson:"email,omitempty"`
	ModelURL       string                 `json:"model_url,omitempty" bson:"model_url,omitempty"`
	VideoURL       string                 `json:"video_url,omitempty" bson:"video_url,omitempty"`
	ResultSize     int64                  `json:"result_size,omitempty" bson:"result_size,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty" bson:"result,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" bson:"updated_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	ProcessingTime *float64               `json:"processing_time,omitempty" bson:"processing_time,omitempty"`
}

// NewProject builds the projection of event.
func NewProject(event models.TaskEvent) Project {
	p := Project{
		ID:             event.TaskID,
		Kind:           string(event.Kind),
		Status:         event.DatabaseStatus(),
		InternalStatus: string(event.Status),
		Progress:       event.Progress,
		CurrentStep:    event.Step,
		ErrorMessage:   event.ErrorMessage,
		ResultSize:     event.ResultSize,
		Result:         event.Result,
		CreatedAt:      event.CreatedAt,
		UpdatedAt:      event.Timestamp,
		CompletedAt:    event.CompletedAt,
		ProcessingTime: event.ProcessingTime,
	}
	if url, ok := event.Result[models.ResultPrimaryURL].(string); ok {
		p.ModelURL = url
	}
	if url, ok := event.Result[models.ResultSecondaryURL].(string); ok {
		p.VideoURL = url
	}
	if in := event.Input; in != nil {
		p.NotifyAddress = in.NotifyAddress
		p.Metadata = map[string]interface{}{
			"source_count": len(in.Sources),
		}
		if in.OriginalFilename != "" {
			p.Metadata["original_filename"] = in.OriginalFilename
		}
		if in.FileSize > 0 {
			p.Metadata["file_size"] = in.FileSize
		}
		if len(in.Hints) > 0 {
			p.Metadata["hints"] = in.Hints
		}
	}
	return p
}
