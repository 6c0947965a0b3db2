package models

import (
	"time"
)

// TaskKind 决定了流水线需要执行哪些入口阶段。
type TaskKind string

const (
	TaskKindSingleImage TaskKind = "single_image"
	TaskKindMultiImage  TaskKind = "multi_image"
	TaskKindVideo       TaskKind = "video"
)

// Valid 判断任务类型是否为已知类型。
func (k TaskKind) Valid() bool {
	switch k {
	case TaskKindSingleImage, TaskKindMultiImage, TaskKindVideo:
		return true
	}
	return false
}

// TaskStatus 定义了重建任务的几种可能状态
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusValidating TaskStatus = "validating"
	TaskStatusExtracting TaskStatus = "extracting"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Valid 判断状态是否为已知状态。
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusValidating, TaskStatusExtracting, TaskStatusProcessing,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsTerminal 判断状态是否为终态。终态一旦进入便不会再离开。
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// transitions 是状态机中除 FAILED/CANCELLED 以外的合法边。
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusValidating},
	TaskStatusValidating: {TaskStatusExtracting, TaskStatusProcessing},
	TaskStatusExtracting: {TaskStatusProcessing},
	TaskStatusProcessing: {TaskStatusCompleted},
}

// CanTransition 判断 from -> to 是否为状态机中的合法转换。
// 非终态到自身视为合法（仅刷新 current_step 等字段）。
func CanTransition(from, to TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	if to == TaskStatusFailed || to == TaskStatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HintPoint 是一个分割提示点。Label 为 1 表示前景，0 表示背景。
type HintPoint struct {
	X     float64 `json:"x" bson:"x"`
	Y     float64 `json:"y" bson:"y"`
	Label int     `json:"label" bson:"label"`
}

// TaskInput 是提交时的参数，任务创建后不可修改。
type TaskInput struct {
	NotifyAddress    string      `json:"notify_address,omitempty" bson:"notify_address,omitempty"`
	Sources          []string    `json:"sources" bson:"sources"`
	Hints            []HintPoint `json:"hints,omitempty" bson:"hints,omitempty"`
	OriginalFilename string      `json:"original_filename,omitempty" bson:"original_filename,omitempty"`
	FileSize         int64       `json:"file_size,omitempty" bson:"file_size,omitempty"`
}

// Progress 描述任务的进度信息。
type Progress struct {
	Percent                int      `json:"percent" bson:"percent"`
	CurrentStep            string   `json:"current_step" bson:"current_step"`
	Message                string   `json:"message,omitempty" bson:"message,omitempty"`
	EstimatedTimeRemaining *float64 `json:"estimated_time_remaining,omitempty" bson:"estimated_time_remaining,omitempty"`
}

// 结果字段名。ResultData 只追加、不删除。
const (
	ResultPrimaryPath     = "primary_artifact_path"
	ResultPrimaryURL      = "primary_artifact_url"
	ResultPrimarySize     = "primary_artifact_size"
	ResultPrimaryType     = "primary_artifact_type"
	ResultSecondaryPath   = "secondary_artifact_path"
	ResultSecondaryURL    = "secondary_artifact_url"
	ResultEnrichmentError = "enrichment_error"
	ResultMetrics         = "metrics"
	ResultOutputPath      = "output_path"
	ResultCompressed      = "compressed"
)

// TaskRecord 代表一个重建任务的完整记录
type TaskRecord struct {
	ID              string                 `json:"id" bson:"_id"`
	Kind            TaskKind               `json:"kind" bson:"kind"`
	Status          TaskStatus             `json:"status" bson:"status"`
	Progress        Progress               `json:"progress" bson:"progress"`
	Input           TaskInput              `json:"input_data" bson:"input_data"`
	Result          map[string]interface{} `json:"result_data,omitempty" bson:"result_data,omitempty"`
	ResultSize      int64                  `json:"result_size,omitempty" bson:"result_size,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty" bson:"error_message,omitempty"`
	CreatedAt       time.Time              `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at" bson:"updated_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	ProcessingTime  *float64               `json:"processing_time,omitempty" bson:"processing_time,omitempty"`
	CancelRequested bool                   `json:"cancel_requested" bson:"cancel_requested"`
	ArtifactPaths   []string               `json:"-" bson:"-"`
}

// Clone 返回记录的深拷贝，调用方可以随意修改而不影响原记录。
func (r *TaskRecord) Clone() *TaskRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Input.Sources = append([]string(nil), r.Input.Sources...)
	c.Input.Hints = append([]HintPoint(nil), r.Input.Hints...)
	c.ArtifactPaths = append([]string(nil), r.ArtifactPaths...)
	if r.Progress.EstimatedTimeRemaining != nil {
		eta := *r.Progress.EstimatedTimeRemaining
		c.Progress.EstimatedTimeRemaining = &eta
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.ProcessingTime != nil {
		p := *r.ProcessingTime
		c.ProcessingTime = &p
	}
	if r.Result != nil {
		c.Result = make(map[string]interface{}, len(r.Result))
		for k, v := range r.Result {
			c.Result[k] = v
		}
	}
	return &c
}

// HasPrimaryArtifact 判断主产物是否已经就绪。
func (r *TaskRecord) HasPrimaryArtifact() bool {
	if r.Result == nil {
		return false
	}
	_, ok := r.Result[ResultPrimaryPath]
	return ok
}

// Summary 返回用于列表展示的摘要。
func (r *TaskRecord) Summary() TaskSummary {
	return TaskSummary{
		ID:          r.ID,
		Kind:        r.Kind,
		Status:      r.Status,
		Progress:    r.Progress.Percent,
		CurrentStep: r.Progress.CurrentStep,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// TaskSummary 是任务列表中的一项
type TaskSummary struct {
	ID          string     `json:"id"`
	Kind        TaskKind   `json:"kind"`
	Status      TaskStatus `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"current_step"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskStats 是任务统计信息。
type TaskStats struct {
	Total                 int                `json:"total"`
	Active                int                `json:"active"`
	ByStatus              map[TaskStatus]int `json:"by_status"`
	ByKind                map[TaskKind]int   `json:"by_kind"`
	AverageProcessingTime float64            `json:"average_processing_time"`
}
