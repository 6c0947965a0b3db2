package service

import (
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/internal/reconstruction_service/media"
	"SceneGen/backend/go/internal/reconstruction_service/store"
	"SceneGen/backend/go/pkg/logger"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Submitter queues a task id for execution.
type Submitter interface {
	Submit(id string) error
	QueueLength() int
	Running() int
}

// RemoteCleaner removes whatever a task published outside this process.
type RemoteCleaner interface {
	Delete(ctx context.Context, taskID string) error
}

// SubmitRequest is a submission as it arrives over HTTP or Kafka.
type SubmitRequest struct {
	Kind             string   `json:"kind"`
	Sources          []string `json:"sources"`
	NotifyAddress    string   `json:"email,omitempty"`
	Hints            string   `json:"hints,omitempty"`
	OriginalFilename string   `json:"original_filename,omitempty"`
	FileSize         int64    `json:"file_size,omitempty"`
}

// ResultDescriptor lists the artifacts of a task.
type ResultDescriptor struct {
	TaskID          string                 `json:"task_id"`
	Status          models.TaskStatus      `json:"status"`
	PrimaryPath     string                 `json:"primary_artifact_path"`
	PrimaryURL      string                 `json:"primary_artifact_url,omitempty"`
	SecondaryPath   string                 `json:"secondary_artifact_path,omitempty"`
	SecondaryURL    string                 `json:"secondary_artifact_url,omitempty"`
	EnrichmentError string                 `json:"enrichment_error,omitempty"`
	Size            int64                  `json:"size,omitempty"`
	Data            map[string]interface{} `json:"data"`
}

// Stats is the store statistics plus scheduler load.
type Stats struct {
	models.TaskStats
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Limit   int `json:"max_concurrent_tasks"`
}

// TaskService is the entry point used by the HTTP API and the Kafka consumer.
type TaskService struct {
	store      *store.Store
	exec       Submitter
	classifier *media.Classifier
	uploads    *Uploads
	remote     RemoteCleaner
	limit      int
	validate   *validator.Validate
	logger     *logger.Logger
}

// Option configures a TaskService.
type Option func(*TaskService)

// WithUploads enables SubmitUpload.
func WithUploads(u *Uploads) Option {
	return func(s *TaskService) { s.uploads = u }
}

// WithRemoteCleaner makes Delete also remove published objects.
func WithRemoteCleaner(r RemoteCleaner) Option {
	return func(s *TaskService) { s.remote = r }
}

// NewTaskService creates a TaskService. limit is only reported by Stats.
func NewTaskService(st *store.Store, exec Submitter, classifier *media.Classifier, limit int, logger *logger.Logger, opts ...Option) *TaskService {
	s := &TaskService{
		store:      st,
		exec:       exec,
		classifier: classifier,
		limit:      limit,
		validate:   validator.New(),
		logger:     logger.WithComponent("task_service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates req, creates a PENDING task and queues it.
// Any *ValidationError means no task was created.
func (s *TaskService) Submit(ctx context.Context, req SubmitRequest) (*models.TaskRecord, error) {
	kind, input, err := s.parse(req)
	if err != nil {
		s.logger.WithPayload(map[string]interface{}{"kind": req.Kind, "reason": err.Error()}).Warn("Rejected submission")
		return nil, err
	}

	return s.create(kind, input)
}

func (s *TaskService) create(kind models.TaskKind, input models.TaskInput, owned ...string) (*models.TaskRecord, error) {
	id, err := s.store.Create(kind, input)
	if err != nil {
		return nil, err
	}
	if len(owned) > 0 {
		_ = s.store.ReserveArtifacts(id, owned...)
	}
	if err := s.exec.Submit(id); err != nil {
		_, _ = s.store.UpdateStatus(id, models.TaskStatusFailed, fmt.Sprintf("internal failed: %v", err))
		return nil, fmt.Errorf("queue task %s: %w", id, err)
	}
	s.logger.WithTask(id).WithPayload(map[string]interface{}{
		"kind":    kind,
		"sources": len(input.Sources),
		"queued":  s.exec.QueueLength(),
	}).Info("Task submitted")
	return s.store.Get(id)
}

func (s *TaskService) parse(req SubmitRequest) (models.TaskKind, models.TaskInput, error) {
	kind := models.TaskKind(strings.TrimSpace(req.Kind))
	if !kind.Valid() {
		return "", models.TaskInput{}, invalid("kind", "unknown task kind %q", req.Kind)
	}

	var images, videos int
	for i, src := range req.Sources {
		if strings.TrimSpace(src) == "" {
			return "", models.TaskInput{}, invalid("sources", "source %d is empty", i)
		}
		switch s.classifier.ByExtension(src) {
		case media.Image:
			images++
		case media.Video:
			videos++
		default:
			return "", models.TaskInput{}, invalid("sources", "unsupported file type %q", src)
		}
		if _, err := os.Stat(src); err != nil {
			return "", models.TaskInput{}, invalid("sources", "source %q not found", src)
		}
	}

	switch kind {
	case models.TaskKindMultiImage:
		if len(req.Sources) < 3 || videos > 0 {
			return "", models.TaskInput{}, invalid("sources", "multi_image needs at least 3 images, got %d", images)
		}
	case models.TaskKindSingleImage:
		if len(req.Sources) != 1 || images != 1 {
			return "", models.TaskInput{}, invalid("sources", "single_image needs exactly 1 image")
		}
	case models.TaskKindVideo:
		if len(req.Sources) != 1 || videos != 1 {
			return "", models.TaskInput{}, invalid("sources", "video needs exactly 1 video file")
		}
	}

	addr := strings.TrimSpace(req.NotifyAddress)
	if addr != "" {
		if err := s.validate.Var(addr, "email"); err != nil {
			return "", models.TaskInput{}, invalid("email", "malformed address %q", addr)
		}
	}

	hints, err := ParseHints(req.Hints)
	if err != nil {
		return "", models.TaskInput{}, err
	}

	return kind, models.TaskInput{
		NotifyAddress:    addr,
		Sources:          append([]string(nil), req.Sources...),
		Hints:            hints,
		OriginalFilename: req.OriginalFilename,
		FileSize:         req.FileSize,
	}, nil
}

// GetTask returns a snapshot of the task.
func (s *TaskService) GetTask(id string) (*models.TaskRecord, error) {
	return s.store.Get(id)
}

// ListTasks returns summaries newest first. A non-empty status restricts the listing to that status.
func (s *TaskService) ListTasks(status models.TaskStatus, limit, offset int) ([]models.TaskSummary, error) {
	if status == "" {
		return s.store.List(limit, offset), nil
	}
	if !status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	return s.store.ListByStatus(status, limit, offset), nil
}

// GetResult returns the artifacts once the primary one exists, whether or not rendering has finished.
func (s *TaskService) GetResult(id string) (*ResultDescriptor, error) {
	rec, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !rec.HasPrimaryArtifact() {
		return nil, fmt.Errorf("%w: task is %s", ErrResultNotReady, rec.Status)
	}
	str := func(key string) string {
		v, _ := rec.Result[key].(string)
		return v
	}
	return &ResultDescriptor{
		TaskID:          rec.ID,
		Status:          rec.Status,
		PrimaryPath:     str(models.ResultPrimaryPath),
		PrimaryURL:      str(models.ResultPrimaryURL),
		SecondaryPath:   str(models.ResultSecondaryPath),
		SecondaryURL:    str(models.ResultSecondaryURL),
		EnrichmentError: str(models.ResultEnrichmentError),
		Size:            rec.ResultSize,
		Data:            rec.Result,
	}, nil
}

// Cancel requests cancellation. Asking twice is not an error.
func (s *TaskService) Cancel(id string) error {
	first, err := s.store.RequestCancel(id)
	if errors.Is(err, store.ErrAlreadyTerminal) {
		return ErrNotCancellable
	}
	if err != nil {
		return err
	}
	if first {
		s.logger.WithTask(id).Info("Cancellation requested")
	}
	return nil
}

// Delete removes the task, its local artifacts and, in the background, its published objects.
func (s *TaskService) Delete(id string) ([]string, error) {
	removed, err := s.store.Delete(id)
	if err != nil {
		return nil, err
	}
	if s.remote != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := s.remote.Delete(ctx, id); err != nil {
				s.logger.WithTask(id).WithErr(err).Warn("Failed to remove published objects")
			}
		}()
	}
	s.logger.WithTask(id).WithPayload(map[string]interface{}{"removed": removed}).Info("Task deleted")
	return removed, nil
}

// Stats returns store statistics and scheduler load.
func (s *TaskService) Stats() Stats {
	return Stats{
		TaskStats: s.store.Stats(),
		Queued:    s.exec.QueueLength(),
		Running:   s.exec.Running(),
		Limit:     s.limit,
	}
}
