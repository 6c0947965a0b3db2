package api

import (
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/internal/reconstruction_service/service"
	"SceneGen/backend/go/internal/reconstruction_service/store"
	"SceneGen/backend/go/pkg/logger"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second

	healthCheckTimeout = 3 * time.Second
)

// API provides handlers for the reconstruction service.
type API struct {
	service  *service.TaskService
	hub      *service.ConnectionManager
	logger   *logger.Logger
	upgrader websocket.Upgrader
	checks   map[string]HealthCheck
}

// HealthCheck probes one backing dependency.
type HealthCheck func(ctx context.Context) error

// NewAPI creates a new API handler.
func NewAPI(svc *service.TaskService, hub *service.ConnectionManager, logger *logger.Logger) *API {
	return &API{
		service: svc,
		hub:     hub,
		logger:  logger.WithComponent("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		checks: map[string]HealthCheck{},
	}
}

// AddHealthCheck registers a dependency probe reported by /healthz. Call before serving.
func (a *API) AddHealthCheck(name string, check HealthCheck) {
	a.checks[name] = check
}

// TaskStatusResponse is the status snapshot returned for one task.
type TaskStatusResponse struct {
	TaskID                 string            `json:"task_id"`
	Kind                   models.TaskKind   `json:"kind"`
	Status                 models.TaskStatus `json:"status"`
	Progress               int               `json:"progress"`
	CurrentStep            string            `json:"current_step"`
	Message                string            `json:"message,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
	CompletedAt            *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage           string            `json:"error_message,omitempty"`
	EstimatedTimeRemaining *float64          `json:"estimated_time_remaining,omitempty"`
	ProcessingTime         *float64          `json:"processing_time,omitempty"`
	CancelRequested        bool              `json:"cancel_requested"`
}

func newStatusResponse(rec *models.TaskRecord) TaskStatusResponse {
	return TaskStatusResponse{
		TaskID:                 rec.ID,
		Kind:                   rec.Kind,
		Status:                 rec.Status,
		Progress:               rec.Progress.Percent,
		CurrentStep:            rec.Progress.CurrentStep,
		Message:                rec.Progress.Message,
		CreatedAt:              rec.CreatedAt,
		UpdatedAt:              rec.UpdatedAt,
		CompletedAt:            rec.CompletedAt,
		ErrorMessage:           rec.ErrorMessage,
		EstimatedTimeRemaining: rec.Progress.EstimatedTimeRemaining,
		ProcessingTime:         rec.ProcessingTime,
		CancelRequested:        rec.CancelRequested,
	}
}

// writeError maps service and store errors to HTTP statuses.
func (a *API) writeError(c *gin.Context, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, store.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
	case errors.Is(err, service.ErrResultNotReady), errors.Is(err, service.ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		a.logger.WithErr(err).WithPayload(map[string]interface{}{"path": c.FullPath()}).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// SubmitTaskHandler handles a JSON submission of server-side source paths.
func (a *API) SubmitTaskHandler(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.logger.WithErr(err).Warn("Invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}
	rec, err := a.service.Submit(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": rec.ID, "status": rec.Status})
}

// UploadHandler handles a multipart upload of images, a zip of images, or a video.
func (a *API) UploadHandler(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form"})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		files = form.File["files[]"]
	}
	if len(files) == 0 {
		files = form.File["file"]
	}
	req := service.UploadRequest{
		Kind:          c.PostForm("kind"),
		NotifyAddress: c.PostForm("email"),
		Hints:         c.PostForm("hints"),
	}
	rec, err := a.service.SubmitUpload(c.Request.Context(), req, files)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task_id": rec.ID,
		"status":  rec.Status,
		"kind":    rec.Kind,
		"files":   len(rec.Input.Sources),
	})
}

// GetTasksHandler lists task summaries, newest first.
func (a *API) GetTasksHandler(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}
	tasks, err := a.service.ListTasks(models.TaskStatus(c.Query("status")), limit, offset)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks), "limit": limit, "offset": offset})
}

// GetTaskHandler returns the status snapshot of one task.
func (a *API) GetTaskHandler(c *gin.Context) {
	rec, err := a.service.GetTask(c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStatusResponse(rec))
}

// GetResultHandler returns artifact descriptors once the primary artifact exists.
func (a *API) GetResultHandler(c *gin.Context) {
	res, err := a.service.GetResult(c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DownloadHandler serves the primary artifact from local disk.
func (a *API) DownloadHandler(c *gin.Context) {
	res, err := a.service.GetResult(c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.FileAttachment(res.PrimaryPath, filepath.Base(res.PrimaryPath))
}

// CancelTaskHandler requests cancellation.
func (a *API) CancelTaskHandler(c *gin.Context) {
	id := c.Param("id")
	if err := a.service.Cancel(id); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id, "message": "cancellation requested"})
}

// DeleteTaskHandler removes a task and its artifacts.
func (a *API) DeleteTaskHandler(c *gin.Context) {
	id := c.Param("id")
	removed, err := a.service.Delete(id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "removed": removed})
}

// StatsHandler returns task statistics and scheduler load.
func (a *API) StatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, a.service.Stats())
}

// HealthHandler reports liveness, queue depth and the state of registered dependencies.
// A failing dependency turns the response into 503.
func (a *API) HealthHandler(c *gin.Context) {
	s := a.service.Stats()
	status, code := "ok", http.StatusOK
	deps := make(map[string]string, len(a.checks))
	if len(a.checks) > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()
		for name, check := range a.checks {
			if err := check(ctx); err != nil {
				deps[name] = err.Error()
				status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			deps[name] = "ok"
		}
	}
	c.JSON(code, gin.H{"status": status, "queued": s.Queued, "running": s.Running, "dependencies": deps})
}

// WebSocketHandler streams the events of one task, starting with its current snapshot.
func (a *API) WebSocketHandler(c *gin.Context) {
	id := c.Param("id")
	sub := a.hub.Add(id)
	rec, err := a.service.GetTask(id)
	if err != nil {
		a.hub.Remove(sub)
		a.writeError(c, err)
		return
	}

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.hub.Remove(sub)
		a.logger.WithTask(id).WithErr(err).Error("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()
	defer a.hub.Remove(sub)

	// Reads only detect the peer going away.
	go func() {
		defer a.hub.Remove(sub)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := a.write(conn, models.NewTaskEvent(models.TaskEventUpdated, rec)); err != nil {
		return
	}
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteTimeout))
				return
			}
			if err := a.write(conn, event); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (a *API) write(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
