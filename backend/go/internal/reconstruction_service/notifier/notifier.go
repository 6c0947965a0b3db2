package notifier

import (
	"SceneGen/backend/go/internal/config"
	"SceneGen/backend/go/internal/models"
	httpclient "SceneGen/backend/go/pkg/http"
	"SceneGen/backend/go/pkg/logger"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"time"
)

// ErrNotify wraps every delivery failure.
var ErrNotify = errors.New("notification delivery failed")

// Notification is what the user is told about a finished task.
type Notification struct {
	Address        string
	TaskID         string
	Status         models.TaskStatus
	Kind           models.TaskKind
	ProcessingTime float64
	DownloadURL    string
	Error          string
}

// Notifier delivers a Notification. Implementations must honour ctx.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Noop drops every notification.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, Notification) error { return nil }

// Subject returns the mail subject for n.
func Subject(n Notification) string {
	if n.Status == models.TaskStatusCompleted {
		return "SceneGEN训练完成 - 任务 " + n.TaskID
	}
	return "SceneGEN训练失败 - 任务 " + n.TaskID
}

var bodyTemplate = template.Must(template.New("mail").Parse(`<html><body>
<h2>{{if .Completed}}您的 3D 重建任务已完成{{else}}您的 3D 重建任务失败{{end}}</h2>
<p>任务 ID: {{.TaskID}}</p>
{{if .Completed}}<p>处理时间: {{printf "%.1f" .ProcessingTime}} 秒</p>
{{if .DownloadURL}}<p><a href="{{.DownloadURL}}">下载模型</a></p>{{end}}
{{if .ViewerURL}}<p><a href="{{.ViewerURL}}">在线查看</a></p>{{end}}
{{else}}<p>错误信息: {{.Error}}</p>{{end}}
</body></html>`))

// RenderBody returns the HTML body for n.
func RenderBody(n Notification, viewerURL string) (string, error) {
	var sb strings.Builder
	err := bodyTemplate.Execute(&sb, struct {
		Notification
		Completed bool
		ViewerURL string
	}{n, n.Status == models.TaskStatusCompleted, viewerURL})
	return sb.String(), err
}

// WebhookNotifier posts notifications to a mail-sending HTTP endpoint.
type WebhookNotifier struct {
	client *httpclient.Client
	cfg    config.NotifierConfig
}

// NewWebhookNotifier creates a notifier that sends through client.
func NewWebhookNotifier(client *httpclient.Client, cfg config.NotifierConfig) *WebhookNotifier {
	return &WebhookNotifier{client: client, cfg: cfg}
}

type webhookPayload struct {
	Email          string  `json:"email"`
	Subject        string  `json:"subject"`
	HTML           string  `json:"html"`
	TaskID         string  `json:"task_id"`
	Status         string  `json:"status"`
	ProcessingTime float64 `json:"processing_time,omitempty"`
	DownloadURL    string  `json:"download_url,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := RenderBody(n, w.cfg.ViewerURL)
	if err != nil {
		return fmt.Errorf("render notification: %w", err)
	}
	headers := map[string]string{}
	if w.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + w.cfg.APIKey
	}
	err = w.client.PostJSON(ctx, w.cfg.URL, headers, webhookPayload{
		Email:          n.Address,
		Subject:        Subject(n),
		HTML:           body,
		TaskID:         n.TaskID,
		Status:         string(n.Status),
		ProcessingTime: n.ProcessingTime,
		DownloadURL:    n.DownloadURL,
		Error:          n.Error,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotify, err)
	}
	return nil
}

// Dispatcher sends notifications in the background, each bounded by a timeout.
// Failures are logged and never reach the caller.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	logger   *logger.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(n Notifier, timeout time.Duration, logger *logger.Logger) *Dispatcher {
	return &Dispatcher{notifier: n, timeout: timeout, logger: logger.WithComponent("notifier")}
}

// Dispatch sends n on its own goroutine. Notifications without an address are skipped.
func (d *Dispatcher) Dispatch(n Notification) {
	if n.Address == "" {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		log := d.logger.WithTask(n.TaskID).WithPayload(map[string]interface{}{"status": n.Status})
		if err := d.notifier.Notify(ctx, n); err != nil {
			log.WithErr(err).Warn("Notification failed")
			return
		}
		log.Info("Notification sent")
	}()
}

// Wait blocks until every dispatched notification has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
