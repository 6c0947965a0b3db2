package notifier

import (
	"SceneGen/backend/go/internal/config"
	"SceneGen/backend/go/internal/models"
	httpclient "SceneGen/backend/go/pkg/http"
	"SceneGen/backend/go/pkg/logger"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestWebhookNotifierPostsMail(t *testing.T) {
	var got webhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	cfg := config.NotifierConfig{URL: srv.URL, APIKey: "secret", ViewerURL: "https://viewer.example.com"}
	n := NewWebhookNotifier(httpclient.NewClient(config.CircuitBreakerConfig{}, time.Second), cfg)
	err := n.Notify(context.Background(), Notification{
		Address:        "user@example.com",
		TaskID:         "abc",
		Status:         models.TaskStatusCompleted,
		ProcessingTime: 12.5,
		DownloadURL:    "https://cdn.example.com/abc.ply",
	})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.Email != "user@example.com" || got.Subject != "SceneGEN训练完成 - 任务 abc" {
		t.Errorf("payload = %+v", got)
	}
	if !strings.Contains(got.HTML, "https://cdn.example.com/abc.ply") || !strings.Contains(got.HTML, "12.5") {
		t.Errorf("html = %s", got.HTML)
	}
}

func TestFailureSubjectAndBody(t *testing.T) {
	n := Notification{TaskID: "x", Status: models.TaskStatusFailed, Error: "training failed: exit status 1"}
	if Subject(n) != "SceneGEN训练失败 - 任务 x" {
		t.Errorf("Subject() = %s", Subject(n))
	}
	body, err := RenderBody(n, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body, "training failed: exit status 1") {
		t.Errorf("body = %s", body)
	}
}

type blockingNotifier struct{ calls atomic.Int32 }

func (b *blockingNotifier) Notify(ctx context.Context, n Notification) error {
	b.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcherBoundsSlowNotifier(t *testing.T) {
	slow := &blockingNotifier{}
	d := NewDispatcher(slow, 50*time.Millisecond, logger.Nop())

	start := time.Now()
	d.Dispatch(Notification{Address: "a@b.c", TaskID: "t"})
	if time.Since(start) > 20*time.Millisecond {
		t.Errorf("Dispatch blocked the caller")
	}
	d.Wait()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("notification not cut off by timeout, took %s", elapsed)
	}
	if slow.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", slow.calls.Load())
	}
}

func TestDispatcherSkipsEmptyAddress(t *testing.T) {
	slow := &blockingNotifier{}
	d := NewDispatcher(slow, time.Second, logger.Nop())
	d.Dispatch(Notification{TaskID: "t"})
	d.Wait()
	if slow.calls.Load() != 0 {
		t.Errorf("notifier called without an address")
	}
}

func TestWebhookNotifierWrapsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(httpclient.NewClient(config.CircuitBreakerConfig{}, time.Second), config.NotifierConfig{URL: srv.URL})
	err := n.Notify(context.Background(), Notification{Address: "a@b.c", TaskID: "t", Status: models.TaskStatusFailed})
	if !errors.Is(err, ErrNotify) {
		t.Errorf("Notify() error = %v, want ErrNotify", err)
	}
}
