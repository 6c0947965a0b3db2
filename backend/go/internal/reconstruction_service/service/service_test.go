package service

import (
	"SceneGen/backend/go/internal/config"
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/internal/reconstruction_service/media"
	"SceneGen/backend/go/internal/reconstruction_service/store"
	"SceneGen/backend/go/pkg/logger"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type fakeExecutor struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *fakeExecutor) Submit(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, id)
	return nil
}

func (f *fakeExecutor) QueueLength() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

func (f *fakeExecutor) Running() int { return 0 }

type fakeRemote struct {
	deleted chan string
}

func (f *fakeRemote) Delete(ctx context.Context, taskID string) error {
	f.deleted <- taskID
	return nil
}

func newTestService(t *testing.T, opts ...Option) (*TaskService, *store.Store, *fakeExecutor) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.UploadDir = t.TempDir()
	st := store.New()
	exec := &fakeExecutor{}
	classifier := media.NewClassifier(cfg.Storage)
	opts = append([]Option{WithUploads(NewUploads(cfg.Storage, classifier, logger.Nop()))}, opts...)
	return NewTaskService(st, exec, classifier, 2, logger.Nop(), opts...), st, exec
}

func writeFiles(t *testing.T, content []byte, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	var out []string
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, content, 0o644); err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

func TestSubmitCreatesPendingTaskAndQueuesIt(t *testing.T) {
	svc, st, exec := newTestService(t)
	rec, err := svc.Submit(context.Background(), SubmitRequest{
		Kind:          "multi_image",
		Sources:       writeFiles(t, pngHeader, "a.png", "b.png", "c.jpg"),
		NotifyAddress: "user@example.com",
		Hints:         "10,20,1;30,40,0",
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if rec.Status != models.TaskStatusPending || rec.Kind != models.TaskKindMultiImage {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Input.Hints) != 2 || rec.Input.NotifyAddress != "user@example.com" {
		t.Errorf("input = %+v", rec.Input)
	}
	if len(exec.ids) != 1 || exec.ids[0] != rec.ID {
		t.Errorf("queued = %v", exec.ids)
	}
	if st.Stats().Total != 1 {
		t.Errorf("Total = %d", st.Stats().Total)
	}
}

func TestSubmitValidationCreatesNothing(t *testing.T) {
	images := writeFiles(t, pngHeader, "a.png", "b.png", "c.png")
	video := writeFiles(t, []byte("video"), "clip.mp4")
	text := writeFiles(t, []byte("text"), "notes.txt")

	tests := []struct {
		name  string
		req   SubmitRequest
		field string
	}{
		{"unknown kind", SubmitRequest{Kind: "mesh", Sources: images}, "kind"},
		{"too few images", SubmitRequest{Kind: "multi_image", Sources: images[:2]}, "sources"},
		{"single with two", SubmitRequest{Kind: "single_image", Sources: images[:2]}, "sources"},
		{"video with image", SubmitRequest{Kind: "video", Sources: images[:1]}, "sources"},
		{"video with two", SubmitRequest{Kind: "video", Sources: append(video, video...)}, "sources"},
		{"unsupported extension", SubmitRequest{Kind: "single_image", Sources: text}, "sources"},
		{"empty source", SubmitRequest{Kind: "single_image", Sources: []string{" "}}, "sources"},
		{"missing source", SubmitRequest{Kind: "single_image", Sources: []string{"/nonexistent/x.png"}}, "sources"},
		{"bad email", SubmitRequest{Kind: "video", Sources: video, NotifyAddress: "not-an-address"}, "email"},
		{"bad hints", SubmitRequest{Kind: "single_image", Sources: images[:1], Hints: "1,2"}, "hints"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st, exec := newTestService(t)
			_, err := svc.Submit(context.Background(), tt.req)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Submit() error = %v, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %s, want %s", ve.Field, tt.field)
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error does not match ErrValidation")
			}
			if st.Stats().Total != 0 || len(exec.ids) != 0 {
				t.Errorf("task created despite validation error")
			}
		})
	}
}

func TestSubmitQueueFailureFailsTask(t *testing.T) {
	svc, st, exec := newTestService(t)
	exec.err = errors.New("executor stopped")
	_, err := svc.Submit(context.Background(), SubmitRequest{Kind: "single_image", Sources: writeFiles(t, pngHeader, "a.png")})
	if err == nil {
		t.Fatal("Submit() error = nil")
	}
	stats := st.Stats()
	if stats.ByStatus[models.TaskStatusFailed] != 1 {
		t.Errorf("ByStatus = %v", stats.ByStatus)
	}
}

func TestParseHints(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{`[{"x":1.5,"y":2,"label":1},{"x":0,"y":0,"label":0}]`, 2, false},
		{"1,2,1; 3.5,4,0", 2, false},
		{"1,2,1;", 1, false},
		{`[{"x":1,"y":2}]`, 0, true},
		{`[{"x":1,"y":2,"label":1.5}]`, 0, true},
		{`[{"x":1,"y":2,"label":2}]`, 0, true},
		{"1,2", 0, true},
		{"1,2,1,4", 0, true},
		{"a,2,1", 0, true},
		{"-1,2,1", 0, true},
		{"1,2,3", 0, true},
		{"NaN,2,1", 0, true},
		{"1,Inf,1", 0, true},
		{"+Inf,-Inf,0", 0, true},
		{"1e400,2,1", 0, true},
		{"[broken", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseHints(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseHints(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if len(got) != tt.want {
			t.Errorf("ParseHints(%q) = %v, want %d points", tt.raw, got, tt.want)
		}
	}
}

func TestGetResultBeforeAndAfterPrimaryArtifact(t *testing.T) {
	svc, st, _ := newTestService(t)
	rec, err := svc.Submit(context.Background(), SubmitRequest{Kind: "single_image", Sources: writeFiles(t, pngHeader, "a.png")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetResult(rec.ID); !errors.Is(err, ErrResultNotReady) {
		t.Fatalf("GetResult() error = %v, want ErrResultNotReady", err)
	}

	st.SetResult(rec.ID, map[string]interface{}{
		models.ResultPrimaryPath: "/out/point_cloud.ply",
		models.ResultPrimaryURL:  "https://cdn.test/point_cloud.ply",
	}, 42)
	res, err := svc.GetResult(rec.ID)
	if err != nil {
		t.Fatalf("GetResult() error = %v", err)
	}
	if res.PrimaryURL != "https://cdn.test/point_cloud.ply" || res.Size != 42 || res.SecondaryURL != "" {
		t.Errorf("result = %+v", res)
	}
	if _, err := svc.GetResult("missing"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("GetResult(missing) error = %v", err)
	}
}

func TestCancel(t *testing.T) {
	svc, st, _ := newTestService(t)
	rec, _ := svc.Submit(context.Background(), SubmitRequest{Kind: "single_image", Sources: writeFiles(t, pngHeader, "a.png")})

	if err := svc.Cancel(rec.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	got, _ := st.Get(rec.ID)
	if got.Status != models.TaskStatusCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
	if err := svc.Cancel(rec.ID); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("second Cancel() error = %v, want ErrNotCancellable", err)
	}
	if err := svc.Cancel("missing"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("Cancel(missing) error = %v", err)
	}
}

func TestDeleteRemovesTaskAndPublishedObjects(t *testing.T) {
	remote := &fakeRemote{deleted: make(chan string, 1)}
	svc, st, _ := newTestService(t, WithRemoteCleaner(remote))
	rec, _ := svc.Submit(context.Background(), SubmitRequest{Kind: "single_image", Sources: writeFiles(t, pngHeader, "a.png")})

	if _, err := svc.Delete(rec.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if st.Exists(rec.ID) {
		t.Error("task still exists")
	}
	select {
	case id := <-remote.deleted:
		if id != rec.ID {
			t.Errorf("remote delete for %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("published objects were not removed")
	}
	if _, err := svc.Delete(rec.ID); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestStats(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.Submit(context.Background(), SubmitRequest{Kind: "single_image", Sources: writeFiles(t, pngHeader, "a.png")})
	s := svc.Stats()
	if s.Total != 1 || s.Queued != 1 || s.Limit != 2 {
		t.Errorf("Stats() = %+v", s)
	}
}
