package pipeline

import (
	"SceneGen/backend/go/internal/config"
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/internal/reconstruction_service/media"
	"SceneGen/backend/go/pkg/logger"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func newTestAdapter(t *testing.T) (*SubprocessAdapter, config.PipelineConfig) {
	t.Helper()
	cfg := config.Default()
	root := t.TempDir()
	cfg.Pipeline.WorkDir = root
	cfg.Pipeline.AssetsDir = filepath.Join(root, "assets")
	cfg.Pipeline.OutputDir = filepath.Join(root, "output")
	cfg.Pipeline.Iterations = 1000
	return NewSubprocessAdapter(cfg.Pipeline, media.NewClassifier(cfg.Storage), logger.Nop()), cfg.Pipeline
}

func writeImages(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	var out []string
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, "img"+string(rune('a'+i))+".png")
		if err := os.WriteFile(p, pngHeader, 0o644); err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

func TestParseTrainingProgress(t *testing.T) {
	tests := []struct {
		line string
		want float64
		ok   bool
	}{
		{"Training progress:  45%|####      | 450/1000 [00:10<00:12]", 0.45, true},
		{"[ITER 250] Evaluating test", 0.25, true},
		{"[ITER 5000] overshoot", 1, true},
		{"loading cameras", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseTrainingProgress(tt.line, 1000)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseTrainingProgress(%q) = %v, %v; want %v, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestPrepareInputRejectsTooFewImages(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.PrepareInput(context.Background(), Job{TaskID: "t1", Kind: models.TaskKindMultiImage, Sources: writeImages(t, 2)})
	if KindOf(err) != KindValidation {
		t.Fatalf("PrepareInput() error = %v, want validation error", err)
	}
	if StageOf(err, "") != StageValidate {
		t.Errorf("stage = %s, want %s", StageOf(err, ""), StageValidate)
	}
}

func TestPrepareInputLaysOutWorkspace(t *testing.T) {
	a, cfg := newTestAdapter(t)
	hints := []models.HintPoint{{X: 10, Y: 20, Label: 1}}
	ws, err := a.PrepareInput(context.Background(), Job{TaskID: "t2", Kind: models.TaskKindMultiImage, Sources: writeImages(t, 3), Hints: hints})
	if err != nil {
		t.Fatalf("PrepareInput() error = %v", err)
	}
	if ws.NViews != 3 {
		t.Errorf("NViews = %d, want 3", ws.NViews)
	}
	if want := filepath.Join(cfg.OutputDir, cfg.Dataset, "t2", "3_views"); ws.ModelDir != want {
		t.Errorf("ModelDir = %s, want %s", ws.ModelDir, want)
	}
	entries, _ := os.ReadDir(ws.ImagesDir)
	if len(entries) != 3 {
		t.Errorf("images copied = %d, want 3", len(entries))
	}
	if _, err := os.Stat(filepath.Join(ws.SourceDir, "hints.json")); err != nil {
		t.Errorf("hints.json not written: %v", err)
	}
	if len(ws.OwnedPaths()) != 2 {
		t.Errorf("OwnedPaths() = %v", ws.OwnedPaths())
	}
}

func TestCollectPrimaryArtifactPicksNewestIteration(t *testing.T) {
	a, _ := newTestAdapter(t)
	ws := &Workspace{TaskID: "t3", ModelDir: t.TempDir(), NViews: 3}

	old := filepath.Join(ws.ModelDir, "point_cloud", "iteration_500", "point_cloud.ply")
	newer := filepath.Join(ws.ModelDir, "point_cloud", "iteration_1000", "point_cloud.ply")
	stray := filepath.Join(ws.ModelDir, "other.ply")
	for _, p := range []string{old, newer, stray} {
		os.MkdirAll(filepath.Dir(p), 0o755)
		if err := os.WriteFile(p, []byte("ply"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-time.Hour)
	os.Chtimes(old, past, past)

	art, err := a.CollectPrimaryArtifact(context.Background(), ws)
	if err != nil {
		t.Fatalf("CollectPrimaryArtifact() error = %v", err)
	}
	if art.Path != newer {
		t.Errorf("Path = %s, want %s", art.Path, newer)
	}
	if art.Size != 3 || art.Metrics["n_views"] != 3 {
		t.Errorf("artifact = %+v", art)
	}
}

func TestCollectPrimaryArtifactMissing(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.CollectPrimaryArtifact(context.Background(), &Workspace{TaskID: "t4", ModelDir: t.TempDir()})
	if KindOf(err) != KindResource {
		t.Fatalf("error = %v, want resource error", err)
	}
}

func TestRunReportsTimeout(t *testing.T) {
	a, cfg := newTestAdapter(t)
	cfg.TrainCommand = []string{"sleep", "5"}
	cfg.TrainTimeout = config.D(100 * time.Millisecond)
	a.cfg = cfg

	ws := &Workspace{TaskID: "t5", ModelDir: t.TempDir()}
	err := a.Train(context.Background(), ws, nil)
	if !IsTimeout(err) {
		t.Fatalf("Train() error = %v, want timeout", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageTrain {
		t.Errorf("error = %v, want training stage", err)
	}
}

func TestAbortStopsRunningStage(t *testing.T) {
	a, cfg := newTestAdapter(t)
	cfg.InitCommand = []string{"sleep", "5"}
	a.cfg = cfg

	ws := &Workspace{TaskID: "t6", ModelDir: t.TempDir()}
	done := make(chan error, 1)
	go func() { done <- a.GeometricInit(context.Background(), ws) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		a.mu.Lock()
		n := len(a.running["t6"])
		a.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := a.Abort(context.Background(), "t6"); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}

	select {
	case err := <-done:
		if KindOf(err) != KindSubprocess {
			t.Errorf("GeometricInit() error = %v, want subprocess error", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("GeometricInit did not return after Abort")
	}
}

func TestRenderAsyncCallsBackOnce(t *testing.T) {
	a, cfg := newTestAdapter(t)
	cfg.RenderCommand = []string{"sh", "-c", "mkdir -p video && echo x > video/out.mp4"}
	a.cfg = cfg

	ws := &Workspace{TaskID: "t7", ModelDir: t.TempDir()}
	cfg.WorkDir = ws.ModelDir
	a.cfg = cfg

	type outcome struct {
		id  string
		res *RenderResult
		err error
	}
	got := make(chan outcome, 2)
	a.RenderAsync(context.Background(), ws, func(id string, res *RenderResult, err error) {
		got <- outcome{id, res, err}
	})

	select {
	case o := <-got:
		if o.err != nil || o.id != "t7" {
			t.Fatalf("callback = %+v", o)
		}
		if len(o.res.Files) != 1 || filepath.Base(o.res.Files[0]) != "out.mp4" {
			t.Errorf("render files = %v", o.res.Files)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("render callback not invoked")
	}
	select {
	case o := <-got:
		t.Errorf("callback invoked twice: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}
