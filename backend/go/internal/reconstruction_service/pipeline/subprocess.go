package pipeline

import (
	"SceneGen/backend/go/internal/config"
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/internal/reconstruction_service/media"
	"SceneGen/backend/go/pkg/logger"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const minViews = 3

// SubprocessAdapter drives the reconstruction scripts as child processes.
type SubprocessAdapter struct {
	cfg        config.PipelineConfig
	classifier *media.Classifier
	logger     *logger.Logger

	mu      sync.Mutex
	running map[string]map[uint64]context.CancelFunc
	nextRun uint64
}

// NewSubprocessAdapter creates an adapter for the configured pipeline checkout.
func NewSubprocessAdapter(cfg config.PipelineConfig, classifier *media.Classifier, logger *logger.Logger) *SubprocessAdapter {
	return &SubprocessAdapter{
		cfg:        cfg,
		classifier: classifier,
		logger:     logger.WithComponent("pipeline"),
		running:    make(map[string]map[uint64]context.CancelFunc),
	}
}

func expectation(kind models.TaskKind) (want media.Type, lo, hi int) {
	switch kind {
	case models.TaskKindVideo:
		return media.Video, 1, 1
	case models.TaskKindSingleImage:
		return media.Image, 1, 1
	default:
		return media.Image, minViews, 0
	}
}

// PrepareInput implements Adapter.
func (a *SubprocessAdapter) PrepareInput(ctx context.Context, job Job) (*Workspace, error) {
	want, lo, hi := expectation(job.Kind)
	if len(job.Sources) < lo || (hi > 0 && len(job.Sources) > hi) {
		return nil, Errorf(StageValidate, KindValidation, "%s task needs %s, got %d", job.Kind, describeCount(lo, hi), len(job.Sources))
	}
	for _, src := range job.Sources {
		if err := a.classifier.Verify(src, want); err != nil {
			return nil, NewStageError(StageValidate, KindValidation, err)
		}
	}

	sourceDir, err := filepath.Abs(filepath.Join(a.cfg.AssetsDir, a.cfg.Dataset, job.TaskID))
	if err != nil {
		return nil, NewStageError(StageValidate, KindResource, err)
	}
	outputDir, err := filepath.Abs(filepath.Join(a.cfg.OutputDir, a.cfg.Dataset, job.TaskID))
	if err != nil {
		return nil, NewStageError(StageValidate, KindResource, err)
	}
	ws := &Workspace{
		TaskID:    job.TaskID,
		Kind:      job.Kind,
		SourceDir: sourceDir,
		ImagesDir: filepath.Join(sourceDir, "images"),
		OutputDir: outputDir,
		Hints:     append([]models.HintPoint(nil), job.Hints...),
	}
	if err := os.MkdirAll(ws.ImagesDir, 0o755); err != nil {
		return ws, NewStageError(StageValidate, KindResource, err)
	}

	if job.Kind == models.TaskKindVideo {
		ws.VideoPath = job.Sources[0]
	} else {
		for i, src := range job.Sources {
			if err := ctx.Err(); err != nil {
				return ws, NewStageError(StageValidate, KindSubprocess, err)
			}
			dst := filepath.Join(ws.ImagesDir, fmt.Sprintf("%03d%s", i, strings.ToLower(filepath.Ext(src))))
			if err := copyFile(src, dst); err != nil {
				return ws, NewStageError(StageValidate, KindResource, err)
			}
		}
		ws.setViews(len(job.Sources))
	}

	if len(ws.Hints) > 0 {
		data, err := json.Marshal(ws.Hints)
		if err != nil {
			return ws, NewStageError(StageValidate, KindValidation, err)
		}
		if err := os.WriteFile(filepath.Join(ws.SourceDir, "hints.json"), data, 0o644); err != nil {
			return ws, NewStageError(StageValidate, KindResource, err)
		}
	}
	return ws, nil
}

func describeCount(lo, hi int) string {
	switch {
	case lo == hi:
		return fmt.Sprintf("exactly %d source", lo)
	case hi == 0:
		return fmt.Sprintf("at least %d sources", lo)
	}
	return fmt.Sprintf("%d to %d sources", lo, hi)
}

func (w *Workspace) setViews(n int) {
	w.NViews = n
	w.ModelDir = filepath.Join(w.OutputDir, fmt.Sprintf("%d_views", n))
}

// ExtractFrames implements Adapter.
func (a *SubprocessAdapter) ExtractFrames(ctx context.Context, ws *Workspace) error {
	if ws.VideoPath == "" {
		return Errorf(StageExtract, KindValidation, "no video source")
	}
	args := []string{
		a.cfg.FFmpegBin, "-hide_banner", "-loglevel", "error",
		"-i", ws.VideoPath,
		"-vf", fmt.Sprintf("fps=%d", a.cfg.FrameRate),
		"-frames:v", strconv.Itoa(a.cfg.MaxFrames),
		"-q:v", "2",
		filepath.Join(ws.ImagesDir, "%04d.jpg"),
	}
	if err := a.run(ctx, StageExtract, ws.TaskID, a.cfg.ExtractTimeout.Duration, args, ws.SourceDir, "00_extract.log", nil); err != nil {
		return err
	}
	entries, err := os.ReadDir(ws.ImagesDir)
	if err != nil {
		return NewStageError(StageExtract, KindResource, err)
	}
	frames := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jpg") {
			frames++
		}
	}
	if frames < minViews {
		return Errorf(StageExtract, KindValidation, "only %d frames extracted, need at least %d", frames, minViews)
	}
	ws.setViews(frames)
	return nil
}

// GeometricInit implements Adapter.
func (a *SubprocessAdapter) GeometricInit(ctx context.Context, ws *Workspace) error {
	if err := os.MkdirAll(ws.ModelDir, 0o755); err != nil {
		return NewStageError(StageInit, KindResource, err)
	}
	return a.run(ctx, StageInit, ws.TaskID, a.cfg.InitTimeout.Duration, a.expand(a.cfg.InitCommand, ws), ws.ModelDir, "01_init_geo.log", nil)
}

// Train implements Adapter. Progress comes from the script output when it prints any,
// otherwise from elapsed time against the stage timeout.
func (a *SubprocessAdapter) Train(ctx context.Context, ws *Workspace, progress ProgressFunc) error {
	timeout := a.cfg.TrainTimeout.Duration
	start := time.Now()

	var mu sync.Mutex
	parsed := -1.0
	report := func(f float64, msg string) {
		if progress != nil {
			progress(f, msg)
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				elapsed := time.Since(start)
				mu.Lock()
				f := parsed
				mu.Unlock()
				if f < 0 {
					f = elapsed.Seconds() / timeout.Seconds()
					if f > 0.99 {
						f = 0.99
					}
				}
				report(f, fmt.Sprintf("training (%.0fs elapsed)", elapsed.Seconds()))
			}
		}
	}()

	onLine := func(line string) {
		if f, ok := ParseTrainingProgress(line, a.cfg.Iterations); ok {
			mu.Lock()
			if f > parsed {
				parsed = f
			}
			mu.Unlock()
		}
	}
	err := a.run(ctx, StageTrain, ws.TaskID, timeout, a.expand(a.cfg.TrainCommand, ws), ws.ModelDir, "02_train.log", onLine)
	close(stop)
	wg.Wait()
	return err
}

var (
	primaryPatterns    = compileAll("point_cloud/iteration_*/point_cloud.ply", "point_cloud.ply", "*.ply")
	checkpointPatterns = compileAll("chkpnt*.pth", "*.pth")
	renderPatterns     = compileAll("**.mp4", "**/renders/*.png")
)

// CollectPrimaryArtifact implements Adapter.
func (a *SubprocessAdapter) CollectPrimaryArtifact(ctx context.Context, ws *Workspace) (*Artifact, error) {
	files, err := listFiles(ws.ModelDir)
	if err != nil {
		return nil, NewStageError(StageCollect, KindResource, err)
	}
	ply, info := newestMatch(ws.ModelDir, files, primaryPatterns)
	if ply == "" {
		return nil, Errorf(StageCollect, KindResource, "no point cloud found under %s", ws.ModelDir)
	}
	art := &Artifact{
		Path:  ply,
		Type:  "ply",
		Size:  info.Size(),
		Files: map[string]string{"point_cloud": ply},
		Metrics: map[string]interface{}{
			"n_views":      ws.NViews,
			"iterations":   a.cfg.Iterations,
			"file_size_mb": float64(info.Size()) / (1024 * 1024),
		},
	}
	if ckpt, _ := newestMatch(ws.ModelDir, files, checkpointPatterns); ckpt != "" {
		art.Files["model"] = ckpt
	}
	a.logger.WithTask(ws.TaskID).WithPayload(map[string]interface{}{"path": ply, "size": info.Size()}).Info("Collected primary artifact")
	return art, nil
}

// RenderAsync implements Adapter.
func (a *SubprocessAdapter) RenderAsync(ctx context.Context, ws *Workspace, cb RenderCallback) {
	go func() {
		var (
			result *RenderResult
			err    error
		)
		defer func() {
			if r := recover(); r != nil {
				err = Errorf(StageRender, KindSubprocess, "render panicked: %v", r)
				result = nil
			}
			cb(ws.TaskID, result, err)
		}()

		err = a.run(ctx, StageRender, ws.TaskID, a.cfg.RenderTimeout.Duration, a.expand(a.cfg.RenderCommand, ws), ws.ModelDir, "03_render.log", nil)
		if err != nil {
			return
		}
		files, lerr := listFiles(ws.ModelDir)
		if lerr != nil {
			err = NewStageError(StageRender, KindResource, lerr)
			return
		}
		var outputs []string
		for _, f := range files {
			for _, g := range renderPatterns {
				if g.Match(f) {
					outputs = append(outputs, filepath.Join(ws.ModelDir, filepath.FromSlash(f)))
					break
				}
			}
		}
		if len(outputs) == 0 {
			err = Errorf(StageRender, KindResource, "render produced no output under %s", ws.ModelDir)
			return
		}
		result = &RenderResult{
			OutputDir: ws.ModelDir,
			Files:     outputs,
			Metrics:   map[string]interface{}{"total_renders": len(outputs)},
		}
	}()
}

// Abort implements Adapter by cancelling every child process the task has running.
func (a *SubprocessAdapter) Abort(ctx context.Context, taskID string) error {
	a.mu.Lock()
	runs := a.running[taskID]
	delete(a.running, taskID)
	a.mu.Unlock()
	for _, cancel := range runs {
		cancel()
	}
	if len(runs) > 0 {
		a.logger.WithTask(taskID).WithPayload(map[string]interface{}{"processes": len(runs)}).Info("Aborted running pipeline processes")
	}
	return nil
}

func (a *SubprocessAdapter) track(taskID string, cancel context.CancelFunc) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextRun++
	n := a.nextRun
	if a.running[taskID] == nil {
		a.running[taskID] = make(map[uint64]context.CancelFunc)
	}
	a.running[taskID][n] = cancel
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if runs, ok := a.running[taskID]; ok {
			delete(runs, n)
			if len(runs) == 0 {
				delete(a.running, taskID)
			}
		}
	}
}

func (a *SubprocessAdapter) expand(tmpl []string, ws *Workspace) []string {
	r := strings.NewReplacer(
		"{source}", ws.SourceDir,
		"{model}", ws.ModelDir,
		"{n_views}", strconv.Itoa(ws.NViews),
		"{iterations}", strconv.Itoa(a.cfg.Iterations),
	)
	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		out[i] = r.Replace(arg)
	}
	return out
}

func (a *SubprocessAdapter) env() []string {
	cuda := ""
	if a.cfg.UseCUDA {
		cuda = "0"
	}
	return append(os.Environ(),
		"CUDA_VISIBLE_DEVICES="+cuda,
		"MKL_THREADING_LAYER=INTEL",
		"MKL_SERVICE_FORCE_INTEL=1",
		"OMP_NUM_THREADS=1",
	)
}

// run executes one child process under its own deadline, tees its output to logDir/logName
// and classifies the outcome as a StageError.
func (a *SubprocessAdapter) run(ctx context.Context, stage Stage, taskID string, timeout time.Duration, args []string, logDir, logName string, onLine func(string)) error {
	if len(args) == 0 {
		return Errorf(stage, KindResource, "no command configured")
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	untrack := a.track(taskID, cancel)
	defer untrack()

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return NewStageError(stage, KindResource, err)
	}
	logFile, err := os.Create(filepath.Join(logDir, logName))
	if err != nil {
		return NewStageError(stage, KindResource, err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = a.cfg.WorkDir
	cmd.Env = a.env()
	cmd.WaitDelay = 10 * time.Second
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	tail := newTail(20)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			fmt.Fprintln(logFile, line)
			tail.add(line)
			if onLine != nil {
				onLine(line)
			}
		}
		io.Copy(io.Discard, pr)
	}()

	log := a.logger.WithTask(taskID).WithStage(string(stage))
	log.WithPayload(map[string]interface{}{"command": strings.Join(args, " "), "log": logFile.Name()}).Info("Starting pipeline process")

	runErr := cmd.Run()
	pw.Close()
	<-scanDone

	switch {
	case runErr == nil:
		log.Info("Pipeline process finished")
		return nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return Errorf(stage, KindTimeout, "exceeded %s", timeout)
	case runCtx.Err() != nil:
		return Errorf(stage, KindSubprocess, "aborted")
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		log.WithPayload(map[string]interface{}{"exit_code": exitErr.ExitCode(), "tail": tail.String()}).Error("Pipeline process failed")
		return Errorf(stage, KindSubprocess, "exit code %d: %s", exitErr.ExitCode(), tail.last())
	}
	return NewStageError(stage, KindResource, runErr)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

type tailBuffer struct {
	size  int
	lines []string
}

func newTail(size int) *tailBuffer { return &tailBuffer{size: size} }

func (t *tailBuffer) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.size {
		t.lines = t.lines[len(t.lines)-t.size:]
	}
}

func (t *tailBuffer) last() string {
	for i := len(t.lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(t.lines[i]); s != "" {
			return s
		}
	}
	return "no output"
}

func (t *tailBuffer) String() string { return strings.Join(t.lines, "\n") }
