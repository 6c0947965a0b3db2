package orchestrator

import (
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/internal/reconstruction_service/notifier"
	"SceneGen/backend/go/internal/reconstruction_service/pipeline"
	"SceneGen/backend/go/internal/reconstruction_service/publisher"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

type fakeAdapter struct {
	root string

	mu         sync.Mutex
	aborts     map[string]chan struct{}
	abortCalls map[string]int

	trainGate  chan struct{}
	renderGate chan struct{}
	failStage  pipeline.Stage
	panicStage pipeline.Stage
	renderErr  error
	badSource  bool
	stages     []pipeline.Stage
}

func newFakeAdapter(root string) *fakeAdapter {
	return &fakeAdapter{root: root, aborts: map[string]chan struct{}{}, abortCalls: map[string]int{}}
}

func (f *fakeAdapter) abortCh(id string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.aborts[id]
	if !ok {
		ch = make(chan struct{})
		f.aborts[id] = ch
	}
	return ch
}

func (f *fakeAdapter) aborted(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abortCalls[id]
}

func (f *fakeAdapter) enter(stage pipeline.Stage) error {
	f.mu.Lock()
	f.stages = append(f.stages, stage)
	panicHere, failHere := f.panicStage == stage, f.failStage == stage
	f.mu.Unlock()
	if panicHere {
		panic("pipeline exploded")
	}
	if failHere {
		return pipeline.Errorf(stage, pipeline.KindSubprocess, "exit status 1")
	}
	return nil
}

func (f *fakeAdapter) PrepareInput(ctx context.Context, job pipeline.Job) (*pipeline.Workspace, error) {
	if err := f.enter(pipeline.StageValidate); err != nil {
		return nil, err
	}
	if job.Kind == models.TaskKindMultiImage && len(job.Sources) < 3 {
		return nil, pipeline.Errorf(pipeline.StageValidate, pipeline.KindValidation, "need at least 3 images")
	}
	ws := &pipeline.Workspace{
		TaskID:    job.TaskID,
		Kind:      job.Kind,
		SourceDir: filepath.Join(f.root, "assets", job.TaskID),
		OutputDir: filepath.Join(f.root, "output", job.TaskID),
		NViews:    len(job.Sources),
	}
	ws.ModelDir = filepath.Join(ws.OutputDir, "3_views")
	for _, d := range []string{ws.SourceDir, ws.ModelDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}
	if f.badSource {
		return ws, pipeline.Errorf(pipeline.StageValidate, pipeline.KindValidation, "image 2 is not decodable")
	}
	return ws, nil
}

func (f *fakeAdapter) ExtractFrames(ctx context.Context, ws *pipeline.Workspace) error {
	return f.enter(pipeline.StageExtract)
}

func (f *fakeAdapter) GeometricInit(ctx context.Context, ws *pipeline.Workspace) error {
	return f.enter(pipeline.StageInit)
}

func (f *fakeAdapter) Train(ctx context.Context, ws *pipeline.Workspace, progress pipeline.ProgressFunc) error {
	if err := f.enter(pipeline.StageTrain); err != nil {
		return err
	}
	progress(0.5, "halfway")
	if f.trainGate == nil {
		return nil
	}
	select {
	case <-f.trainGate:
		return nil
	case <-f.abortCh(ws.TaskID):
		return pipeline.Errorf(pipeline.StageTrain, pipeline.KindSubprocess, "aborted")
	case <-ctx.Done():
		return pipeline.NewStageError(pipeline.StageTrain, pipeline.KindSubprocess, ctx.Err())
	}
}

func (f *fakeAdapter) CollectPrimaryArtifact(ctx context.Context, ws *pipeline.Workspace) (*pipeline.Artifact, error) {
	if err := f.enter(pipeline.StageCollect); err != nil {
		return nil, err
	}
	p := filepath.Join(ws.ModelDir, "point_cloud.ply")
	if err := os.WriteFile(p, []byte("ply"), 0o644); err != nil {
		return nil, err
	}
	return &pipeline.Artifact{Path: p, Type: "ply", Size: 3, Metrics: map[string]interface{}{"n_views": ws.NViews}}, nil
}

func (f *fakeAdapter) RenderAsync(ctx context.Context, ws *pipeline.Workspace, cb pipeline.RenderCallback) {
	go func() {
		f.enter(pipeline.StageRender)
		if f.renderGate != nil {
			select {
			case <-f.renderGate:
			case <-f.abortCh(ws.TaskID):
				cb(ws.TaskID, nil, pipeline.Errorf(pipeline.StageRender, pipeline.KindSubprocess, "aborted"))
				return
			}
		}
		if f.renderErr != nil {
			cb(ws.TaskID, nil, f.renderErr)
			return
		}
		dir := filepath.Join(ws.ModelDir, "video")
		os.MkdirAll(dir, 0o755)
		video := filepath.Join(dir, "render.mp4")
		os.WriteFile(video, []byte("mp4"), 0o644)
		cb(ws.TaskID, &pipeline.RenderResult{OutputDir: dir, Files: []string{video}}, nil)
	}()
}

func (f *fakeAdapter) Abort(ctx context.Context, taskID string) error {
	ch := f.abortCh(taskID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls[taskID]++
	select {
	case <-ch:
	default:
		close(ch)
	}
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	fail    bool
	panicOn string
	keys    []string
	deleted []string
}

func (p *fakePublisher) Publish(ctx context.Context, taskID, localPath string) (*publisher.Published, error) {
	if p.fail {
		return nil, errors.Join(publisher.ErrTransfer, errors.New("bucket unreachable"))
	}
	if p.panicOn != "" && filepath.Ext(localPath) == p.panicOn {
		panic("uploader exploded")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := taskID + "/" + filepath.Base(localPath)
	p.keys = append(p.keys, key)
	return &publisher.Published{URL: "https://cdn.test/" + key, Key: key, Size: 3}, nil
}

func (p *fakePublisher) Delete(ctx context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, taskID)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notifier.Notification
}

func (n *fakeNotifier) Notify(ctx context.Context, note notifier.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func (n *fakeNotifier) all() []notifier.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifier.Notification(nil), n.sent...)
}
