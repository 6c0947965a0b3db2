package pipeline

import (
	"SceneGen/backend/go/internal/models"
	"context"
)

// Job is the input handed to PrepareInput.
type Job struct {
	TaskID  string
	Kind    models.TaskKind
	Sources []string
	Hints   []models.HintPoint
}

// Workspace is the on-disk layout of one task, produced by PrepareInput and threaded through later stages.
type Workspace struct {
	TaskID    string
	Kind      models.TaskKind
	SourceDir string // root passed to the pipeline as -s
	ImagesDir string
	OutputDir string // per-task output root
	ModelDir  string // passed to the pipeline as -m
	VideoPath string
	NViews    int
	Hints     []models.HintPoint
}

// OwnedPaths returns the directories the task owns and that must be removed with it.
func (w *Workspace) OwnedPaths() []string {
	var out []string
	if w.SourceDir != "" {
		out = append(out, w.SourceDir)
	}
	if w.OutputDir != "" {
		out = append(out, w.OutputDir)
	}
	return out
}

// Artifact describes the primary deliverable.
type Artifact struct {
	Path    string
	Type    string
	Size    int64
	Files   map[string]string
	Metrics map[string]interface{}
}

// RenderResult describes the secondary artifact produced by RenderAsync.
type RenderResult struct {
	OutputDir string
	Files     []string
	Metrics   map[string]interface{}
}

// ProgressFunc reports progress inside a stage. fraction is in [0,1].
type ProgressFunc func(fraction float64, message string)

// RenderCallback receives the outcome of RenderAsync, keyed by task id.
type RenderCallback func(taskID string, result *RenderResult, err error)

// Adapter is the staged contract of the external reconstruction pipeline.
// Every stage bounds its own blocking time and reports a *StageError with KindTimeout when it overruns.
type Adapter interface {
	// PrepareInput validates the sources and lays out the workspace.
	PrepareInput(ctx context.Context, job Job) (*Workspace, error)
	// ExtractFrames turns a video source into images. Only called for video tasks.
	ExtractFrames(ctx context.Context, ws *Workspace) error
	GeometricInit(ctx context.Context, ws *Workspace) error
	Train(ctx context.Context, ws *Workspace, progress ProgressFunc) error
	CollectPrimaryArtifact(ctx context.Context, ws *Workspace) (*Artifact, error)
	// RenderAsync starts the enrichment stage and returns immediately.
	// cb is called exactly once, from another goroutine.
	RenderAsync(ctx context.Context, ws *Workspace, cb RenderCallback)
	// Abort releases whatever external resources the task holds. Best-effort.
	Abort(ctx context.Context, taskID string) error
}
