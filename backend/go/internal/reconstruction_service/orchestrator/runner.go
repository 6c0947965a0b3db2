package orchestrator

import (
	"SceneGen/backend/go/internal/config"
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/internal/reconstruction_service/notifier"
	"SceneGen/backend/go/internal/reconstruction_service/pipeline"
	"SceneGen/backend/go/internal/reconstruction_service/publisher"
	"SceneGen/backend/go/internal/reconstruction_service/store"
	"SceneGen/backend/go/pkg/logger"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errCancelled = errors.New("cancellation requested")

// Progress checkpoints.
const (
	progressValidated = 10
	progressExtracted = 15
	progressInit      = 30
	progressTrained   = 85
	progressCollected = 88
)

// Runner executes one task end to end. Run is handed to the scheduler as its RunFunc.
type Runner struct {
	store     *store.Store
	adapter   pipeline.Adapter
	publisher publisher.Publisher
	notify    *notifier.Dispatcher
	cfg       config.OrchestratorConfig
	logger    *logger.Logger

	renders sync.WaitGroup
}

// NewRunner creates a Runner and registers its cancellation hook on st.
func NewRunner(st *store.Store, adapter pipeline.Adapter, pub publisher.Publisher, notify *notifier.Dispatcher, cfg config.OrchestratorConfig, logger *logger.Logger) *Runner {
	r := &Runner{
		store:     st,
		adapter:   adapter,
		publisher: pub,
		notify:    notify,
		cfg:       cfg,
		logger:    logger.WithComponent("orchestrator"),
	}
	st.OnCancel(r.handleCancel)
	return r
}

// handleCancel interrupts whatever the pipeline is doing for id.
func (r *Runner) handleCancel(id string) {
	go func() {
		if err := r.adapter.Abort(context.Background(), id); err != nil {
			r.logger.WithTask(id).WithErr(err).Warn("Abort failed")
		}
	}()
}

// run carries the state of one execution.
type run struct {
	id        string
	rec       *models.TaskRecord
	ws        *pipeline.Workspace
	stage     pipeline.Stage
	published *publisher.Published
	log       *logger.Logger
}

// Run executes the task. It returns once the primary phase is over; rendering continues in the background.
func (r *Runner) Run(ctx context.Context, id string) {
	log := r.logger.WithTask(id)
	lease, err := r.store.Acquire(id)
	if err != nil {
		log.WithErr(err).Warn("Skipping task")
		return
	}
	handedOff := false
	defer func() {
		if !handedOff {
			lease.Release()
		}
	}()

	rec, err := r.store.Get(id)
	if err != nil {
		log.WithErr(err).Warn("Skipping task")
		return
	}
	if rec.Status.IsTerminal() {
		log.WithPayload(map[string]interface{}{"status": rec.Status}).Info("Task already finished, skipping")
		return
	}

	x := &run{id: id, rec: rec, stage: pipeline.StageValidate, log: log}
	start := time.Now()
	if err := r.primary(ctx, x); err != nil {
		r.handleFailure(x, err)
		return
	}
	log.WithPayload(map[string]interface{}{"duration_ms": time.Since(start).Milliseconds()}).Info("Task completed")

	if !r.cfg.RenderEnabled() {
		return
	}
	handedOff = true
	r.startRender(ctx, x, lease)
}

// primary runs every stage up to and including COMPLETED.
func (r *Runner) primary(ctx context.Context, x *run) error {
	id := x.id

	if err := r.enter(x, pipeline.StageValidate, models.TaskStatusValidating, "validating input"); err != nil {
		return err
	}
	ws, err := r.adapter.PrepareInput(ctx, pipeline.Job{
		TaskID:  id,
		Kind:    x.rec.Kind,
		Sources: x.rec.Input.Sources,
		Hints:   x.rec.Input.Hints,
	})
	if ws != nil {
		x.ws = ws
		if rerr := r.store.ReserveArtifacts(id, ws.OwnedPaths()...); rerr != nil && err == nil {
			err = rerr
		}
	}
	if err != nil {
		return err
	}
	if err := r.progress(id, progressValidated, "input validated"); err != nil {
		return err
	}

	if x.rec.Kind == models.TaskKindVideo {
		if err := r.enter(x, pipeline.StageExtract, models.TaskStatusExtracting, "extracting frames"); err != nil {
			return err
		}
		if err := r.adapter.ExtractFrames(ctx, ws); err != nil {
			return err
		}
		if err := r.progress(id, progressExtracted, "frames extracted"); err != nil {
			return err
		}
	}

	if err := r.enter(x, pipeline.StageInit, models.TaskStatusProcessing, "initializing geometry"); err != nil {
		return err
	}
	if err := r.progress(id, 0, string(pipeline.StageInit)); err != nil {
		return err
	}
	if err := r.adapter.GeometricInit(ctx, ws); err != nil {
		return err
	}
	if err := r.progress(id, progressInit, "geometry initialized"); err != nil {
		return err
	}

	if err := r.enter(x, pipeline.StageTrain, "", ""); err != nil {
		return err
	}
	if err := r.progress(id, progressInit, string(pipeline.StageTrain)); err != nil {
		return err
	}
	err = r.adapter.Train(ctx, ws, func(fraction float64, message string) {
		pct := progressInit + int(fraction*float64(progressTrained-progressInit))
		_ = r.progress(id, pct, string(pipeline.StageTrain))
	})
	if err != nil {
		return err
	}
	if err := r.progress(id, progressTrained, "training finished"); err != nil {
		return err
	}

	if err := r.enter(x, pipeline.StageCollect, "", ""); err != nil {
		return err
	}
	art, err := r.adapter.CollectPrimaryArtifact(ctx, ws)
	if err != nil {
		return err
	}
	if err := r.progress(id, progressCollected, "artifact collected"); err != nil {
		return err
	}

	if err := r.enter(x, pipeline.StagePublish, "", ""); err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout.Duration)
	pub, err := r.publisher.Publish(pubCtx, id, art.Path)
	cancel()
	if err != nil {
		x.log.WithPayload(map[string]interface{}{"local_path": art.Path}).Warn("Artifact kept locally after publish failure")
		return pipeline.NewStageError(pipeline.StagePublish, pipeline.KindResource, err)
	}
	x.published = pub
	if err := r.checkpoint(id); err != nil {
		return err
	}

	fields := map[string]interface{}{
		models.ResultPrimaryPath: art.Path,
		models.ResultPrimaryURL:  pub.URL,
		models.ResultPrimarySize: pub.Size,
		models.ResultPrimaryType: art.Type,
		models.ResultOutputPath:  ws.ModelDir,
		models.ResultCompressed:  pub.Compressed,
	}
	if len(art.Metrics) > 0 {
		fields[models.ResultMetrics] = art.Metrics
	}
	if err := r.store.SetResult(id, fields, pub.Size); err != nil {
		return err
	}
	tr, err := r.store.UpdateStatus(id, models.TaskStatusCompleted, "reconstruction completed")
	if err != nil {
		return err
	}
	_ = r.store.UpdateProgress(id, 100, "completed", nil)

	if tr.FirstTerminal {
		r.dispatch(id, models.TaskStatusCompleted, pub.URL, "")
	}
	return nil
}

// enter checks for cancellation, optionally moves the record to status and records the current stage.
func (r *Runner) enter(x *run, stage pipeline.Stage, status models.TaskStatus, message string) error {
	if err := r.checkpoint(x.id); err != nil {
		return err
	}
	x.stage = stage
	if status == "" {
		return nil
	}
	_, err := r.store.UpdateStatus(x.id, status, message)
	return err
}

func (r *Runner) checkpoint(id string) error {
	cancelled, err := r.store.CancelRequested(id)
	if err != nil {
		return err
	}
	if cancelled {
		return errCancelled
	}
	return nil
}

// progress records percent and step. A zero percent keeps the current value.
func (r *Runner) progress(id string, percent int, step string) error {
	if percent == 0 {
		rec, err := r.store.Get(id)
		if err != nil {
			return err
		}
		percent = rec.Progress.Percent
	}
	err := r.store.UpdateProgress(id, percent, step, nil)
	if errors.Is(err, store.ErrProgressRegression) {
		return nil
	}
	return err
}

func (r *Runner) handleFailure(x *run, err error) {
	id := x.id
	cancelled, cerr := r.store.CancelRequested(id)
	if errors.Is(err, store.ErrTaskNotFound) || errors.Is(cerr, store.ErrTaskNotFound) {
		x.log.Info("Task deleted while running, stopping")
		r.cleanupRemote(x)
		return
	}
	if cancelled || errors.Is(err, errCancelled) {
		r.finishCancelled(x)
		return
	}

	stage := pipeline.StageOf(err, x.stage)
	cause := err
	var se *pipeline.StageError
	if errors.As(err, &se) {
		cause = se.Err
	}
	message := fmt.Sprintf("%s failed: %v", stage, cause)
	x.log.WithStage(string(stage)).WithErr(err).WithPayload(map[string]interface{}{"kind": pipeline.KindOf(err)}).Error("Task failed")

	r.cleanupRemote(x)
	tr, uerr := r.store.UpdateStatus(id, models.TaskStatusFailed, message)
	if uerr != nil {
		x.log.WithErr(uerr).Warn("Could not record failure")
		return
	}
	if tr.FirstTerminal {
		r.dispatch(id, models.TaskStatusFailed, "", message)
	}
}

func (r *Runner) finishCancelled(x *run) {
	if err := r.adapter.Abort(context.Background(), x.id); err != nil {
		x.log.WithErr(err).Warn("Abort failed")
	}
	r.cleanupRemote(x)
	removed, _ := r.store.PurgeArtifacts(x.id)
	if _, err := r.store.UpdateStatus(x.id, models.TaskStatusCancelled, "cancelled by user"); err != nil {
		x.log.WithErr(err).Warn("Could not record cancellation")
		return
	}
	x.log.WithStage(string(x.stage)).WithPayload(map[string]interface{}{"removed": removed}).Info("Task cancelled")
}

// cleanupRemote removes an artifact published by a run that did not complete.
func (r *Runner) cleanupRemote(x *run) {
	if x.published == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PublishTimeout.Duration)
	defer cancel()
	if err := r.publisher.Delete(ctx, x.id); err != nil {
		x.log.WithErr(err).Warn("Failed to remove published artifact")
	}
}

func (r *Runner) dispatch(id string, status models.TaskStatus, downloadURL, errMsg string) {
	rec, err := r.store.Get(id)
	if err != nil {
		return
	}
	n := notifier.Notification{
		Address:     rec.Input.NotifyAddress,
		TaskID:      id,
		Status:      status,
		Kind:        rec.Kind,
		DownloadURL: downloadURL,
		Error:       errMsg,
	}
	if rec.ProcessingTime != nil {
		n.ProcessingTime = *rec.ProcessingTime
	}
	r.notify.Dispatch(n)
}

// HandlePanic is the scheduler's panic handler: the task is failed at stage internal.
func (r *Runner) HandlePanic(id string, recovered interface{}, stack []byte) {
	log := r.logger.WithTask(id)
	_ = r.adapter.Abort(context.Background(), id)
	if cancelled, _ := r.store.CancelRequested(id); cancelled {
		_, _ = r.store.PurgeArtifacts(id)
		_, _ = r.store.UpdateStatus(id, models.TaskStatusCancelled, "cancelled by user")
		return
	}
	message := fmt.Sprintf("%s failed: %v", pipeline.StageInternal, recovered)
	tr, err := r.store.UpdateStatus(id, models.TaskStatusFailed, message)
	if err != nil {
		log.WithErr(err).Warn("Could not record panic")
		return
	}
	if tr.FirstTerminal {
		r.dispatch(id, models.TaskStatusFailed, "", message)
	}
}

// WaitRenders blocks until every detached render has reported back.
func (r *Runner) WaitRenders() {
	r.renders.Wait()
}
