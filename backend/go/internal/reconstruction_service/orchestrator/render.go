package orchestrator

import (
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/internal/reconstruction_service/pipeline"
	"SceneGen/backend/go/internal/reconstruction_service/store"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// startRender launches the enrichment stage. The lease moves to the callback, which looks the
// record up by id again and never changes its status. A panic in the callback is recorded as an
// enrichment error and the lease is still released.
func (r *Runner) startRender(ctx context.Context, x *run, lease *store.Lease) {
	r.renders.Add(1)
	ws := x.ws
	r.adapter.RenderAsync(ctx, ws, func(id string, res *pipeline.RenderResult, err error) {
		defer r.renders.Done()
		defer lease.Release()
		log := x.log.WithStage(string(pipeline.StageRender))
		defer func() {
			if p := recover(); p != nil {
				log.WithPayload(map[string]interface{}{"panic": fmt.Sprint(p)}).Error("Render continuation panicked")
				_ = r.store.SetEnrichmentError(id, fmt.Sprintf("%s failed: panic: %v", pipeline.StageRender, p))
			}
		}()

		if err != nil {
			cause := err
			var se *pipeline.StageError
			if errors.As(err, &se) {
				cause = se.Err
			}
			msg := fmt.Sprintf("%s failed: %v", pipeline.StageRender, cause)
			if serr := r.store.SetEnrichmentError(id, msg); serr != nil {
				log.WithErr(serr).Debug("Render result discarded")
				return
			}
			log.WithErr(err).Warn("Rendering failed")
			return
		}

		if ok := r.store.Exists(id); !ok {
			log.Debug("Render result discarded, task is gone")
			return
		}
		_ = r.store.ReserveArtifacts(id, res.OutputDir)
		fields := map[string]interface{}{}
		if video := pickSecondary(res.Files); video != "" {
			fields[models.ResultSecondaryPath] = video
			pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout.Duration)
			pub, perr := r.publisher.Publish(pubCtx, id, video)
			cancel()
			if perr != nil {
				fields[models.ResultEnrichmentError] = fmt.Sprintf("%s failed: %v", pipeline.StagePublish, perr)
			} else {
				fields[models.ResultSecondaryURL] = pub.URL
			}
		}
		if len(res.Metrics) > 0 {
			fields["render_metrics"] = res.Metrics
		}
		if err := r.store.SetResult(id, fields, 0); err != nil {
			log.WithErr(err).Debug("Render result discarded")
			if _, published := fields[models.ResultSecondaryURL]; published && errors.Is(err, store.ErrTaskNotFound) {
				_ = r.publisher.Delete(context.Background(), id)
			}
			return
		}
		log.WithPayload(map[string]interface{}{"files": len(res.Files)}).Info("Rendering finished")
	})
}

// pickSecondary prefers a video over still frames.
func pickSecondary(files []string) string {
	for _, f := range files {
		if strings.EqualFold(filepath.Ext(f), ".mp4") {
			return f
		}
	}
	if len(files) > 0 {
		return files[0]
	}
	return ""
}
