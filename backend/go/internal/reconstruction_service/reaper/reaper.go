package reaper

import (
	"SceneGen/backend/go/internal/reconstruction_service/store"
	"SceneGen/backend/go/pkg/logger"
	"context"
	"errors"
	"time"
)

// Result lists what one sweep did.
type Result struct {
	Deleted []string
	Skipped []string
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithRemoteCleanup runs fn for every deleted task, after its record is gone.
func WithRemoteCleanup(fn func(ctx context.Context, id string)) Option {
	return func(r *Reaper) { r.remote = fn }
}

// Reaper deletes finished tasks older than the retention period.
type Reaper struct {
	store     *store.Store
	retention time.Duration
	interval  time.Duration
	remote    func(ctx context.Context, id string)
	logger    *logger.Logger
}

// New creates a Reaper.
func New(st *store.Store, retention, interval time.Duration, logger *logger.Logger, opts ...Option) *Reaper {
	r := &Reaper{
		store:     st,
		retention: retention,
		interval:  interval,
		logger:    logger.WithComponent("reaper"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start sweeps every interval until ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.WithPayload(map[string]interface{}{
		"retention": r.retention.String(),
		"interval":  r.interval.String(),
	}).Info("Reaper started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(ctx, now)
		}
	}
}

// Sweep deletes every terminal task whose age at now exceeds the retention.
// Age counts from completion. Queued and running tasks are never reaped.
// Tasks still held by a render continuation are skipped and picked up by a later sweep.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) Result {
	var res Result
	for _, rec := range r.store.Records() {
		if !rec.Status.IsTerminal() {
			continue
		}
		since := rec.CreatedAt
		if rec.CompletedAt != nil {
			since = *rec.CompletedAt
		}
		if now.Sub(since) <= r.retention {
			continue
		}

		removed, err := r.store.TryDelete(rec.ID)
		switch {
		case errors.Is(err, store.ErrTaskLeased):
			res.Skipped = append(res.Skipped, rec.ID)
			continue
		case errors.Is(err, store.ErrTaskNotFound):
			continue
		case err != nil:
			r.logger.WithTask(rec.ID).WithErr(err).Warn("Failed to delete expired task")
			continue
		}
		res.Deleted = append(res.Deleted, rec.ID)
		if r.remote != nil {
			r.remote(ctx, rec.ID)
		}
		r.logger.WithTask(rec.ID).WithPayload(map[string]interface{}{
			"status":  rec.Status,
			"removed": removed,
		}).Info("Expired task deleted")
	}
	if len(res.Deleted) > 0 || len(res.Skipped) > 0 {
		r.logger.WithPayload(map[string]interface{}{
			"deleted": len(res.Deleted),
			"skipped": len(res.Skipped),
		}).Info("Sweep finished")
	}
	return res
}
