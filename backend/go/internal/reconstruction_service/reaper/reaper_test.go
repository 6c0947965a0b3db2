package reaper

import (
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/internal/reconstruction_service/store"
	"SceneGen/backend/go/pkg/logger"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func create(t *testing.T, st *store.Store) string {
	t.Helper()
	id, err := st.Create(models.TaskKindMultiImage, models.TaskInput{Sources: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestSweepDeletesExpiredTasks(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := store.New(store.WithClock(c.now))

	old := create(t, st)
	dir := t.TempDir()
	workspace := filepath.Join(dir, "ws")
	os.MkdirAll(workspace, 0o755)
	st.ReserveArtifacts(old, workspace)
	st.UpdateStatus(old, models.TaskStatusFailed, "validate failed: bad input")

	c.t = c.t.Add(20 * time.Hour)
	fresh := create(t, st)

	var cleaned []string
	r := New(st, 24*time.Hour, time.Hour, logger.Nop(), WithRemoteCleanup(func(ctx context.Context, id string) {
		cleaned = append(cleaned, id)
	}))

	res := r.Sweep(context.Background(), c.t.Add(5*time.Hour))
	if len(res.Deleted) != 1 || res.Deleted[0] != old {
		t.Fatalf("Deleted = %v, want [%s]", res.Deleted, old)
	}
	if _, err := st.Get(fresh); err != nil {
		t.Errorf("fresh task deleted: %v", err)
	}
	if _, err := os.Stat(workspace); !os.IsNotExist(err) {
		t.Errorf("workspace of expired task not removed")
	}
	if len(cleaned) != 1 || cleaned[0] != old {
		t.Errorf("remote cleanup calls = %v", cleaned)
	}
}

func TestSweepAgesFromCompletion(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := store.New(store.WithClock(c.now))
	id := create(t, st)

	c.t = c.t.Add(30 * time.Hour)
	st.UpdateStatus(id, models.TaskStatusCancelled, "cancelled by user")

	r := New(st, 24*time.Hour, time.Hour, logger.Nop())
	if res := r.Sweep(context.Background(), c.t.Add(time.Hour)); len(res.Deleted) != 0 {
		t.Errorf("task deleted one hour after completion: %v", res.Deleted)
	}
	if res := r.Sweep(context.Background(), c.t.Add(25*time.Hour)); len(res.Deleted) != 1 {
		t.Errorf("Deleted = %v, want the task", res.Deleted)
	}
}

func TestSweepSkipsLeasedTasks(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := store.New(store.WithClock(c.now))
	busy := create(t, st)
	idle := create(t, st)
	st.UpdateStatus(busy, models.TaskStatusCancelled, "cancelled by user")
	st.UpdateStatus(idle, models.TaskStatusFailed, "train failed: exit status 1")
	lease, err := st.Acquire(busy)
	if err != nil {
		t.Fatal(err)
	}

	r := New(st, time.Hour, time.Hour, logger.Nop())
	later := c.t.Add(48 * time.Hour)
	res := r.Sweep(context.Background(), later)
	if len(res.Deleted) != 1 || res.Deleted[0] != idle {
		t.Errorf("Deleted = %v, want [%s]", res.Deleted, idle)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != busy {
		t.Errorf("Skipped = %v, want [%s]", res.Skipped, busy)
	}

	lease.Release()
	res = r.Sweep(context.Background(), later)
	if len(res.Deleted) != 1 || res.Deleted[0] != busy {
		t.Errorf("second sweep deleted %v, want [%s]", res.Deleted, busy)
	}
}

func TestSweepKeepsUnfinishedTasks(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := store.New(store.WithClock(c.now))
	queued := create(t, st)
	running := create(t, st)
	st.UpdateStatus(running, models.TaskStatusValidating, "validating input")

	r := New(st, 24*time.Hour, time.Hour, logger.Nop())
	res := r.Sweep(context.Background(), c.t.Add(25*time.Hour))
	if len(res.Deleted) != 0 || len(res.Skipped) != 0 {
		t.Fatalf("Sweep() = %+v, want nothing touched", res)
	}
	for _, id := range []string{queued, running} {
		if _, err := st.Get(id); err != nil {
			t.Errorf("unfinished task %s removed: %v", id, err)
		}
	}
}
