package store

import (
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/pkg/logger"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTaskNotFound is returned when no record exists for the given id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a status change is not an edge of the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyTerminal is returned when an operation needs a non-terminal record.
	ErrAlreadyTerminal = errors.New("task already in a terminal status")
	// ErrTaskLeased is returned when another worker holds the execution lease.
	ErrTaskLeased = errors.New("task is leased by a worker")
	// ErrProgressRegression is returned when a lower percent is reported for a running task.
	ErrProgressRegression = errors.New("progress may not decrease")
)

// Observer receives a snapshot after every successful mutation.
// It is called with the store lock held, so it must not block and must not call back into the Store.
type Observer interface {
	OnTaskEvent(event models.TaskEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(event models.TaskEvent)

// OnTaskEvent implements Observer.
func (f ObserverFunc) OnTaskEvent(event models.TaskEvent) { f(event) }

// Transition describes the outcome of UpdateStatus.
type Transition struct {
	From models.TaskStatus
	To   models.TaskStatus
	// FirstTerminal is true only for the call that moved the record into a terminal status.
	FirstTerminal bool
}

// Store is the in-memory registry of task records and the only shared mutable state of the service.
// It never hands out pointers to its records; callers always receive copies.
type Store struct {
	mu        sync.RWMutex
	tasks     map[string]*models.TaskRecord
	leases    map[string]uint64
	nextLease uint64
	observers []Observer
	onCancel  []func(id string)
	logger    *logger.Logger
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for rejected mutations.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		tasks:  make(map[string]*models.TaskRecord),
		leases: make(map[string]uint64),
		logger: logger.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers an observer for all future mutations.
func (s *Store) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// OnCancel registers a hook run when cancellation is requested for a record a worker is executing.
// Hooks run outside the store lock.
func (s *Store) OnCancel(hook func(id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCancel = append(s.onCancel, hook)
}

// emitLocked must be called with s.mu held for writing.
func (s *Store) emitLocked(typ models.TaskEventType, rec *models.TaskRecord) {
	if len(s.observers) == 0 {
		return
	}
	event := models.NewTaskEvent(typ, rec.Clone())
	for _, o := range s.observers {
		o.OnTaskEvent(event)
	}
}

// Create stores a new PENDING record and returns its id.
func (s *Store) Create(kind models.TaskKind, input models.TaskInput) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown task kind %q", kind)
	}
	now := s.now()
	rec := &models.TaskRecord{
		ID:     uuid.NewString(),
		Kind:   kind,
		Status: models.TaskStatusPending,
		Progress: models.Progress{
			CurrentStep: "queued",
			Message:     "waiting for a free worker",
		},
		Result:    map[string]interface{}{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec.Input = input
	rec.Input.Sources = append([]string(nil), input.Sources...)
	rec.Input.Hints = append([]models.HintPoint(nil), input.Hints...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[rec.ID] = rec
	s.emitLocked(models.TaskEventCreated, rec)
	return rec.ID, nil
}

// Get returns a copy of the record.
func (s *Store) Get(id string) (*models.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return rec.Clone(), nil
}

// Exists reports whether a record with the id is present.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tasks[id]
	return ok
}

// List returns summaries ordered newest first. A limit <= 0 returns everything after offset.
func (s *Store) List(limit, offset int) []models.TaskSummary {
	return page(s.sorted(func(*models.TaskRecord) bool { return true }), limit, offset)
}

// ListByStatus is List restricted to records in the given status.
func (s *Store) ListByStatus(status models.TaskStatus, limit, offset int) []models.TaskSummary {
	return page(s.sorted(func(r *models.TaskRecord) bool { return r.Status == status }), limit, offset)
}

func page(recs []*models.TaskRecord, limit, offset int) []models.TaskSummary {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(recs) {
		return []models.TaskSummary{}
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	out := make([]models.TaskSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Summary())
	}
	return out
}

// Records returns copies of every record, newest first.
func (s *Store) Records() []*models.TaskRecord {
	return s.sorted(func(*models.TaskRecord) bool { return true })
}

func (s *Store) sorted(keep func(*models.TaskRecord) bool) []*models.TaskRecord {
	s.mu.RLock()
	recs := make([]*models.TaskRecord, 0, len(s.tasks))
	for _, r := range s.tasks {
		if keep(r) {
			recs = append(recs, r.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	return recs
}

// Stats aggregates counters over all records.
func (s *Store) Stats() models.TaskStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := models.TaskStats{
		Total:    len(s.tasks),
		ByStatus: make(map[models.TaskStatus]int),
		ByKind:   make(map[models.TaskKind]int),
	}
	var total float64
	var finished int
	for _, r := range s.tasks {
		stats.ByStatus[r.Status]++
		stats.ByKind[r.Kind]++
		if !r.Status.IsTerminal() {
			stats.Active++
		}
		if r.Status == models.TaskStatusCompleted && r.ProcessingTime != nil {
			total += *r.ProcessingTime
			finished++
		}
	}
	if finished > 0 {
		stats.AverageProcessingTime = total / float64(finished)
	}
	return stats
}

// UpdateStatus moves a record along the state machine.
// For FAILED the message also becomes the error message, unless one was recorded before.
func (s *Store) UpdateStatus(id string, status models.TaskStatus, message string) (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return Transition{}, ErrTaskNotFound
	}
	tr := Transition{From: rec.Status, To: status}
	if !models.CanTransition(rec.Status, status) {
		s.logger.WithTask(id).WithPayload(map[string]interface{}{
			"from": rec.Status,
			"to":   status,
		}).Warn("Rejected status transition")
		if rec.Status.IsTerminal() {
			return tr, fmt.Errorf("%w: %s -> %s: %w", ErrInvalidTransition, rec.Status, status, ErrAlreadyTerminal)
		}
		return tr, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, status)
	}

	now := s.now()
	rec.Status = status
	rec.UpdatedAt = now
	if message != "" {
		rec.Progress.Message = message
	}
	if status == models.TaskStatusFailed && rec.ErrorMessage == "" {
		rec.ErrorMessage = message
	}
	if status.IsTerminal() && rec.CompletedAt == nil {
		completed := now
		rec.CompletedAt = &completed
		elapsed := now.Sub(rec.CreatedAt).Seconds()
		rec.ProcessingTime = &elapsed
		rec.Progress.EstimatedTimeRemaining = nil
		tr.FirstTerminal = true
	}
	if status == models.TaskStatusCompleted {
		rec.Progress.Percent = 100
	}
	s.emitLocked(models.TaskEventUpdated, rec)
	return tr, nil
}

// UpdateProgress records a new percent and step label. Percent is clamped into [0,100].
// While the record is not terminal a lower percent is rejected with ErrProgressRegression and nothing changes.
// A nil eta is estimated from elapsed time.
func (s *Store) UpdateProgress(id string, percent int, step string, eta *float64) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if percent < rec.Progress.Percent && !rec.Status.IsTerminal() {
		s.logger.WithTask(id).WithPayload(map[string]interface{}{
			"current":  rec.Progress.Percent,
			"rejected": percent,
			"step":     step,
		}).Debug("Ignored progress regression")
		return ErrProgressRegression
	}

	now := s.now()
	rec.Progress.Percent = percent
	if step != "" {
		rec.Progress.CurrentStep = step
	}
	switch {
	case eta != nil:
		v := *eta
		rec.Progress.EstimatedTimeRemaining = &v
	case percent > 0 && percent < 100 && !rec.Status.IsTerminal():
		elapsed := now.Sub(rec.CreatedAt).Seconds()
		v := elapsed / float64(percent) * float64(100-percent)
		rec.Progress.EstimatedTimeRemaining = &v
	default:
		rec.Progress.EstimatedTimeRemaining = nil
	}
	rec.UpdatedAt = now
	s.emitLocked(models.TaskEventUpdated, rec)
	return nil
}

// SetResult merges fields into the result data in one step. Keys are never removed
// and nil values are ignored. A sizeBytes <= 0 leaves the recorded size unchanged.
func (s *Store) SetResult(id string, fields map[string]interface{}, sizeBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if rec.Result == nil {
		rec.Result = make(map[string]interface{}, len(fields))
	}
	for k, v := range fields {
		if v == nil {
			continue
		}
		rec.Result[k] = v
	}
	if sizeBytes > 0 {
		rec.ResultSize = sizeBytes
	}
	rec.UpdatedAt = s.now()
	s.emitLocked(models.TaskEventUpdated, rec)
	return nil
}

// SetEnrichmentError records a failed enrichment without touching the status.
func (s *Store) SetEnrichmentError(id, message string) error {
	return s.SetResult(id, map[string]interface{}{models.ResultEnrichmentError: message}, 0)
}

// RequestCancel raises the cancel flag. A PENDING record that no worker holds is cancelled at once.
// It returns false when the flag was already set.
func (s *Store) RequestCancel(id string) (bool, error) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false, ErrTaskNotFound
	}
	if rec.Status.IsTerminal() {
		s.mu.Unlock()
		return false, ErrAlreadyTerminal
	}
	if rec.CancelRequested {
		s.mu.Unlock()
		return false, nil
	}

	now := s.now()
	rec.CancelRequested = true
	rec.UpdatedAt = now
	_, leased := s.leases[id]
	if rec.Status == models.TaskStatusPending && !leased {
		rec.Status = models.TaskStatusCancelled
		rec.Progress.Message = "cancelled before start"
		completed := now
		rec.CompletedAt = &completed
		elapsed := now.Sub(rec.CreatedAt).Seconds()
		rec.ProcessingTime = &elapsed
	}
	s.emitLocked(models.TaskEventUpdated, rec)
	hooks := append([]func(string){}, s.onCancel...)
	s.mu.Unlock()

	if leased {
		for _, h := range hooks {
			h(id)
		}
	}
	return true, nil
}

// CancelRequested reports the cancel flag. It returns ErrTaskNotFound once the record is deleted.
func (s *Store) CancelRequested(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	return rec.CancelRequested, nil
}

// ReserveArtifacts records on-disk paths owned by the task. They are removed on deletion.
func (s *Store) ReserveArtifacts(id string, paths ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	for _, p := range paths {
		if p == "" || contains(rec.ArtifactPaths, p) {
			continue
		}
		rec.ArtifactPaths = append(rec.ArtifactPaths, p)
	}
	return nil
}

// PurgeArtifacts removes the reserved paths from disk and forgets them.
func (s *Store) PurgeArtifacts(id string) ([]string, error) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	paths := rec.ArtifactPaths
	rec.ArtifactPaths = nil
	s.mu.Unlock()
	return s.removePaths(id, paths), nil
}

// Delete removes the record and its reserved artifacts, returning the paths that were removed.
// A worker still executing the task sees ErrTaskNotFound on its next check and stops.
func (s *Store) Delete(id string) ([]string, error) {
	return s.delete(id, false)
}

// TryDelete is Delete for background cleanup: it refuses with ErrTaskLeased while a worker holds the task.
func (s *Store) TryDelete(id string) ([]string, error) {
	return s.delete(id, true)
}

func (s *Store) delete(id string, skipLeased bool) ([]string, error) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	_, leased := s.leases[id]
	if leased && skipLeased {
		s.mu.Unlock()
		return nil, ErrTaskLeased
	}
	delete(s.tasks, id)
	rec.CancelRequested = true
	rec.UpdatedAt = s.now()
	s.emitLocked(models.TaskEventDeleted, rec)
	paths := rec.ArtifactPaths
	hooks := append([]func(string){}, s.onCancel...)
	s.mu.Unlock()

	if leased {
		for _, h := range hooks {
			h(id)
		}
	}
	return s.removePaths(id, paths), nil
}

func (s *Store) removePaths(id string, paths []string) []string {
	removed := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			s.logger.WithTask(id).WithErr(err).WithPayload(map[string]interface{}{"path": p}).Warn("Failed to remove task artifact")
			continue
		}
		removed = append(removed, p)
	}
	return removed
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
