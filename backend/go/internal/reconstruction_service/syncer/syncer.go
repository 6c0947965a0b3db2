package syncer

import (
	"SceneGen/backend/go/internal/config"
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/pkg/circuitbreaker"
	"SceneGen/backend/go/pkg/logger"
	"context"
	"errors"
	"sync"
	"time"
)

// maxAttempts bounds the retries of one event against one sink.
const maxAttempts = 8

// Sink mirrors task events into an external store.
// Apply receives created/updated events as upserts and deleted events as removals.
type Sink interface {
	Name() string
	Apply(ctx context.Context, event models.TaskEvent) error
}

type guardedSink struct {
	Sink
	breaker circuitbreaker.CircuitBreaker
}

type envelope struct {
	event   models.TaskEvent
	seq     uint64
	sinks   []int // nil means every sink
	attempt int
}

// Syncer pushes store events to every Sink in the background.
// Only the newest pending event per task is kept; a task is never written by two workers at once.
type Syncer struct {
	sinks       []guardedSink
	workers     int
	callTimeout time.Duration
	maxBackoff  time.Duration
	logger      *logger.Logger

	mu       sync.Mutex
	pending  map[string]envelope
	ready    []string
	queued   map[string]bool
	inflight map[string]bool
	latest   map[string]uint64
	seq      uint64
	stopped  bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Syncer. Every sink gets its own circuit breaker built from cb.
func New(cfg config.PersistenceConfig, cb config.CircuitBreakerConfig, logger *logger.Logger, sinks ...Sink) *Syncer {
	s := &Syncer{
		workers:     cfg.Workers,
		callTimeout: cfg.CallTimeout.Duration,
		maxBackoff:  cfg.MaxBackoff.Duration,
		logger:      logger.WithComponent("syncer"),
		pending:     make(map[string]envelope),
		queued:      make(map[string]bool),
		inflight:    make(map[string]bool),
		latest:      make(map[string]uint64),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	if s.workers < 1 {
		s.workers = 1
	}
	for _, sink := range sinks {
		g := guardedSink{Sink: sink}
		if cb.Enabled {
			name := sink.Name()
			g.breaker = circuitbreaker.New(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout.Duration,
				circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
					s.logger.WithPayload(map[string]interface{}{
						"sink": name,
						"from": from.String(),
						"to":   to.String(),
					}).Warn("Sink circuit changed state")
				}))
		}
		s.sinks = append(s.sinks, g)
	}
	return s
}

// Start launches the workers.
func (s *Syncer) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work()
	}
	s.logger.WithPayload(map[string]interface{}{"workers": s.workers, "sinks": len(s.sinks)}).Info("Syncer started")
}

// OnTaskEvent implements store.Observer. It never blocks.
func (s *Syncer) OnTaskEvent(event models.TaskEvent) {
	if len(s.sinks) == 0 {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.seq++
	s.latest[event.TaskID] = s.seq
	s.pending[event.TaskID] = envelope{event: event, seq: s.seq}
	s.enqueueLocked(event.TaskID)
	s.mu.Unlock()
	s.signal()
}

func (s *Syncer) enqueueLocked(id string) {
	if s.queued[id] || s.inflight[id] {
		return
	}
	s.queued[id] = true
	s.ready = append(s.ready, id)
}

func (s *Syncer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Syncer) next() (envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return envelope{}, false
	}
	id := s.ready[0]
	s.ready = s.ready[1:]
	delete(s.queued, id)
	env := s.pending[id]
	delete(s.pending, id)
	s.inflight[id] = true
	if len(s.ready) > 0 {
		s.signal()
	}
	return env, true
}

func (s *Syncer) done(env envelope) {
	id := env.event.TaskID
	s.mu.Lock()
	delete(s.inflight, id)
	_, more := s.pending[id]
	if more {
		s.enqueueLocked(id)
	} else if env.event.Type == models.TaskEventDeleted && s.latest[id] == env.seq {
		delete(s.latest, id)
	}
	s.mu.Unlock()
	if more {
		s.signal()
	}
}

func (s *Syncer) work() {
	defer s.wg.Done()
	for {
		env, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		failed := s.deliver(env)
		s.done(env)
		if len(failed) > 0 {
			s.retryLater(env, failed)
		}
	}
}

// deliver calls the targeted sinks and returns the indexes of those that failed.
func (s *Syncer) deliver(env envelope) []int {
	targets := env.sinks
	if targets == nil {
		targets = make([]int, len(s.sinks))
		for i := range s.sinks {
			targets[i] = i
		}
	}
	var failed []int
	for _, i := range targets {
		sink := s.sinks[i]
		if err := s.apply(sink, env.event); err != nil {
			failed = append(failed, i)
			log := s.logger.WithTask(env.event.TaskID).WithPayload(map[string]interface{}{
				"sink":    sink.Name(),
				"event":   env.event.Type,
				"attempt": env.attempt + 1,
			})
			if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
				log.Debug("Sink circuit open, deferring")
			} else {
				log.WithErr(err).Warn("Sink write failed")
			}
		}
	}
	return failed
}

func (s *Syncer) apply(sink guardedSink, event models.TaskEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
	defer cancel()
	if sink.breaker == nil {
		return sink.Apply(ctx, event)
	}
	_, err := sink.breaker.Execute(func() (interface{}, error) {
		return nil, sink.Apply(ctx, event)
	})
	return err
}

func (s *Syncer) backoff(attempt int) time.Duration {
	d := 500 * time.Millisecond << uint(attempt)
	if d <= 0 || d > s.maxBackoff {
		d = s.maxBackoff
	}
	return d
}

// retryLater re-queues env for the failed sinks unless a newer event for the task supersedes it.
func (s *Syncer) retryLater(env envelope, failed []int) {
	if env.attempt+1 >= maxAttempts {
		s.logger.WithTask(env.event.TaskID).WithPayload(map[string]interface{}{"event": env.event.Type}).Error("Giving up on sink write")
		return
	}
	retry := envelope{event: env.event, seq: env.seq, sinks: failed, attempt: env.attempt + 1}
	time.AfterFunc(s.backoff(env.attempt), func() {
		s.mu.Lock()
		id := retry.event.TaskID
		if s.stopped || s.latest[id] != retry.seq {
			s.mu.Unlock()
			return
		}
		if _, newer := s.pending[id]; newer {
			s.mu.Unlock()
			return
		}
		s.pending[id] = retry
		s.enqueueLocked(id)
		s.mu.Unlock()
		s.signal()
	})
}

// Pending returns the number of tasks waiting to be written.
func (s *Syncer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) + len(s.inflight)
}

// Stop flushes what is already queued and stops the workers. Scheduled retries are dropped.
func (s *Syncer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stop)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Syncer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
