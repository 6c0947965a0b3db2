package scheduler

import (
	"SceneGen/backend/go/pkg/logger"
	"container/list"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("executor stopped")

// RunFunc executes one task. It owns the task until it returns.
type RunFunc func(ctx context.Context, id string)

// PanicHandler is told about a task whose RunFunc panicked.
type PanicHandler func(id string, recovered interface{}, stack []byte)

// Executor dispatches submitted task ids in FIFO order to at most limit concurrent runs.
// Submissions never block and are never rejected for capacity; they wait in the queue.
type Executor struct {
	limit   int
	run     RunFunc
	onPanic PanicHandler
	logger  *logger.Logger

	mu      sync.Mutex
	queue   *list.List
	stopped bool
	wake    chan struct{}

	running atomic.Int32
	group   errgroup.Group
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an Executor. A limit below 1 is raised to 1.
func New(limit int, run RunFunc, onPanic PanicHandler, logger *logger.Logger) *Executor {
	if limit < 1 {
		limit = 1
	}
	e := &Executor{
		limit:   limit,
		run:     run,
		onPanic: onPanic,
		logger:  logger.WithComponent("executor"),
		queue:   list.New(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	e.group.SetLimit(limit)
	return e
}

// Limit returns the concurrency ceiling.
func (e *Executor) Limit() int { return e.limit }

// Start launches the dispatcher. Runs receive a context that is cancelled by Stop or when ctx ends.
func (e *Executor) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go e.dispatch(ctx)
	e.logger.WithPayload(map[string]interface{}{"limit": e.limit}).Info("Executor started")
}

// Submit appends id to the queue.
func (e *Executor) Submit(id string) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.queue.PushBack(id)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// QueueLength returns the number of tasks waiting for a slot.
func (e *Executor) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// Running returns the number of tasks currently executing.
func (e *Executor) Running() int {
	return int(e.running.Load())
}

// Stop stops dispatching and waits for running tasks to return. Queued tasks are left untouched.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	_ = e.group.Wait()
	e.logger.Info("Executor stopped")
}

func (e *Executor) pop() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	front := e.queue.Front()
	if front == nil {
		return "", false
	}
	e.queue.Remove(front)
	return front.Value.(string), true
}

func (e *Executor) dispatch(ctx context.Context) {
	defer close(e.done)
	for {
		if ctx.Err() != nil {
			return
		}
		id, ok := e.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.wake:
				continue
			}
		}
		// Go blocks while all slots are busy, which keeps the rest of the queue in order.
		e.group.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			e.execute(ctx, id)
			return nil
		})
	}
}

func (e *Executor) execute(ctx context.Context, id string) {
	e.running.Add(1)
	defer e.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			e.logger.WithTask(id).WithPayload(map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(stack),
			}).Error("Task run panicked")
			if e.onPanic != nil {
				e.onPanic(id, r, stack)
			}
		}
	}()
	e.run(ctx, id)
}
