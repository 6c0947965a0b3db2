package service

import (
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/pkg/logger"
	"sync"
)

// Subscription receives the events of one task.
// C is closed when the subscriber is removed, falls behind, or the task is deleted.
type Subscription struct {
	TaskID string
	C      <-chan models.TaskEvent

	ch     chan models.TaskEvent
	closed bool
}

// ConnectionManager fans store events out to WebSocket subscribers, keyed by task.
type ConnectionManager struct {
	mu          sync.Mutex
	subscribers map[string]map[*Subscription]struct{}
	buffer      int
	logger      *logger.Logger
}

// NewConnectionManager creates a ConnectionManager. buffer is the per-subscriber queue length.
func NewConnectionManager(buffer int, logger *logger.Logger) *ConnectionManager {
	if buffer < 1 {
		buffer = 16
	}
	return &ConnectionManager{
		subscribers: make(map[string]map[*Subscription]struct{}),
		buffer:      buffer,
		logger:      logger.WithComponent("connections"),
	}
}

// Add registers a new subscriber for taskID.
func (m *ConnectionManager) Add(taskID string) *Subscription {
	ch := make(chan models.TaskEvent, m.buffer)
	sub := &Subscription{TaskID: taskID, C: ch, ch: ch}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.subscribers[taskID]
	if !ok {
		set = make(map[*Subscription]struct{})
		m.subscribers[taskID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Remove unregisters sub. Removing twice is harmless.
func (m *ConnectionManager) Remove(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(sub)
}

func (m *ConnectionManager) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if set, ok := m.subscribers[sub.TaskID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(m.subscribers, sub.TaskID)
		}
	}
}

// Count returns the number of subscribers for taskID.
func (m *ConnectionManager) Count(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers[taskID])
}

// OnTaskEvent implements store.Observer. It never blocks.
func (m *ConnectionManager) OnTaskEvent(event models.TaskEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subscribers[event.TaskID] {
		select {
		case sub.ch <- event:
		default:
			m.logger.WithTask(event.TaskID).Warn("Dropping slow subscriber")
			m.removeLocked(sub)
			continue
		}
		if event.Type == models.TaskEventDeleted {
			m.removeLocked(sub)
		}
	}
}
