package store

import "sync"

// Lease is the exclusive right to execute one task. Only one lease per id exists at a time.
// Ownership may be handed to another goroutine; whoever holds it last calls Release.
type Lease struct {
	store *Store
	id    string
	token uint64
	once  sync.Once
}

// ID returns the leased task id.
func (l *Lease) ID() string { return l.id }

// Release gives up the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.store.mu.Lock()
		defer l.store.mu.Unlock()
		if l.store.leases[l.id] == l.token {
			delete(l.store.leases, l.id)
		}
	})
}

// Acquire takes the execution lease for id.
func (s *Store) Acquire(id string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return nil, ErrTaskNotFound
	}
	if _, held := s.leases[id]; held {
		return nil, ErrTaskLeased
	}
	s.nextLease++
	s.leases[id] = s.nextLease
	return &Lease{store: s, id: id, token: s.nextLease}, nil
}

// IsLeased reports whether a worker or continuation currently holds the task.
func (s *Store) IsLeased(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, held := s.leases[id]
	return held
}
