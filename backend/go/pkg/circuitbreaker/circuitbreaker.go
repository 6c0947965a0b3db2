package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the state of the circuit breaker.
type State int

const (
	// Closed lets every call through.
	Closed State = iota
	// Open rejects calls until the timeout elapses.
	Open
	// HalfOpen lets trial calls through to probe recovery.
	HalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "Half-Open"
	default:
		return "Unknown"
	}
}

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the Open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreaker guards calls to a dependency that may be down.
type CircuitBreaker interface {
	// Execute runs req unless the circuit is open.
	Execute(req func() (interface{}, error)) (interface{}, error)
	// State returns the current state of the circuit breaker.
	State() State
}

// Option configures a breaker.
type Option func(*breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *breaker) { b.now = now }
}

// WithStateChange registers a callback fired after every state change, outside the breaker's lock.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *breaker) { b.onChange = fn }
}

type breaker struct {
	failureThreshold uint32
	successThreshold uint32
	timeout          time.Duration
	now              func() time.Time
	onChange         func(from, to State)

	mu        sync.Mutex
	state     State
	failures  uint32
	successes uint32
	openedAt  time.Time
}

// New creates a breaker that opens after failureThreshold consecutive failures,
// stays open for timeout and closes again after successThreshold consecutive half-open successes.
func New(failureThreshold, successThreshold uint32, timeout time.Duration, opts ...Option) CircuitBreaker {
	if failureThreshold == 0 {
		failureThreshold = 1
	}
	if successThreshold == 0 {
		successThreshold = 1
	}
	b := &breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		now:              time.Now,
		state:            Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state, moving Open to HalfOpen once the timeout has passed.
func (b *breaker) State() State {
	b.mu.Lock()
	from, to := b.refreshLocked()
	b.mu.Unlock()
	b.notify(from, to)
	return to
}

// Execute wraps the execution of a function with the circuit breaker logic.
func (b *breaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	b.mu.Lock()
	from, to := b.refreshLocked()
	b.mu.Unlock()
	b.notify(from, to)
	if to == Open {
		return nil, ErrCircuitOpen
	}

	res, err := req()
	b.record(err == nil)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (b *breaker) refreshLocked() (State, State) {
	from := b.state
	if b.state == Open && b.now().Sub(b.openedAt) > b.timeout {
		b.state = HalfOpen
		b.successes = 0
	}
	return from, b.state
}

func (b *breaker) record(ok bool) {
	b.mu.Lock()
	from := b.state
	switch {
	case ok && b.state == HalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = Closed
			b.failures, b.successes = 0, 0
		}
	case ok:
		b.failures = 0
	case b.state == HalfOpen:
		b.tripLocked()
	case b.state == Closed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.tripLocked()
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *breaker) tripLocked() {
	b.state = Open
	b.openedAt = b.now()
	b.failures, b.successes = 0, 0
}

func (b *breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
