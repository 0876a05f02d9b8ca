// Package circuitbreaker implements a per-service circuit breaker with
// three states. Closed passes traffic and counts consecutive failures.
// Open rejects traffic until a recovery window elapses. Half-open admits
// exactly one trial request; its outcome decides the next state.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the breaker rejects traffic,
// including when a half-open trial is already in flight.
var ErrOpen = errors.New("circuitbreaker: open")

// Breaker guards a single service. All methods are safe for concurrent
// use.
type Breaker struct {
	name             string
	failureThreshold int
	openDuration     time.Duration
	now              func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New returns a closed breaker. failureThreshold is the number of
// consecutive failures that opens it; openDuration is how long it stays
// open before admitting a trial.
func New(name string, failureThreshold int, openDuration time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		now:              time.Now,
		state:            StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the service the breaker guards.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a request may proceed. When it returns nil the
// caller must report the outcome with RecordSuccess or RecordFailure,
// or release the admission with Cancel if no outcome was produced.
// At most one caller is admitted while the breaker is half-open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.openDuration {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrOpen
		}
		b.trialInFlight = true
		return nil
	}
	return ErrOpen
}

// RecordSuccess reports a successful request. It resets the failure
// count and, after a half-open trial, closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.trialInFlight = false
		b.setState(StateClosed)
	}
}

// RecordFailure reports a failed request. In the closed state it opens
// the breaker once the consecutive-failure threshold is reached. A
// failed half-open trial reopens it for a fresh recovery window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.trialInFlight = false
		b.open()
	case StateOpen:
		// late result from a request admitted before opening
	}
}

// Cancel releases a half-open trial slot without recording an outcome.
// Call it when an admitted request is abandoned before producing one,
// such as a client disconnect, so the trial slot is not held forever.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

// RetryAfter returns how long until the breaker next admits a request.
// It returns zero unless the breaker is open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0
	}
	remaining := b.openDuration - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open() {
	b.failures = 0
	b.openedAt = b.now()
	b.setState(StateOpen)
}

func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	recordTransition(b.name, prev, next)
}
