// Package circuitbreaker implements the circuit breaker pattern.
//
// A breaker tracks consecutive failures against one destination and
// temporarily blocks attempts once a threshold is reached.
//
// States:
//   - Closed: Normal operation, attempts allowed
//   - Open: Too many failures, attempts blocked
//   - HalfOpen: Cooldown elapsed, a single trial attempt allowed
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, attempts allowed
	Open                  // Failing, attempts blocked
	HalfOpen              // Testing if recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called after a breaker changes state. It runs without
// the breaker lock held.
type StateChangeFunc func(name string, from, to State)

// Breaker implements the circuit breaker pattern for a single destination.
type Breaker struct {
	name          string
	threshold     int
	cooldown      time.Duration
	onStateChange StateChangeFunc

	mu          sync.Mutex
	state       State
	failures    int       // consecutive failures
	lastFailure time.Time // when the last failure occurred
	trial       bool      // a half-open trial is in flight
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold     int             // Failures before circuit opens (default: 5)
	Cooldown      time.Duration   // Time before half-open (default: 30s)
	OnStateChange StateChangeFunc // Optional transition hook
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// New creates a new circuit breaker named name.
func New(name string, cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		name:          name,
		state:         Closed,
		threshold:     cfg.Threshold,
		cooldown:      cfg.Cooldown,
		onStateChange: cfg.OnStateChange,
	}
}

// Name returns the destination the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Allow returns true if an attempt should be made. While half-open only one
// caller is let through until it reports success or failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := true

	switch b.state {
	case Open:
		if time.Since(b.lastFailure) > b.cooldown {
			b.state = HalfOpen
			b.trial = true
		} else {
			allowed = false
		}
	case HalfOpen:
		if b.trial {
			allowed = false
		} else {
			b.trial = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess records a successful attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.trial = false
	b.state = Closed
	b.mu.Unlock()

	b.notify(from, Closed)
}

// RecordFailure records a failed attempt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.lastFailure = time.Now()
	b.trial = false

	if b.state == HalfOpen || b.failures >= b.threshold {
		b.state = Open
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
