// Package circuit guards optional sinks (Redis, Postgres, InfluxDB, Kafka) so a
// dead backend cannot stall the miner's event path.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gompminer/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - calls pass through
	StateClosed State = iota
	// StateOpen - calls are rejected without running
	StateOpen
	// StateHalfOpen - a trial call is allowed to test recovery
	StateHalfOpen
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	MaxFailures     int           // consecutive failures before opening
	SuccessRequired int           // successful trial calls required to close from half-open
	Timeout         time.Duration // how long to stay open before probing
}

// DefaultConfig returns the configuration used for every sink.
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 1,
		Timeout:         30 * time.Second,
	}
}

// StateChangeFunc is invoked, outside the lock, whenever the breaker changes state.
type StateChangeFunc func(name string, from, to State)

// Breaker implements the circuit breaker pattern for one named sink.
type Breaker struct {
	name     string
	config   *Config
	onChange StateChangeFunc
	now      func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// New creates a closed breaker. A nil config selects DefaultConfig.
func New(name string, config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// OnStateChange registers a callback for state transitions.
func (cb *Breaker) OnStateChange(fn StateChangeFunc) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Name returns the sink name the breaker guards.
func (cb *Breaker) Name() string {
	return cb.name
}

// Execute runs fn unless the circuit is open or ctx is already done.
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !cb.allow() {
		return cb.openError()
	}

	err := fn()
	cb.record(err)
	return err
}

// ExecuteWithResult is Execute for functions that return a value.
func ExecuteWithResult[T any](ctx context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	if !cb.allow() {
		return zero, cb.openError()
	}

	result, err := fn()
	cb.record(err)
	return result, err
}

// IsOpen reports whether err was produced by a breaker rejecting a call.
func IsOpen(err error) bool {
	ctx := errors.GetContext(err)
	return ctx != nil && ctx["circuit"] == StateOpen.String()
}

func (cb *Breaker) openError() error {
	return errors.New(errors.ErrorTypeInternal, "circuit_breaker", "circuit breaker is open").
		WithContext("sink", cb.name).
		WithContext("circuit", StateOpen.String())
}

func (cb *Breaker) allow() bool {
	cb.mu.Lock()
	from := cb.state
	allowed := true

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
		} else {
			allowed = false
		}
	case StateClosed, StateHalfOpen:
	default:
		allowed = false
	}

	to, notify := cb.state, cb.onChange
	cb.mu.Unlock()

	if from != to && notify != nil {
		notify(cb.name, from, to)
	}
	return allowed
}

func (cb *Breaker) record(err error) {
	cb.mu.Lock()
	from := cb.state

	if err != nil {
		cb.failures++
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.config.MaxFailures {
				cb.trip()
			}
		case StateHalfOpen:
			cb.trip()
		}
	} else {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessRequired {
				cb.state = StateClosed
				cb.successes = 0
			}
		}
	}

	to, notify := cb.state, cb.onChange
	cb.mu.Unlock()

	if from != to && notify != nil {
		notify(cb.name, from, to)
	}
}

// trip opens the circuit. Caller holds mu.
func (cb *Breaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.successes = 0
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name     string
	State    State
	Failures int
	OpenedAt time.Time
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:     cb.name,
		State:    cb.state,
		Failures: cb.failures,
		OpenedAt: cb.openedAt,
	}
}

// Reset manually closes the breaker.
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
}
