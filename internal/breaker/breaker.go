// Package breaker implements a per-dependency circuit breaker with an
// exponentially growing open timeout.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned by Call when the breaker rejects a request
// without attempting it. Callers should treat it as "try later", not as
// evidence the wrapped call itself failed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
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

// Config holds circuit breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that opens the circuit.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in the
	// half-open state that closes the circuit.
	SuccessThreshold int

	// BaseTimeout is how long the circuit stays open after the first trip.
	BaseTimeout time.Duration

	// MaxTimeout caps the open timeout growth.
	MaxTimeout time.Duration
}

// DefaultConfig returns sensible defaults for inter-service calls.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		BaseTimeout:      10 * time.Second,
		MaxTimeout:       5 * time.Minute,
	}
}

// Breaker is a circuit breaker for a single named dependency.
//
// The open timeout doubles with every consecutive re-open from half-open,
// capped at MaxTimeout, so a repeatedly failing probe extends the
// quarantine period monotonically until the cap.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	reopens     int
	lastFailure time.Time

	now func() time.Time
}

// New creates a circuit breaker. Zero config fields fall back to defaults.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = def.BaseTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Allow reports whether a request may proceed. In the open state it also
// transitions to half-open once the open timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.openTimeout() {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// Call invokes fn through the breaker. If the breaker is open the call
// fails immediately with ErrCircuitOpen and fn is never invoked.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}

	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}

	b.RecordSuccess()
	return nil
}

// RecordSuccess feeds a successful call into the breaker accounting.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.reopens = 0
			b.lastFailure = time.Time{}
			b.transition(StateClosed)
		}
	}
}

// RecordFailure feeds a failed call into the breaker accounting.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// A single probe failure re-opens the circuit, no partial credit.
		b.reopens++
		b.transition(StateOpen)
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns the failure and success counters of the current window.
func (b *Breaker) Counts() (failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.successes
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// openTimeout returns the current quarantine duration. Must be called with
// the lock held.
func (b *Breaker) openTimeout() time.Duration {
	d := b.cfg.BaseTimeout
	for i := 0; i < b.reopens; i++ {
		d *= 2
		if d >= b.cfg.MaxTimeout {
			return b.cfg.MaxTimeout
		}
	}
	if d > b.cfg.MaxTimeout {
		return b.cfg.MaxTimeout
	}
	return d
}

// transition switches state and resets the window counters. Must be called
// with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}

	b.state = to
	b.failures = 0
	b.successes = 0

	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
