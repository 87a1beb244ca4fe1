package health

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/contextkit-core/internal/shared"
)

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	// OnStateChange runs in its own goroutine.
	OnStateChange func(from, to string)
	// IsFailure decides which errors count against the breaker. Defaults
	// to backend reachability failures only.
	IsFailure func(error) bool
}

// CircuitBreaker fails fast once the sidecar has failed repeatedly, and lets
// a probe request through after OpenTimeout.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu         sync.Mutex
	state      string
	failures   int
	successes  int
	lastChange time.Time
	now        func() time.Time
}

// NewCircuitBreaker applies defaults (5 failures, 2 successes, 30s).
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return shared.IsCode(err, shared.CodeBackendUnavailable)
		}
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed, lastChange: time.Now(), now: time.Now}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// Allow reports whether a call may proceed. Callers that use it must report
// the outcome with Record.
func (cb *CircuitBreaker) Allow() error { return cb.allow() }

// Record reports the outcome of a call admitted by Allow.
func (cb *CircuitBreaker) Record(err error) { cb.record(err) }

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.lastChange) < cb.cfg.OpenTimeout {
			return shared.ErrCircuitOpen
		}
		cb.transitionTo(CircuitHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.cfg.IsFailure(err) {
		cb.failures++
		cb.successes = 0
		switch cb.state {
		case CircuitClosed:
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.transitionTo(CircuitOpen)
			}
		case CircuitHalfOpen:
			cb.transitionTo(CircuitOpen)
		}
		return
	}

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionTo(state string) {
	from := cb.state
	cb.state = state
	cb.lastChange = cb.now()
	cb.failures = 0
	cb.successes = 0
	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(from, state)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
