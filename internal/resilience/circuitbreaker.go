// Package resilience guards calls to external dependencies (LLM backends,
// databases, HTTP APIs) with circuit breakers and ordered failover.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [FallbackGroup] tries a primary and its fallbacks in order, each behind its
// own breaker. [LLMFallback] and [GuardedAdapter] apply these to the
// llm.Provider and db.Adapter interfaces.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax trial calls through. Any trial call
	// failure re-opens the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the trial-call budget in the half-open state. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. Errors
	// it rejects are returned to the caller but treated as a healthy call.
	// Default: every non-nil error counts.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition with the
	// breaker lock released.
	OnStateChange func(name string, from, to State)

	// Logger receives transition logs. Default: slog.Default().
	Logger *slog.Logger

	// now overrides the clock in tests.
	now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	trials          int
	trialSuccesses  int
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take their
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn unless the breaker is open. The error from fn is returned
// unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(trial, err != nil && cb.cfg.IsFailure(err))
	return err
}

// admit decides whether a call may proceed and whether it is a half-open trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	var changed bool
	from := cb.state
	switch cb.state {
	case StateOpen:
		if cb.cfg.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trials, cb.trialSuccesses = 0, 0
		changed = true
		fallthrough
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.trials++
		trial = true
	}
	cb.mu.Unlock()
	if changed {
		cb.transitioned(from, StateHalfOpen)
	}
	return trial, nil
}

func (cb *CircuitBreaker) record(trial, failed bool) {
	cb.mu.Lock()
	from := cb.state
	to := from
	switch {
	case failed && trial && cb.state == StateHalfOpen:
		to = StateOpen
	case failed && cb.state == StateClosed:
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.cfg.MaxFailures {
			to = StateOpen
		}
	case !failed && trial && cb.state == StateHalfOpen:
		cb.trialSuccesses++
		if cb.trialSuccesses >= cb.cfg.HalfOpenMax {
			to = StateClosed
		}
	case !failed && cb.state == StateClosed:
		cb.consecutiveFail = 0
	}
	if to != from {
		cb.setLocked(to)
	}
	failures := cb.consecutiveFail
	cb.mu.Unlock()

	if to != from {
		cb.transitioned(from, to, "consecutive_failures", failures)
	}
}

// setLocked moves to state s. cb.mu must be held.
func (cb *CircuitBreaker) setLocked(s State) {
	cb.state = s
	switch s {
	case StateOpen:
		cb.openedAt = cb.cfg.now()
	case StateClosed:
		cb.consecutiveFail = 0
		cb.trials, cb.trialSuccesses = 0, 0
	}
}

func (cb *CircuitBreaker) transitioned(from, to State, attrs ...any) {
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	args := append([]any{"name", cb.cfg.Name, "from", from.String(), "to", to.String()}, attrs...)
	cb.cfg.Logger.Log(context.Background(), level, "circuit breaker state changed", args...)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose timeout has elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.setLocked(StateClosed)
	cb.mu.Unlock()
	if from != StateClosed {
		cb.transitioned(from, StateClosed, "manual", true)
	}
}
