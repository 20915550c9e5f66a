// Package resilience provides a three-state circuit breaker used to guard
// outbound transcription backends.
package resilience

import (
	"errors"
	"sync"
	"time"

	"reading-assessment/internal/common/logger"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

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
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	Name         string
	MaxFailures  int           // consecutive failures before opening, default 5
	ResetTimeout time.Duration // open duration before probing, default 30s
	HalfOpenMax  int           // successful probes required to close, default 3

	// IsFailure decides whether an error counts against the breaker. Errors
	// that say nothing about backend health (bad audio, no speech) should
	// return false. Defaults to counting every non-nil error.
	IsFailure func(error) bool
}

type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	isFailure    func(error) bool
	logger       logger.Logger
	now          func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

func NewCircuitBreaker(cfg Config, log logger.Logger) *CircuitBreaker {
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
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		isFailure:    cfg.IsFailure,
		logger:       log.WithFields(map[string]interface{}{"breaker": cfg.Name}),
		now:          time.Now,
		state:        StateClosed,
	}
}

// Execute runs fn unless the breaker is open. In half-open state at most
// HalfOpenMax probes are in flight.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	inHalfOpen, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil && cb.isFailure(err) {
		cb.recordFailure(inHalfOpen)
	} else {
		cb.recordSuccess(inHalfOpen)
	}
	return err
}

func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
		cb.logger.Info("circuit breaker half-open", nil)
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.halfOpenCalls++
		return true, nil
	}
	return false, nil
}

// must hold cb.mu
func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) {
	if inHalfOpen {
		cb.trip()
		cb.logger.Warn("circuit breaker re-opened from half-open", nil)
		return
	}
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures && cb.state == StateClosed {
		cb.trip()
		cb.logger.Warn("circuit breaker opened", map[string]interface{}{
			"consecutiveFailures": cb.consecutiveFail,
		})
	}
}

// must hold cb.mu
func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) {
	if !inHalfOpen {
		cb.consecutiveFail = 0
		return
	}
	if cb.state != StateHalfOpen {
		return
	}
	cb.halfOpenOK++
	if cb.halfOpenOK >= cb.halfOpenMax {
		cb.state = StateClosed
		cb.consecutiveFail = 0
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
		cb.logger.Info("circuit breaker closed", nil)
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
}

// State reports half-open once the reset timeout elapsed, even though the
// transition itself happens on the next Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
}
