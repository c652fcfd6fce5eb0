package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
	OnStateChange    func(from State, to State, name string)
}

// CircuitBreaker guards calls to one named external service. Failures
// are absorbed: every Execute resolves to either the real result or the
// fallback result, never a raised operation error.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	successThreshold int
	onStateChange    func(from State, to State, name string)

	mutex           sync.RWMutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	nextAttemptTime time.Time

	logger *logrus.Logger
}

// Stats is the read-only snapshot exposed for health introspection.
type Stats struct {
	State           string     `json:"state"`
	Failures        int        `json:"failures"`
	LastFailureTime *time.Time `json:"lastFailureTime"`
	NextAttemptTime *time.Time `json:"nextAttemptTime"`
}

func New(config Config, logger *logrus.Logger) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "unnamed"
		logger.Warn("Circuit breaker created without name, using 'unnamed'")
	}

	if config.FailureThreshold <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": config.Name,
			"invalid_value":   config.FailureThreshold,
			"default_value":   5,
		}).Warn("Invalid FailureThreshold value, using default")
		config.FailureThreshold = 5
	}

	if config.ResetTimeout <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": config.Name,
			"invalid_value":   config.ResetTimeout,
			"default_value":   "30s",
		}).Warn("Invalid ResetTimeout value, using default")
		config.ResetTimeout = 30 * time.Second
	}

	if config.SuccessThreshold <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": config.Name,
			"invalid_value":   config.SuccessThreshold,
			"default_value":   2,
		}).Warn("Invalid SuccessThreshold value, using default")
		config.SuccessThreshold = 2
	}

	return &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		successThreshold: config.SuccessThreshold,
		onStateChange:    config.OnStateChange,
		state:            StateClosed,
		logger:           logger,
	}
}

// Execute runs fn through the breaker. While the circuit is open, fn is
// never invoked and fallback produces the result. When fn fails, the
// failure is recorded and fallback produces the result. Only a fallback
// error ever propagates to the caller.
func (cb *CircuitBreaker) Execute(fn func() error, fallback func() error) error {
	cb.mutex.Lock()

	now := time.Now()
	if cb.state == StateOpen {
		if !now.Before(cb.nextAttemptTime) {
			// Failure count is deliberately kept across this transition;
			// only the recovery counter restarts.
			cb.setState(StateHalfOpen)
			cb.successes = 0
		} else {
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.name,
				"state":           cb.state.String(),
			}).Debug("Circuit breaker is open, short-circuiting to fallback")
			cb.mutex.Unlock()
			return fallback()
		}
	}
	cb.mutex.Unlock()

	err := fn()

	cb.mutex.Lock()
	if err != nil {
		cb.onFailure(time.Now())
		cb.mutex.Unlock()

		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"failures":        cb.Stats().Failures,
		}).WithError(err).Warn("Circuit breaker recorded failure, returning fallback")
		return fallback()
	}

	cb.onSuccess()
	cb.mutex.Unlock()
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.setState(StateClosed)
			cb.failures = 0
			cb.successes = 0
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure(now time.Time) {
	cb.failures++
	cb.lastFailureTime = now

	if cb.state == StateHalfOpen {
		// A single failure during recovery reopens the circuit.
		cb.setState(StateOpen)
		cb.nextAttemptTime = now.Add(cb.resetTimeout)
		cb.successes = 0
	} else if cb.state == StateClosed && cb.failures >= cb.failureThreshold {
		cb.setState(StateOpen)
		cb.nextAttemptTime = now.Add(cb.resetTimeout)
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"from_state":      oldState.String(),
		"to_state":        newState.String(),
	}).Info("Circuit breaker state changed")

	if cb.onStateChange != nil {
		cb.onStateChange(oldState, newState, cb.name)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	stats := Stats{
		State:    cb.state.String(),
		Failures: cb.failures,
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime
		stats.LastFailureTime = &t
	}
	if !cb.nextAttemptTime.IsZero() {
		t := cb.nextAttemptTime
		stats.NextAttemptTime = &t
	}
	return stats
}

// Reset returns the breaker to a pristine closed state. Used by tests
// and the operational reset endpoint.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.lastFailureTime = time.Time{}
	cb.nextAttemptTime = time.Time{}
}

func (cb *CircuitBreaker) String() string {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return fmt.Sprintf("CircuitBreaker(name=%s, state=%s, failures=%d/%d)",
		cb.name, cb.state.String(), cb.failures, cb.failureThreshold)
}
