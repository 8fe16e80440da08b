package base

import (
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/feedstream/pkg/metrics"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed allows fetches
	StateClosed CircuitState = iota
	// StateOpen blocks fetches until the cool-down elapses
	StateOpen
)

func (s CircuitState) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// circuitBreaker is a time-based breaker: it opens on demand and closes
// unconditionally once its cool-down has elapsed, without a trial request.
// It is not safe for concurrent use; the owning connector holds its lock
// around every call.
type circuitBreaker struct {
	name     string
	cooldown time.Duration
	logger   *zap.Logger

	state           CircuitState
	lastStateChange time.Time
	closeAt         time.Time

	// generation increments on every open so a stale timer cannot close a
	// later opening.
	generation uint64
	timer      *time.Timer
}

func newCircuitBreaker(name string, cooldown time.Duration, logger *zap.Logger) *circuitBreaker {
	return &circuitBreaker{
		name:     name,
		cooldown: cooldown,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
		state:    StateClosed,
	}
}

func (cb *circuitBreaker) isOpen() bool {
	return cb.state == StateOpen
}

// open transitions to open and arms a one-shot timer that calls onElapse with
// the new generation after the cool-down. It returns false if already open.
func (cb *circuitBreaker) open(now time.Time, failures int, onElapse func(generation uint64)) bool {
	if cb.state == StateOpen {
		return false
	}

	cb.state = StateOpen
	cb.lastStateChange = now
	cb.closeAt = now.Add(cb.cooldown)
	cb.generation++
	gen := cb.generation
	cb.timer = time.AfterFunc(cb.cooldown, func() { onElapse(gen) })

	metrics.BreakerState.WithLabelValues(cb.name).Set(1)
	metrics.BreakerTransitions.WithLabelValues(cb.name, StateOpen.String()).Inc()

	cb.logger.Warn("circuit breaker opened",
		zap.Time("close_at", cb.closeAt),
		zap.Int("consecutive_failures", failures))
	return true
}

// closeGeneration closes the breaker if it is still in the opening identified
// by generation.
func (cb *circuitBreaker) closeGeneration(now time.Time, generation uint64) bool {
	if cb.state != StateOpen || cb.generation != generation {
		return false
	}
	cb.transitionToClosed(now, "cooldown_elapsed")
	return true
}

// closeIfDue closes the breaker when its cool-down has elapsed at now. The
// poll loop calls it on wake-up so that a wake-up racing the timer still
// sees a closed breaker.
func (cb *circuitBreaker) closeIfDue(now time.Time) bool {
	if cb.state != StateOpen || now.Before(cb.closeAt) {
		return false
	}
	cb.transitionToClosed(now, "cooldown_elapsed")
	return true
}

// close closes an open breaker immediately.
func (cb *circuitBreaker) close(now time.Time, reason string) bool {
	if cb.state != StateOpen {
		return false
	}
	cb.transitionToClosed(now, reason)
	return true
}

// stopTimer cancels a pending auto-close without changing state.
func (cb *circuitBreaker) stopTimer() {
	if cb.timer != nil {
		cb.timer.Stop()
		cb.timer = nil
	}
}

// reset returns the breaker to closed without emitting a transition.
func (cb *circuitBreaker) reset(now time.Time) {
	cb.stopTimer()
	cb.generation++
	cb.state = StateClosed
	cb.lastStateChange = now
	cb.closeAt = time.Time{}
	metrics.BreakerState.WithLabelValues(cb.name).Set(0)
}

func (cb *circuitBreaker) transitionToClosed(now time.Time, reason string) {
	cb.stopTimer()
	cb.state = StateClosed
	cb.lastStateChange = now
	cb.closeAt = time.Time{}

	metrics.BreakerState.WithLabelValues(cb.name).Set(0)
	metrics.BreakerTransitions.WithLabelValues(cb.name, StateClosed.String()).Inc()

	cb.logger.Info("circuit breaker closed", zap.String("reason", reason))
}
