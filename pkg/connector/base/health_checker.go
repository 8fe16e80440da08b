package base

import (
	"time"

	"github.com/ajitpratap0/feedstream/pkg/connector/core"
)

// unhealthyPollMultiple is how many poll intervals may pass without a
// success before a connector reports itself unhealthy.
const unhealthyPollMultiple = 3

// Health derives the connector's self-assessed health. In priority order:
// circuit_breaker_open, unhealthy (no success within three poll intervals,
// counting from start when nothing has succeeded yet), degraded (any
// consecutive failure), healthy.
func (c *Connector) Health() core.Health {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	h := core.Health{
		ConsecutiveFailures: c.consecutiveFailures,
		HasSucceeded:        !c.lastSuccessAt.IsZero(),
		CheckedAt:           now,
	}
	if c.totalAttempts > 0 {
		h.SuccessRate = float64(c.successes) / float64(c.totalAttempts)
	}
	if h.HasSucceeded {
		h.SinceLastSuccess = now.Sub(c.lastSuccessAt)
	}

	threshold := unhealthyPollMultiple * c.cfg.PollInterval
	switch {
	case c.breaker.isOpen():
		h.Status = core.HealthCircuitBreakerOpen
	case h.HasSucceeded && h.SinceLastSuccess > threshold:
		h.Status = core.HealthUnhealthy
	case !h.HasSucceeded && c.running && now.Sub(c.startedAt) >= threshold:
		h.Status = core.HealthUnhealthy
	case c.consecutiveFailures > 0:
		h.Status = core.HealthDegraded
	default:
		h.Status = core.HealthHealthy
	}
	return h
}

// Status returns a snapshot of the connector's runtime state.
func (c *Connector) Status() core.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := core.Status{
		Name:                c.cfg.Name,
		Running:             c.running,
		BreakerOpen:         c.breaker.isOpen(),
		ConsecutiveFailures: c.consecutiveFailures,
		StartedAt:           timePtr(c.startedAt),
		LastPollAt:          timePtr(c.lastPollAt),
		LastSuccessAt:       timePtr(c.lastSuccessAt),
		Metrics: core.Metrics{
			TotalAttempts:    c.totalAttempts,
			Successes:        c.successes,
			Failures:         c.failures,
			MovingAvgLatency: time.Duration(c.avgLatencyMs * float64(time.Millisecond)),
		},
	}
	if s.BreakerOpen {
		s.BreakerCloseAt = timePtr(c.breaker.closeAt)
	}
	return s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
