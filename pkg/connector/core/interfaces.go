package core

import (
	"context"
	"time"

	"github.com/ajitpratap0/feedstream/pkg/models"
)

// Fetcher performs one upstream poll and returns a populated record, or an
// error. Implementations own request construction, auth and decoding.
type Fetcher interface {
	Fetch(ctx context.Context) (models.Record, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context) (models.Record, error)

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context) (models.Record, error) {
	return f(ctx)
}

// SignalKind enumerates the lifecycle and data signals a source emits.
type SignalKind int

const (
	// SignalStarted is emitted once per successful Start.
	SignalStarted SignalKind = iota + 1
	// SignalStopped is emitted once the poll loop has exited after Stop.
	SignalStopped
	// SignalDataEmitted carries the record produced by a successful poll.
	SignalDataEmitted
	// SignalErrorRaised carries the error of a failed poll.
	SignalErrorRaised
	// SignalBreakerOpened is emitted when repeated failures open the breaker.
	SignalBreakerOpened
	// SignalBreakerClosed is emitted when the breaker closes again.
	SignalBreakerClosed
)

func (k SignalKind) String() string {
	switch k {
	case SignalStarted:
		return "started"
	case SignalStopped:
		return "stopped"
	case SignalDataEmitted:
		return "data_emitted"
	case SignalErrorRaised:
		return "error_raised"
	case SignalBreakerOpened:
		return "breaker_opened"
	case SignalBreakerClosed:
		return "breaker_closed"
	default:
		return "unknown"
	}
}

// Signal is a single notification from a source to its listener. Record is
// set only for SignalDataEmitted and Err only for SignalErrorRaised.
type Signal struct {
	Kind      SignalKind
	Connector string
	Record    models.Record
	Err       error
	At        time.Time
}

// Listener receives a source's signals synchronously on the source's own
// goroutine. A listener must not call Stop on the emitting source.
type Listener interface {
	OnSignal(Signal)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Signal)

// OnSignal calls f.
func (f ListenerFunc) OnSignal(s Signal) {
	f(s)
}

// HealthState is a source's self-assessed health.
type HealthState string

const (
	HealthHealthy            HealthState = "healthy"
	HealthDegraded           HealthState = "degraded"
	HealthUnhealthy          HealthState = "unhealthy"
	HealthCircuitBreakerOpen HealthState = "circuit_breaker_open"
)

// Health is the result of a health query.
type Health struct {
	Status              HealthState   `json:"status"`
	SuccessRate         float64       `json:"successRate"`
	HasSucceeded        bool          `json:"hasSucceeded"`
	SinceLastSuccess    time.Duration `json:"sinceLastSuccess"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	CheckedAt           time.Time     `json:"checkedAt"`
}

// Metrics are the cumulative poll counters of a source.
type Metrics struct {
	TotalAttempts    int64         `json:"totalAttempts"`
	Successes        int64         `json:"successes"`
	Failures         int64         `json:"failures"`
	MovingAvgLatency time.Duration `json:"movingAvgLatency"`
}

// Status is a read-only snapshot of a source's runtime state.
type Status struct {
	Name                string     `json:"name"`
	Running             bool       `json:"running"`
	BreakerOpen         bool       `json:"breakerOpen"`
	BreakerCloseAt      *time.Time `json:"breakerCloseAt,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	LastPollAt          *time.Time `json:"lastPollAt,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	Metrics             Metrics    `json:"metrics"`
}

// Source is a polled upstream under supervision.
type Source interface {
	Name() string
	Start() error
	Stop(ctx context.Context) error
	Reset() error
	Status() Status
	Health() Health
	SetListener(Listener)
}
