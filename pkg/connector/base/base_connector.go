// Package base implements the polling source connector that every feed runs
// under.
//
// # Poll cycle
//
// A Connector owns one goroutine while running. Each cycle either skips the
// fetch because the circuit breaker is open, or invokes the Fetcher under
// FetchTimeout. The next cycle is scheduled only after the previous one has
// finished handling its result, including delivery of signals to the
// listener, so a slow fetch delays its own connector and no other.
//
//	success: reset consecutive failures, update latency average, emit record,
//	         wait PollInterval
//	failure: count it, open the breaker at MaxConsecutiveFailures, emit error,
//	         wait PollInterval, or BreakerCooldown when the breaker is open
//
// The breaker closes on its own once BreakerCooldown has elapsed. There is no
// trial fetch; the next normal poll simply runs.
//
// # Cancellation
//
// Stop cancels pending timers and waits for the poll goroutine to exit. An
// in-flight fetch is not cancelled: it runs to completion or to its timeout
// and its result is discarded.
//
// Example usage:
//
//	conn, err := base.NewConnector(cfg, fetcher, logger)
//	if err != nil {
//	    return err
//	}
//	conn.SetListener(core.ListenerFunc(func(s core.Signal) { ... }))
//	if err := conn.Start(); err != nil {
//	    return err
//	}
//	defer conn.Stop(context.Background())
package base

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/feedstream/pkg/config"
	"github.com/ajitpratap0/feedstream/pkg/connector/core"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/logger"
	"github.com/ajitpratap0/feedstream/pkg/metrics"
	"github.com/ajitpratap0/feedstream/pkg/models"
	"github.com/ajitpratap0/feedstream/pkg/observability"
)

// Connector polls one upstream through a Fetcher and reports the outcome of
// every poll to a single Listener.
type Connector struct {
	cfg     config.ConnectorConfig
	fetcher core.Fetcher
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	listener core.Listener
	running  bool
	runID    uint64
	cancel   context.CancelFunc
	done     chan struct{}

	breaker             *circuitBreaker
	consecutiveFailures int
	startedAt           time.Time
	lastPollAt          time.Time
	lastSuccessAt       time.Time

	totalAttempts int64
	successes     int64
	failures      int64
	avgLatencyMs  float64
}

var _ core.Source = (*Connector)(nil)

// NewConnector validates cfg and builds a stopped connector.
func NewConnector(cfg config.ConnectorConfig, fetcher core.Fetcher, log *zap.Logger) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid connector configuration")
	}
	if fetcher == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "connector requires a fetcher")
	}

	l := logger.OrNop(log).With(
		zap.String("component", "connector"),
		zap.String("connector", cfg.Name),
	)

	return &Connector{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  l,
		now:     time.Now,
		breaker: newCircuitBreaker(cfg.Name, cfg.BreakerCooldown, l),
	}, nil
}

// Name returns the connector name.
func (c *Connector) Name() string {
	return c.cfg.Name
}

// Config returns the connector configuration.
func (c *Connector) Config() config.ConnectorConfig {
	return c.cfg
}

// Close releases the fetcher if it holds resources. The connector must be
// stopped first.
func (c *Connector) Close() error {
	if closer, ok := c.fetcher.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// SetListener replaces the signal listener. Only one listener is attached at
// a time.
func (c *Connector) SetListener(l core.Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Start begins polling immediately. It returns an already_running error if
// the connector is running. Each start begins with a closed breaker and no
// consecutive failures; cumulative metrics are kept until Reset.
func (c *Connector) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.AlreadyRunning(c.cfg.Name)
	}

	now := c.now()
	c.running = true
	c.runID++
	runID := c.runID
	c.startedAt = now
	c.consecutiveFailures = 0
	c.breaker.reset(now)

	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, logger.ConnectorKey, c.cfg.Name)
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	c.logger.Info("connector started",
		zap.Duration("poll_interval", c.cfg.PollInterval),
		zap.Int("max_consecutive_failures", c.cfg.MaxConsecutiveFailures))
	c.emit(core.Signal{Kind: core.SignalStarted, Connector: c.cfg.Name, At: now})

	go c.run(ctx, runID, done)
	return nil
}

// Stop cancels pending poll and breaker timers and waits, bounded by ctx, for
// the poll goroutine to exit. Stopping a connector that is not running is
// logged and otherwise ignored.
func (c *Connector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		c.logger.Debug("stop requested but connector is not running")
		return nil
	}

	c.running = false
	c.cancel()
	c.breaker.stopTimer()
	done := c.done
	c.mu.Unlock()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "poll loop did not exit").
			WithDetail("connector", c.cfg.Name)
	}

	c.logger.Info("connector stopped")
	c.emit(core.Signal{Kind: core.SignalStopped, Connector: c.cfg.Name, At: c.now()})
	return err
}

// Reset zeroes the runtime counters of a stopped connector.
func (c *Connector) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.AlreadyRunning(c.cfg.Name).WithDetail("operation", "reset")
	}

	c.breaker.reset(c.now())
	c.consecutiveFailures = 0
	c.startedAt = time.Time{}
	c.lastPollAt = time.Time{}
	c.lastSuccessAt = time.Time{}
	c.totalAttempts = 0
	c.successes = 0
	c.failures = 0
	c.avgLatencyMs = 0

	c.logger.Debug("connector counters reset")
	return nil
}

// IsRunning reports whether the poll loop is active.
func (c *Connector) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Connector) run(ctx context.Context, runID uint64, done chan struct{}) {
	defer close(done)

	for {
		wait, ok := c.cycle(ctx, runID)
		if !ok {
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// current reports whether runID is the live run. Callers hold c.mu.
func (c *Connector) current(runID uint64) bool {
	return c.running && c.runID == runID
}

// cycle runs one poll and returns the delay before the next one. ok is false
// once the run has been stopped.
func (c *Connector) cycle(ctx context.Context, runID uint64) (wait time.Duration, ok bool) {
	var signals []core.Signal

	c.mu.Lock()
	if !c.current(runID) {
		c.mu.Unlock()
		return 0, false
	}
	now := c.now()
	if c.breaker.closeIfDue(now) {
		c.consecutiveFailures = 0
		signals = append(signals, core.Signal{Kind: core.SignalBreakerClosed, Connector: c.cfg.Name, At: now})
	}
	if c.breaker.isOpen() {
		c.mu.Unlock()
		c.logger.Debug("circuit breaker open, skipping fetch")
		return c.cfg.BreakerCooldown, true
	}
	c.lastPollAt = now
	c.mu.Unlock()
	c.emit(signals...)
	signals = signals[:0]

	res, latency, completed := c.fetch(ctx)
	if !completed {
		return 0, false
	}
	rec, err := res.record, res.err

	c.mu.Lock()
	if !c.current(runID) {
		c.mu.Unlock()
		c.logger.Debug("discarding fetch result of stopped run")
		return 0, false
	}

	now = c.now()
	c.totalAttempts++
	wait = c.cfg.PollInterval

	if err == nil {
		c.successes++
		c.avgLatencyMs += (float64(latency)/float64(time.Millisecond) - c.avgLatencyMs) / float64(c.successes)
		c.consecutiveFailures = 0
		c.lastSuccessAt = now
		if c.breaker.close(now, "fetch_succeeded") {
			signals = append(signals, core.Signal{Kind: core.SignalBreakerClosed, Connector: c.cfg.Name, At: now})
		}
		signals = append(signals, core.Signal{Kind: core.SignalDataEmitted, Connector: c.cfg.Name, Record: rec, At: now})
	} else {
		c.failures++
		c.consecutiveFailures++
		if c.consecutiveFailures >= c.cfg.MaxConsecutiveFailures &&
			c.breaker.open(now, c.consecutiveFailures, func(gen uint64) { c.onBreakerElapsed(runID, gen) }) {
			signals = append(signals, core.Signal{Kind: core.SignalBreakerOpened, Connector: c.cfg.Name, At: now})
		}
		if c.breaker.isOpen() {
			wait = c.cfg.BreakerCooldown
		}
		signals = append(signals, core.Signal{Kind: core.SignalErrorRaised, Connector: c.cfg.Name, Err: err, At: now})
	}
	failures := c.consecutiveFailures
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("fetch failed", zap.Error(err), zap.Int("consecutive_failures", failures))
	} else {
		c.logger.Debug("fetch succeeded", zap.Duration("latency", latency))
	}

	c.emit(signals...)
	return wait, true
}

type fetchResult struct {
	record models.Record
	err    error
}

// fetch invokes the fetcher on its own goroutine under FetchTimeout. The
// fetch context is detached from ctx so that Stop does not cancel it.
// completed is false when ctx ended first.
func (c *Connector) fetch(ctx context.Context) (result fetchResult, latency time.Duration, completed bool) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
	fetchCtx, span := observability.StartFetchSpan(fetchCtx, c.cfg.Name)

	start := c.now()
	results := make(chan fetchResult, 1)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				results <- fetchResult{err: fmt.Errorf("fetch panicked: %v", r)}
			}
		}()
		rec, err := c.fetcher.Fetch(fetchCtx)
		results <- fetchResult{record: rec, err: err}
	}()

	timeout := time.NewTimer(c.cfg.FetchTimeout)
	defer timeout.Stop()

	var (
		rec models.Record
		err error
	)
	select {
	case <-ctx.Done():
		observability.EndSpan(span, context.Canceled)
		return fetchResult{}, 0, false
	case res := <-results:
		rec, err = res.record, res.err
	case <-timeout.C:
		err = errors.Timeout(c.cfg.FetchTimeout)
	}
	latency = c.now().Sub(start)

	switch {
	case err == nil && rec == nil:
		err = errors.Fetch(fmt.Errorf("fetcher returned no record"))
	case err != nil && errors.IsType(err, errors.ErrorTypeTimeout):
	case err != nil && stderrors.Is(err, context.DeadlineExceeded):
		err = errors.Wrap(err, errors.ErrorTypeTimeout, fmt.Sprintf("fetch timed out after %s", c.cfg.FetchTimeout))
	case err != nil && !errors.IsType(err, errors.ErrorTypeFetch):
		err = errors.Fetch(err)
	}

	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
		if errors.IsType(err, errors.ErrorTypeTimeout) {
			outcome = metrics.OutcomeTimeout
		}
	}
	metrics.FetchAttempts.WithLabelValues(c.cfg.Name, outcome).Inc()
	metrics.FetchLatency.WithLabelValues(c.cfg.Name, outcome).Observe(latency.Seconds())
	observability.EndSpan(span, err)

	return fetchResult{record: rec, err: err}, latency, true
}

// onBreakerElapsed runs on the breaker timer goroutine.
func (c *Connector) onBreakerElapsed(runID, generation uint64) {
	c.mu.Lock()
	if !c.current(runID) {
		c.mu.Unlock()
		return
	}
	now := c.now()
	closed := c.breaker.closeGeneration(now, generation)
	if closed {
		c.consecutiveFailures = 0
	}
	c.mu.Unlock()

	if closed {
		c.emit(core.Signal{Kind: core.SignalBreakerClosed, Connector: c.cfg.Name, At: now})
	}
}

func (c *Connector) emit(signals ...core.Signal) {
	if len(signals) == 0 {
		return
	}
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		return
	}
	for _, s := range signals {
		l.OnSignal(s)
	}
}
