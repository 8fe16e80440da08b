// Package ingestion supervises a set of named source connectors, validates
// and enriches their records, publishes them to the queue and routes
// failures to the dead-letter topic.
//
// # Data path
//
// Every registered connector reports to the Supervisor through a single
// listener. A DataEmitted signal produces an EnrichedRecord with a fresh
// message id; valid records are published to the raw data topic, invalid
// ones and ones whose publish fails are dead-lettered. An ErrorRaised signal
// increments the connector's error count and writes a dead-letter entry
// without a record.
//
// # Health loop
//
// Independently of every connector's own timers, the Supervisor checks each
// entry on HealthCheckInterval. An entry is unhealthy when its connector
// reports unhealthy or circuit_breaker_open, or when no record arrived for
// StaleDataThreshold. On a transition from healthy to unhealthy, and with
// restarts enabled, the connector is stopped, left alone for a grace period,
// reset and started again.
package ingestion

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/feedstream/pkg/config"
	"github.com/ajitpratap0/feedstream/pkg/connector/core"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/logger"
	"github.com/ajitpratap0/feedstream/pkg/metrics"
	"github.com/ajitpratap0/feedstream/pkg/queue"
)

const (
	// StaleDataThreshold marks an entry unhealthy when no record arrived for
	// this long. It does not depend on the connector's poll interval.
	StaleDataThreshold = 5 * time.Minute
	// RestartGracePeriod separates stopping and restarting an unhealthy connector.
	RestartGracePeriod = 5 * time.Second
	// MaxErrorCount is the error count above which an entry is forced unhealthy.
	MaxErrorCount = 5

	publishTimeout = 10 * time.Second
	stopTimeout    = 30 * time.Second
)

// Queue is the publishing side of the queue the supervisor writes to.
type Queue interface {
	Publish(ctx context.Context, topic string, payload interface{}, metadata map[string]interface{}) (string, error)
	Topics() config.TopicsConfig
	Stats() queue.Stats
	Health(ctx context.Context) queue.Health
	Close() error
}

var _ Queue = (*queue.Queue)(nil)

// Supervisor owns the connector registry.
type Supervisor struct {
	cfg    config.SupervisorConfig
	queue  Queue
	topics config.TopicsConfig
	logger *zap.Logger

	now          func() time.Time
	newID        func() string
	restartGrace time.Duration

	mu        sync.Mutex
	entries   map[string]*entry
	listeners []EventListener
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	loopDone  chan struct{}

	// restarts tracks in-flight restart goroutines.
	restarts sync.WaitGroup
}

// entry is the supervisor's bookkeeping for one connector. Fields other than
// name, source and throughput are guarded by Supervisor.mu.
type entry struct {
	name       string
	source     core.Source
	throughput *metrics.ThroughputTracker

	registeredAt time.Time
	isHealthy    bool
	// checkHealthy is the verdict of the last health check, used to detect
	// healthy to unhealthy transitions.
	checkHealthy  bool
	restarting    bool
	restartFailed bool

	dataCount   int64
	errorCount  int64
	deadLetters int64
	restarts    int

	lastDataAt  time.Time
	lastErrorAt time.Time
	lastError   string
}

// dataClock is the instant staleness is measured from: the last data
// signal, or registration if no data ever arrived.
func (e *entry) dataClock() time.Time {
	if e.lastDataAt.IsZero() {
		return e.registeredAt
	}
	return e.lastDataAt
}

// New creates a stopped supervisor publishing to q.
func New(cfg config.SupervisorConfig, q Queue, log *zap.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid supervisor configuration")
	}
	if q == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "supervisor requires a queue")
	}

	return &Supervisor{
		cfg:          cfg,
		queue:        q,
		topics:       q.Topics(),
		logger:       logger.OrNop(log).With(zap.String("component", "supervisor")),
		now:          time.Now,
		newID:        uuid.NewString,
		restartGrace: RestartGracePeriod,
		entries:      make(map[string]*entry),
	}, nil
}

// OnEvent adds an event listener.
func (s *Supervisor) OnEvent(l EventListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Names returns the registered connector names in sorted order.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterConnector adds source under name and attaches the supervisor as its
// listener. A name already in use yields a duplicate_name error and leaves
// the existing entry untouched. If the supervisor is running the connector is
// started immediately.
func (s *Supervisor) RegisterConnector(name string, source core.Source) error {
	if name == "" || source == nil {
		return errors.New(errors.ErrorTypeConfig, "connector name and source are required")
	}

	s.mu.Lock()
	if _, exists := s.entries[name]; exists {
		s.mu.Unlock()
		return errors.DuplicateName(name)
	}
	e := &entry{
		name:         name,
		source:       source,
		throughput:   metrics.NewThroughputTracker(name),
		registeredAt: s.now(),
		isHealthy:    true,
		checkHealthy: true,
	}
	s.entries[name] = e
	running := s.running
	s.mu.Unlock()

	source.SetListener(core.ListenerFunc(func(sig core.Signal) { s.onSignal(e, sig) }))
	metrics.ConnectorHealthy.WithLabelValues(name).Set(1)
	s.logger.Info("connector registered", zap.String("connector", name))

	if running {
		s.startEntry(e)
	}
	return nil
}

// UnregisterConnector stops and removes the named connector. It returns false
// if no such connector is registered.
func (s *Supervisor) UnregisterConnector(ctx context.Context, name string) bool {
	s.mu.Lock()
	e, ok := s.entries[name]
	if ok {
		delete(s.entries, name)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	if err := e.source.Stop(ctx); err != nil {
		s.logger.Warn("failed to stop unregistered connector", zap.String("connector", name), zap.Error(err))
	}
	e.source.SetListener(nil)
	metrics.ConnectorHealthy.DeleteLabelValues(name)
	s.logger.Info("connector unregistered", zap.String("connector", name))
	return true
}

// Start starts every registered connector and the health-check loop. Calling
// Start on a running supervisor does nothing. A connector that fails to start
// is logged and marked unhealthy; the others still start.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug("start requested but supervisor is already running")
		return nil
	}
	s.running = true
	s.startedAt = s.now()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	done := make(chan struct{})
	s.loopDone = done
	entries := s.snapshotLocked()
	s.mu.Unlock()

	for _, e := range entries {
		s.startEntry(e)
	}

	go s.healthLoop(ctx, done)

	s.logger.Info("supervisor started",
		zap.Int("connectors", len(entries)),
		zap.Duration("health_check_interval", s.cfg.HealthCheckInterval),
		zap.Bool("restart_unhealthy", s.cfg.RestartUnhealthyConnectors),
		zap.Bool("dead_letter", s.cfg.DeadLetterEnabled))
	return nil
}

// Stop cancels the health-check loop and pending restarts, stops every
// connector and closes the queue. Individual failures are logged, not
// returned.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.loopDone
	s.mu.Unlock()

	cancel()
	<-done
	s.restarts.Wait()

	s.mu.Lock()
	entries := s.snapshotLocked()
	s.mu.Unlock()

	var errs error
	for _, e := range entries {
		if err := e.source.Stop(ctx); err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, errors.ErrorTypeInternal, "failed to stop connector").
				WithDetail("connector", e.name))
		}
	}
	if err := s.queue.Close(); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, errors.ErrorTypeBackend, "failed to close queue"))
	}

	if errs != nil {
		s.logger.Warn("supervisor stopped with errors", zap.Errors("errors", multierr.Errors(errs)))
	} else {
		s.logger.Info("supervisor stopped", zap.Int("connectors", len(entries)))
	}
	return nil
}

// startEntry starts one connector and records the outcome. If the
// supervisor stopped or the entry was unregistered while the connector was
// starting, the start is undone.
func (s *Supervisor) startEntry(e *entry) {
	err := e.source.Start()
	if err != nil && errors.IsType(err, errors.ErrorTypeAlreadyRunning) {
		s.logger.Debug("connector already running", zap.String("connector", e.name))
		err = nil
	}

	s.mu.Lock()
	live := s.running && s.registered(e)
	if err != nil && live {
		e.isHealthy = false
		e.checkHealthy = false
		e.restartFailed = true
	}
	s.mu.Unlock()

	if !live {
		if err == nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			if stopErr := e.source.Stop(stopCtx); stopErr != nil {
				s.logger.Warn("failed to stop connector started after shutdown",
					zap.String("connector", e.name), zap.Error(stopErr))
			}
			cancel()
		}
		s.logger.Debug("connector start undone", zap.String("connector", e.name))
		return
	}

	if err != nil {
		metrics.ConnectorHealthy.WithLabelValues(e.name).Set(0)
		s.logger.Error("failed to start connector", zap.String("connector", e.name), zap.Error(err))
	}
}

// snapshotLocked returns the entries sorted by name. Callers hold s.mu.
func (s *Supervisor) snapshotLocked() []*entry {
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// registered reports whether e is still the live entry for its name.
// Callers hold s.mu.
func (s *Supervisor) registered(e *entry) bool {
	return s.entries[e.name] == e
}

func (s *Supervisor) emit(ev Event) {
	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}
