package ingestion

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/feedstream/pkg/connector/core"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/metrics"
	"github.com/ajitpratap0/feedstream/pkg/queue"
)

// HealthLevel is the service-wide health verdict.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthWarning  HealthLevel = "warning"
	HealthDegraded HealthLevel = "degraded"
	HealthCritical HealthLevel = "critical"
)

// ServiceHealth is the aggregate health report.
type ServiceHealth struct {
	Status    HealthLevel  `json:"status"`
	Running   bool         `json:"running"`
	Healthy   int          `json:"healthy"`
	Total     int          `json:"total"`
	Unhealthy []string     `json:"unhealthy"`
	Queue     queue.Health `json:"queue"`
	CheckedAt time.Time    `json:"checkedAt"`
}

// Health aggregates entry health: critical when stopped or when the queue is
// disconnected, degraded when more than half of the entries are unhealthy,
// warning when any is, healthy otherwise.
func (s *Supervisor) Health(ctx context.Context) ServiceHealth {
	qh := s.queue.Health(ctx)

	s.mu.Lock()
	h := ServiceHealth{
		Running:   s.running,
		Total:     len(s.entries),
		Unhealthy: []string{},
		Queue:     qh,
		CheckedAt: s.now(),
	}
	for _, e := range s.snapshotLocked() {
		if e.isHealthy {
			h.Healthy++
		} else {
			h.Unhealthy = append(h.Unhealthy, e.name)
		}
	}
	s.mu.Unlock()

	unhealthy := len(h.Unhealthy)
	switch {
	case !h.Running || !qh.Connected:
		h.Status = HealthCritical
	case unhealthy*2 > h.Total:
		h.Status = HealthDegraded
	case unhealthy > 0:
		h.Status = HealthWarning
	default:
		h.Status = HealthHealthy
	}
	return h
}

func (s *Supervisor) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth(ctx)
		}
	}
}

// checkHealth evaluates every entry once and schedules restarts for entries
// that just became unhealthy.
func (s *Supervisor) checkHealth(ctx context.Context) {
	s.mu.Lock()
	entries := s.snapshotLocked()
	s.mu.Unlock()

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		reported := e.source.Health()
		e.throughput.GetAndReset()

		s.mu.Lock()
		if !s.registered(e) || e.restarting {
			s.mu.Unlock()
			continue
		}
		now := s.now()
		sinceData := now.Sub(e.dataClock())
		stale := sinceData > StaleDataThreshold
		unhealthy := stale ||
			reported.Status == core.HealthUnhealthy ||
			reported.Status == core.HealthCircuitBreakerOpen

		wasHealthy := e.checkHealthy
		e.checkHealthy = !unhealthy
		e.isHealthy = !unhealthy
		restart := unhealthy && s.cfg.RestartUnhealthyConnectors && (wasHealthy || e.restartFailed)
		if restart {
			e.restarting = true
		}
		s.mu.Unlock()

		metrics.ConnectorHealthy.WithLabelValues(e.name).Set(metrics.BoolGauge(!unhealthy))

		if unhealthy && wasHealthy {
			s.logger.Warn("connector became unhealthy",
				zap.String("connector", e.name),
				zap.String("reported", string(reported.Status)),
				zap.Duration("since_last_data", sinceData),
				zap.Bool("stale", stale))
		} else if !unhealthy && !wasHealthy {
			s.logger.Info("connector recovered", zap.String("connector", e.name))
		}

		if restart {
			s.restarts.Add(1)
			go s.restart(ctx, e)
		}
	}
}

// restart stops e, waits the grace period and starts it again. ctx is the
// health loop's context; cancelling it abandons the restart before the start.
func (s *Supervisor) restart(ctx context.Context, e *entry) {
	defer s.restarts.Done()

	log := s.logger.With(zap.String("connector", e.name))
	log.Info("restarting unhealthy connector", zap.Duration("grace_period", s.restartGrace))

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	err := e.source.Stop(stopCtx)
	cancel()
	if err != nil {
		s.finishRestart(e, log, errors.Wrap(err, errors.ErrorTypeInternal, "stop before restart failed"))
		return
	}

	timer := time.NewTimer(s.restartGrace)
	select {
	case <-ctx.Done():
		timer.Stop()
		s.finishRestart(e, log, errors.Wrap(ctx.Err(), errors.ErrorTypeInternal, "restart cancelled"))
		return
	case <-timer.C:
	}

	s.mu.Lock()
	live := s.registered(e) && s.running
	s.mu.Unlock()
	if !live {
		s.finishRestart(e, log, errors.New(errors.ErrorTypeNotRunning, "connector or supervisor no longer active"))
		return
	}

	if err := e.source.Reset(); err != nil {
		s.finishRestart(e, log, errors.Wrap(err, errors.ErrorTypeInternal, "reset before restart failed"))
		return
	}
	if err := e.source.Start(); err != nil {
		s.finishRestart(e, log, err)
		return
	}

	// Unregistered while starting: undo the start.
	s.mu.Lock()
	live = s.registered(e)
	s.mu.Unlock()
	if !live {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		_ = e.source.Stop(stopCtx)
		cancel()
		s.finishRestart(e, log, errors.New(errors.ErrorTypeNotRunning, "connector unregistered during restart"))
		return
	}

	s.finishRestart(e, log, nil)
}

func (s *Supervisor) finishRestart(e *entry, log *zap.Logger, err error) {
	now := s.now()

	s.mu.Lock()
	e.restarting = false
	if err == nil {
		e.errorCount = 0
		e.restarts++
		e.restartFailed = false
	} else {
		e.restartFailed = true
	}
	s.mu.Unlock()

	if err != nil {
		metrics.ConnectorRestarts.WithLabelValues(e.name, metrics.OutcomeFailure).Inc()
		log.Error("connector restart failed", zap.Error(err))
		return
	}

	metrics.ConnectorRestarts.WithLabelValues(e.name, metrics.OutcomeSuccess).Inc()
	log.Info("connector restarted")
	s.emit(Event{Kind: EventRestarted, Connector: e.name, At: now})
}
