package ingestion

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/ajitpratap0/feedstream/pkg/connector/core"
	"github.com/ajitpratap0/feedstream/pkg/queue"
)

// ConnectorSnapshot is the supervisor's view of one entry.
type ConnectorSnapshot struct {
	Name        string      `json:"name"`
	Healthy     bool        `json:"healthy"`
	Restarting  bool        `json:"restarting"`
	DataCount   int64       `json:"dataCount"`
	ErrorCount  int64       `json:"errorCount"`
	DeadLetters int64       `json:"deadLetters"`
	Restarts    int         `json:"restarts"`
	LastDataAt  *time.Time  `json:"lastDataAt,omitempty"`
	LastErrorAt *time.Time  `json:"lastErrorAt,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
	Connector   core.Status `json:"connector"`
	Health      core.Health `json:"health"`
}

// ProcessStats describes the current process.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
	OpenFDs    int32   `json:"openFds"`
}

// Status is a read-only snapshot of the supervisor.
type Status struct {
	Running    bool                `json:"running"`
	StartedAt  *time.Time          `json:"startedAt,omitempty"`
	Uptime     time.Duration       `json:"uptime"`
	Connectors []ConnectorSnapshot `json:"connectors"`
	Queue      queue.Stats         `json:"queue"`
	QueueState queue.Health        `json:"queueHealth"`
	Process    ProcessStats        `json:"process"`
}

// Status returns per-connector snapshots, uptime, queue stats and process
// resource usage.
func (s *Supervisor) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{Running: s.running}
	now := s.now()
	if !s.startedAt.IsZero() {
		started := s.startedAt
		st.StartedAt = &started
		if s.running {
			st.Uptime = now.Sub(started)
		}
	}
	entries := s.snapshotLocked()
	snaps := make([]ConnectorSnapshot, len(entries))
	for i, e := range entries {
		snaps[i] = ConnectorSnapshot{
			Name:        e.name,
			Healthy:     e.isHealthy,
			Restarting:  e.restarting,
			DataCount:   e.dataCount,
			ErrorCount:  e.errorCount,
			DeadLetters: e.deadLetters,
			Restarts:    e.restarts,
			LastDataAt:  timePtr(e.lastDataAt),
			LastErrorAt: timePtr(e.lastErrorAt),
			LastError:   e.lastError,
		}
	}
	s.mu.Unlock()

	// Connector reads take the connector's own lock, never s.mu.
	for i, e := range entries {
		snaps[i].Connector = e.source.Status()
		snaps[i].Health = e.source.Health()
	}
	st.Connectors = snaps
	st.Queue = s.queue.Stats()
	st.QueueState = s.queue.Health(ctx)
	st.Process = s.processStats(ctx)
	return st
}

func (s *Supervisor) processStats(ctx context.Context) ProcessStats {
	ps := ProcessStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
	}

	proc, err := process.NewProcessWithContext(ctx, ps.PID)
	if err != nil {
		s.logger.Debug("process stats unavailable", zap.Error(err))
		return ps
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		ps.RSSBytes = mem.RSS
	}
	ps.CPUPercent, _ = proc.CPUPercentWithContext(ctx)
	ps.Threads, _ = proc.NumThreadsWithContext(ctx)
	ps.OpenFDs, _ = proc.NumFDsWithContext(ctx)
	return ps
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
