package ingestion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/feedstream/pkg/config"
	"github.com/ajitpratap0/feedstream/pkg/connector/core"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/models"
	"github.com/ajitpratap0/feedstream/pkg/queue"
	"github.com/ajitpratap0/feedstream/pkg/testutil"
)

// fakeSource is a core.Source driven by the test.
type fakeSource struct {
	name string

	mu         sync.Mutex
	listener   core.Listener
	running    bool
	health     core.HealthState
	startErr   error
	stopErr    error
	starts     int
	stops      int
	resets     int
	startTimes []time.Time
	stopTimes  []time.Time
}

var _ core.Source = (*fakeSource)(nil)

func newFakeSource(name string) *fakeSource {
	return &fakeSource{name: name, health: core.HealthHealthy}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return errors.AlreadyRunning(f.name)
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	f.starts++
	f.startTimes = append(f.startTimes, time.Now())
	return nil
}

func (f *fakeSource) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
	f.stopTimes = append(f.stopTimes, time.Now())
	return f.stopErr
}

func (f *fakeSource) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeSource) Status() core.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return core.Status{Name: f.name, Running: f.running}
}

func (f *fakeSource) Health() core.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return core.Health{Status: f.health}
}

// gatedSource blocks in SetListener until released, holding a registration
// between its bookkeeping and the start of the connector.
type gatedSource struct {
	*fakeSource
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedSource(name string) *gatedSource {
	return &gatedSource{
		fakeSource: newFakeSource(name),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (g *gatedSource) SetListener(l core.Listener) {
	if l != nil {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	g.fakeSource.SetListener(l)
}

func (f *fakeSource) SetListener(l core.Listener) {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
}

func (f *fakeSource) setHealth(h core.HealthState) {
	f.mu.Lock()
	f.health = h
	f.mu.Unlock()
}

func (f *fakeSource) setStartErr(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

func (f *fakeSource) counts() (starts, stops, resets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.resets
}

func (f *fakeSource) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSource) send(sig core.Signal) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	sig.Connector = f.name
	if l != nil {
		l.OnSignal(sig)
	}
}

func (f *fakeSource) data(rec models.Record) {
	f.send(core.Signal{Kind: core.SignalDataEmitted, Record: rec, At: time.Now()})
}

func (f *fakeSource) fail(err error) {
	f.send(core.Signal{Kind: core.SignalErrorRaised, Err: err, At: time.Now()})
}

// topicCollector records every message delivered on one topic.
type topicCollector struct {
	mu   sync.Mutex
	msgs []*models.QueueMessage
}

func collect(t *testing.T, q *queue.Queue, topic string) *topicCollector {
	t.Helper()
	c := &topicCollector{}
	require.NoError(t, q.Subscribe(testutil.TestContext(t), topic, func(_ context.Context, m *models.QueueMessage) error {
		c.mu.Lock()
		c.msgs = append(c.msgs, m)
		c.mu.Unlock()
		return nil
	}))
	return c
}

func (c *topicCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *topicCollector) messages() []*models.QueueMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.QueueMessage, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// eventRecorder keeps every supervisor event.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) of(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testSupervisorConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		HealthCheckInterval:        time.Hour,
		RestartUnhealthyConnectors: true,
		DeadLetterEnabled:          true,
	}
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q := queue.New(context.Background(), config.DefaultQueueConfig(), testutil.TestLogger(t))
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func newTestSupervisor(t *testing.T, cfg config.SupervisorConfig, q Queue) (*Supervisor, *eventRecorder) {
	t.Helper()
	s, err := New(cfg, q, testutil.TestLogger(t))
	require.NoError(t, err)
	rec := &eventRecorder{}
	s.OnEvent(rec.record)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, rec
}

// entryCounts reads an entry's counters under the supervisor lock.
func entryCounts(s *Supervisor, name string) (data, errs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return -1, -1
	}
	return e.dataCount, e.errorCount
}
