package base

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/feedstream/pkg/config"
	"github.com/ajitpratap0/feedstream/pkg/connector/core"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/models"
	"github.com/ajitpratap0/feedstream/pkg/testutil"
)

var errUpstream = stderrors.New("upstream unavailable")

func testConfig(name string) config.ConnectorConfig {
	return config.ConnectorConfig{
		Name:                   name,
		PollInterval:           5 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		BreakerCooldown:        300 * time.Millisecond,
		FetchTimeout:           time.Second,
		RetryDelay:             time.Millisecond,
	}
}

func newTestConnector(t *testing.T, cfg config.ConnectorConfig, f core.Fetcher) (*Connector, *testutil.SignalRecorder) {
	t.Helper()
	c, err := NewConnector(cfg, f, testutil.TestLogger(t))
	require.NoError(t, err)
	rec := &testutil.SignalRecorder{}
	c.SetListener(rec)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, rec
}

func TestNewConnectorValidates(t *testing.T) {
	cfg := testConfig("bad")
	cfg.PollInterval = 0
	_, err := NewConnector(cfg, testutil.NewScriptedFetcher(testutil.Step{}), nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = NewConnector(testConfig("nil-fetcher"), nil, nil)
	assert.Error(t, err)
}

func TestStartPollsImmediately(t *testing.T) {
	cfg := testConfig("immediate")
	cfg.PollInterval = time.Hour
	f := testutil.NewScriptedFetcher(testutil.Step{Record: testutil.FreshRecord("immediate")})
	c, rec := newTestConnector(t, cfg, f)

	require.NoError(t, c.Start())
	testutil.AssertEventually(t, func() bool { return rec.Count(core.SignalDataEmitted) == 1 }, time.Second, "first poll")

	assert.Equal(t, []core.SignalKind{core.SignalStarted, core.SignalDataEmitted}, rec.Kinds())
	assert.Equal(t, "immediate", rec.Signals()[1].Record[models.FieldSource])
	assert.Equal(t, 1, f.Calls())
}

func TestStartTwiceFails(t *testing.T) {
	c, _ := newTestConnector(t, testConfig("twice"), testutil.NewScriptedFetcher(testutil.Step{Record: testutil.FreshRecord("x")}))

	require.NoError(t, c.Start())
	err := c.Start()
	assert.True(t, errors.IsType(err, errors.ErrorTypeAlreadyRunning))
}

func TestStopWhenNotRunningIsNoop(t *testing.T) {
	c, rec := newTestConnector(t, testConfig("idle"), testutil.NewScriptedFetcher(testutil.Step{}))
	assert.NoError(t, c.Stop(context.Background()))
	assert.Empty(t, rec.Signals())
}

func TestBreakerOpensAndSkipsFetches(t *testing.T) {
	f := testutil.NewScriptedFetcher(testutil.Step{Err: errUpstream})
	c, rec := newTestConnector(t, testConfig("breaker"), f)

	require.NoError(t, c.Start())
	testutil.AssertEventually(t, func() bool { return rec.Count(core.SignalErrorRaised) == 3 }, time.Second, "breaker opens")

	assert.True(t, c.Status().BreakerOpen)
	assert.Equal(t, 3, f.Calls())
	assert.Equal(t, 1, rec.Count(core.SignalBreakerOpened))
	assert.Equal(t, 3, rec.Count(core.SignalErrorRaised))
	assert.Equal(t, core.HealthCircuitBreakerOpen, c.Health().Status)

	testutil.AssertNever(t, func() bool { return f.Calls() > 3 }, 100*time.Millisecond, "no fetch while open")

	f.SetFallback(testutil.Step{Record: testutil.FreshRecord("breaker")})
	testutil.AssertEventually(t, func() bool { return rec.Count(core.SignalDataEmitted) >= 1 }, 2*time.Second, "fetch after cool-down")

	assert.Equal(t, 1, rec.Count(core.SignalBreakerClosed))
	assert.GreaterOrEqual(t, f.Calls(), 4)
	assert.False(t, c.Status().BreakerOpen)
	assert.Zero(t, c.Status().ConsecutiveFailures)
}

func TestBreakerSignalOrdering(t *testing.T) {
	cfg := testConfig("ordering")
	cfg.MaxConsecutiveFailures = 1
	f := testutil.NewScriptedFetcher(testutil.Step{Err: errUpstream})
	c, rec := newTestConnector(t, cfg, f)

	require.NoError(t, c.Start())
	testutil.AssertEventually(t, func() bool { return rec.Count(core.SignalErrorRaised) == 1 }, time.Second, "first failure")

	assert.Equal(t, []core.SignalKind{core.SignalStarted, core.SignalBreakerOpened, core.SignalErrorRaised}, rec.Kinds())
}

func TestBreakerClosesOncePerCooldown(t *testing.T) {
	cfg := testConfig("cycling")
	cfg.MaxConsecutiveFailures = 1
	cfg.BreakerCooldown = 40 * time.Millisecond
	f := testutil.NewScriptedFetcher(testutil.Step{Err: errUpstream})
	c, rec := newTestConnector(t, cfg, f)

	require.NoError(t, c.Start())
	testutil.AssertEventually(t, func() bool { return rec.Count(core.SignalBreakerClosed) >= 3 }, 2*time.Second, "several cycles")
	require.NoError(t, c.Stop(context.Background()))

	opened := rec.Count(core.SignalBreakerOpened)
	closed := rec.Count(core.SignalBreakerClosed)
	// every completed fetch reopens the breaker; one may be cut off by Stop
	assert.GreaterOrEqual(t, f.Calls(), opened)
	assert.LessOrEqual(t, f.Calls()-opened, 1)
	assert.Contains(t, []int{0, 1}, opened-closed)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	cfg := testConfig("recover")
	cfg.MaxConsecutiveFailures = 5
	f := testutil.NewScriptedFetcher(
		testutil.Step{Record: testutil.FreshRecord("recover")},
		testutil.Step{Err: errUpstream},
		testutil.Step{Err: errUpstream},
		testutil.Step{Record: testutil.FreshRecord("recover")},
	)
	c, rec := newTestConnector(t, cfg, f)

	require.NoError(t, c.Start())
	testutil.AssertEventually(t, func() bool { return rec.Count(core.SignalDataEmitted) >= 1 }, time.Second, "success")

	s := c.Status()
	assert.Zero(t, s.ConsecutiveFailures)
	assert.EqualValues(t, 2, s.Metrics.Failures)
	assert.NotNil(t, s.LastSuccessAt)
}

func TestMovingAverageLatency(t *testing.T) {
	clock := testutil.NewFakeClock(time.Now())
	latencies := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 60 * time.Millisecond}
	outcomes := []struct {
		latency time.Duration
		fail    bool
	}{
		{latencies[0], false},
		{500 * time.Millisecond, true},
		{latencies[1], false},
		{latencies[2], false},
		{900 * time.Millisecond, true},
		{latencies[3], false},
	}

	calls := 0
	fetch := core.FetchFunc(func(context.Context) (models.Record, error) {
		if calls >= len(outcomes) {
			return nil, errUpstream
		}
		o := outcomes[calls]
		calls++
		clock.Advance(o.latency)
		if o.fail {
			return nil, errUpstream
		}
		return testutil.FreshRecord("avg"), nil
	})

	cfg := testConfig("avg")
	cfg.MaxConsecutiveFailures = 100
	c, rec := newTestConnector(t, cfg, fetch)
	c.now = clock.Now

	require.NoError(t, c.Start())
	testutil.AssertEventually(t, func() bool { return rec.Count(core.SignalDataEmitted) == 4 }, 2*time.Second, "four successes")
	require.NoError(t, c.Stop(context.Background()))

	m := c.Status().Metrics
	assert.EqualValues(t, 4, m.Successes)
	assert.InDelta(t, float64(30*time.Millisecond), float64(m.MovingAvgLatency), float64(time.Microsecond))
}

func TestFetchTimeout(t *testing.T) {
	cfg := testConfig("slow")
	cfg.FetchTimeout = 20 * time.Millisecond
	cfg.PollInterval = time.Hour
	f := testutil.NewScriptedFetcher(testutil.Step{Record: testutil.FreshRecord("slow"), Delay: 200 * time.Millisecond})
	c, rec := newTestConnector(t, cfg, f)

	start := time.Now()
	require.NoError(t, c.Start())
	testutil.AssertEventually(t, func() bool { return rec.Count(core.SignalErrorRaised) == 1 }, time.Second, "timeout reported")

	assert.Less(t, time.Since(start), 200*time.Millisecond)
	sigs := rec.Signals()
	assert.True(t, errors.IsType(sigs[len(sigs)-1].Err, errors.ErrorTypeTimeout))
	assert.Equal(t, core.HealthDegraded, c.Health().Status)
}

func TestFetchPanicAndNilRecordAreFailures(t *testing.T) {
	cfg := testConfig("odd")
	cfg.MaxConsecutiveFailures = 10
	calls := 0
	fetch := core.FetchFunc(func(context.Context) (models.Record, error) {
		calls++
		if calls == 1 {
			panic("decoder exploded")
		}
		return nil, nil
	})
	c, rec := newTestConnector(t, cfg, fetch)

	require.NoError(t, c.Start())
	testutil.AssertEventually(t, func() bool { return rec.Count(core.SignalErrorRaised) >= 2 }, time.Second, "both failures")
	require.NoError(t, c.Stop(context.Background()))

	for _, s := range rec.Signals() {
		if s.Kind == core.SignalErrorRaised {
			assert.True(t, errors.IsType(s.Err, errors.ErrorTypeFetch), s.Err)
		}
	}
	assert.Zero(t, rec.Count(core.SignalDataEmitted))
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	cfg := testConfig("inflight")
	f := testutil.NewScriptedFetcher(testutil.Step{Record: testutil.FreshRecord("inflight"), Delay: 100 * time.Millisecond})
	c, rec := newTestConnector(t, cfg, f)

	require.NoError(t, c.Start())
	testutil.AssertEventually(t, func() bool { return f.Calls() == 1 }, time.Second, "fetch in flight")

	start := time.Now()
	require.NoError(t, c.Stop(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, rec.Count(core.SignalDataEmitted))
	assert.Zero(t, c.Status().Metrics.TotalAttempts)
	assert.Equal(t, []core.SignalKind{core.SignalStarted, core.SignalStopped}, rec.Kinds())
}

func TestRestartAndReset(t *testing.T) {
	cfg := testConfig("restart")
	cfg.PollInterval = time.Hour
	f := testutil.NewScriptedFetcher(testutil.Step{Record: testutil.FreshRecord("restart")})
	c, rec := newTestConnector(t, cfg, f)

	require.NoError(t, c.Start())
	testutil.AssertEventually(t, func() bool { return f.Calls() == 1 }, time.Second, "first run")

	assert.True(t, errors.IsType(c.Reset(), errors.ErrorTypeAlreadyRunning))

	require.NoError(t, c.Stop(context.Background()))
	assert.False(t, c.IsRunning())
	require.NoError(t, c.Reset())
	assert.Zero(t, c.Status().Metrics.TotalAttempts)
	assert.Nil(t, c.Status().LastSuccessAt)

	require.NoError(t, c.Start())
	testutil.AssertEventually(t, func() bool { return rec.Count(core.SignalDataEmitted) == 2 }, time.Second, "second run polls immediately")
	assert.Equal(t, 2, f.Calls())
	assert.Equal(t, 2, rec.Count(core.SignalStarted))
	assert.EqualValues(t, 1, c.Status().Metrics.Successes)
}

func TestCloseReleasesFetcher(t *testing.T) {
	f := testutil.NewScriptedFetcher(testutil.Step{Record: testutil.FreshRecord("closing")})
	c, _ := newTestConnector(t, testConfig("closing"), f)

	require.NoError(t, c.Start())
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Close())
	assert.Equal(t, 1, f.Closes())

	plain, _ := newTestConnector(t, testConfig("plain"), core.FetchFunc(func(context.Context) (models.Record, error) {
		return testutil.FreshRecord("plain"), nil
	}))
	assert.NoError(t, plain.Close())
}
