package queue

import (
	"context"
	"net"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/feedstream/pkg/config"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/metrics"
	"github.com/ajitpratap0/feedstream/pkg/models"
	"github.com/ajitpratap0/feedstream/pkg/testutil"
)

// closedAddr returns a local address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestQueuePublishWrapsEnvelope(t *testing.T) {
	ctx := testutil.TestContext(t)
	q := New(ctx, config.DefaultQueueConfig(), testutil.TestLogger(t))
	defer q.Close()

	assert.False(t, q.FellBack())
	assert.Equal(t, BackendBuffer, q.Backend().Name())

	received := make(chan *models.QueueMessage, 2)
	require.NoError(t, q.Subscribe(ctx, "alerts", func(_ context.Context, m *models.QueueMessage) error {
		received <- m
		return nil
	}))

	before := promtest.ToFloat64(metrics.QueuePublished.WithLabelValues(BackendBuffer, "alerts", metrics.OutcomeSuccess))

	id1, err := q.Publish(ctx, "alerts", map[string]interface{}{"level": "high"}, map[string]interface{}{"connector": "c1"})
	require.NoError(t, err)
	id2, err := q.Publish(ctx, "alerts", "second", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	first := <-received
	assert.Equal(t, id1, first.ID)
	assert.Equal(t, "alerts", first.Topic)
	assert.Equal(t, "c1", first.Metadata["connector"])
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, id2, (<-received).ID)

	after := promtest.ToFloat64(metrics.QueuePublished.WithLabelValues(BackendBuffer, "alerts", metrics.OutcomeSuccess))
	assert.Equal(t, before+2, after)
}

func TestQueueFallsBackToBuffer(t *testing.T) {
	ctx := testutil.TestContext(t)

	cfg := config.DefaultQueueConfig()
	cfg.Type = config.QueueTypeStore
	cfg.StoreAddress = closedAddr(t)
	cfg.DialTimeout = 200 * time.Millisecond

	q := New(ctx, cfg, testutil.TestLogger(t))
	defer q.Close()

	assert.True(t, q.FellBack())
	assert.True(t, errors.IsType(q.InitError(), errors.ErrorTypeBackendInit))
	assert.Equal(t, BackendBuffer, q.Backend().Name())

	h := q.Health(ctx)
	assert.True(t, h.Connected)
	assert.True(t, h.FellBack)
	assert.Equal(t, config.QueueTypeStore, h.Requested)

	var c collector
	require.NoError(t, q.Subscribe(ctx, "raw-data", c.handle))
	_, err := q.Publish(ctx, "raw-data", "payload", nil)
	require.NoError(t, err)
	testutil.AssertEventually(t, func() bool { return c.len() == 1 }, time.Second, "fallback buffer delivers")
}

func TestQueueUnknownTypeFallsBack(t *testing.T) {
	cfg := config.DefaultQueueConfig()
	cfg.Type = "carrier-pigeon"

	q := New(context.Background(), cfg, nil)
	defer q.Close()
	assert.True(t, q.FellBack())
	assert.Equal(t, BackendBuffer, q.Backend().Name())
}

func TestQueueClose(t *testing.T) {
	ctx := context.Background()
	q := NewWithBackend(NewBufferBackend(nil), config.DefaultTopics(), nil)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.Publish(ctx, "alerts", "x", nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeBackend))
	assert.False(t, q.Health(ctx).Connected)
}
