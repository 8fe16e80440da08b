package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/feedstream/pkg/config"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/json"
	"github.com/ajitpratap0/feedstream/pkg/models"
	"github.com/ajitpratap0/feedstream/pkg/testutil"
)

// fakeGroup feeds messages from a channel to the handler until the session
// context ends.
type fakeGroup struct {
	sarama.ConsumerGroup
	messages  chan *sarama.ConsumerMessage
	closed    chan struct{}
	closeOnce sync.Once
	marked    int32
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{
		messages: make(chan *sarama.ConsumerMessage, 16),
		closed:   make(chan struct{}),
	}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, h sarama.ConsumerGroupHandler) error {
	select {
	case <-g.closed:
		return sarama.ErrClosedConsumerGroup
	default:
	}

	sess := &fakeSession{ctx: ctx, group: g}
	if err := h.Setup(sess); err != nil {
		return err
	}
	err := h.ConsumeClaim(sess, &fakeClaim{messages: g.messages})
	_ = h.Cleanup(sess)
	return err
}

func (g *fakeGroup) Close() error {
	g.closeOnce.Do(func() { close(g.closed) })
	return nil
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx   context.Context
	group *fakeGroup
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(*sarama.ConsumerMessage, string) {
	atomic.AddInt32(&s.group.marked, 1)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func kafkaConfig() config.QueueConfig {
	cfg := config.DefaultQueueConfig()
	cfg.Type = config.QueueTypeBroker
	cfg.Brokers = []string{"localhost:9092"}
	return cfg
}

func newTestKafka(t *testing.T, producer sarama.SyncProducer, group *fakeGroup) *KafkaBackend {
	return newKafkaBackend(kafkaConfig(), testutil.TestLogger(t), producer, func() (sarama.ConsumerGroup, error) {
		if group == nil {
			return nil, fmt.Errorf("no group")
		}
		return group, nil
	})
}

func TestKafkaPublishEncodesEnvelope(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var m models.QueueMessage
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		if m.ID != "id-1" || m.Topic != "raw-data" {
			return fmt.Errorf("unexpected envelope %+v", m)
		}
		return nil
	})

	k := newTestKafka(t, producer, nil)
	err := k.Publish(context.Background(), &models.QueueMessage{
		ID:        "id-1",
		Topic:     "raw-data",
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"source": "s"},
		Metadata:  map[string]interface{}{"connector": "weather"},
	})
	require.NoError(t, err)

	stats := k.Stats()
	assert.EqualValues(t, 1, stats.Published)
	assert.EqualValues(t, 1, stats.Topics["raw-data"].Published)
	assert.True(t, stats.Connected)
	require.NoError(t, k.Close())
}

func TestKafkaPublishRejectsUnknownTopic(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	k := newTestKafka(t, producer, nil)

	err := k.Publish(context.Background(), msg("not-a-topic", "x"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	require.NoError(t, k.Close())
}

func TestKafkaPublishFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	k := newTestKafka(t, producer, nil)
	err := k.Publish(context.Background(), msg("alerts", "x"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeBackend))
	assert.True(t, errors.IsRetryable(err))
	assert.EqualValues(t, 1, k.Stats().Failed)
	require.NoError(t, k.Close())
}

func TestKafkaSubscribeDeliversDecodedMessages(t *testing.T) {
	group := newFakeGroup()
	k := newTestKafka(t, mocks.NewSyncProducer(t, nil), group)
	ctx := testutil.TestContext(t)

	var c collector
	require.NoError(t, k.Subscribe(ctx, "processed-data", c.handle))

	err := k.Subscribe(ctx, "processed-data", c.handle)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	for i := 0; i < 3; i++ {
		value, err := json.Marshal(&models.QueueMessage{ID: fmt.Sprintf("m%d", i), Topic: "processed-data"})
		require.NoError(t, err)
		group.messages <- &sarama.ConsumerMessage{Topic: "processed-data", Value: value, Offset: int64(i)}
	}
	group.messages <- &sarama.ConsumerMessage{Topic: "processed-data", Value: []byte("not json"), Offset: 3}

	testutil.AssertEventually(t, func() bool { return c.len() == 3 }, time.Second, "messages consumed")
	assert.Equal(t, []string{"m0", "m1", "m2"}, c.ids())
	testutil.AssertEventually(t, func() bool { return atomic.LoadInt32(&group.marked) == 4 }, time.Second, "offsets marked")
	assert.True(t, k.Stats().Topics["processed-data"].Subscribed)

	require.NoError(t, k.Unsubscribe("processed-data"))
	assert.False(t, k.Stats().Topics["processed-data"].Subscribed)
	assert.EqualValues(t, 3, k.Stats().Delivered)
	assert.EqualValues(t, 1, k.Stats().Failed)

	require.NoError(t, k.Close())
	assert.False(t, k.Stats().Connected)
	assert.Error(t, k.HealthCheck(ctx))
}
