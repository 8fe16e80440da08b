package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/feedstream/pkg/config"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/json"
	"github.com/ajitpratap0/feedstream/pkg/logger"
	"github.com/ajitpratap0/feedstream/pkg/models"
)

// KafkaBackend publishes through a synchronous producer and consumes each
// subscribed topic through its own consumer group session. It only accepts
// the configured topic set.
type KafkaBackend struct {
	logger   *zap.Logger
	groupID  string
	client   sarama.Client
	producer sarama.SyncProducer
	newGroup func() (sarama.ConsumerGroup, error)
	topics   map[string]struct{}

	mu     sync.Mutex
	subs   map[string]*kafkaSubscription
	counts map[string]int64
	closed bool

	published int64
	delivered int64
	failed    int64
}

type kafkaSubscription struct {
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Backend = (*KafkaBackend)(nil)

// NewKafkaBackend connects to cfg.Brokers. Any connection failure is returned
// as a backend_init error.
func NewKafkaBackend(cfg config.QueueConfig, log *zap.Logger) (*KafkaBackend, error) {
	client, err := sarama.NewClient(cfg.Brokers, buildSaramaConfig(cfg))
	if err != nil {
		return nil, errors.BackendInit(BackendBroker, err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.BackendInit(BackendBroker, err)
	}

	k := newKafkaBackend(cfg, log, producer, func() (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
	})
	k.client = client

	k.logger.Info("connected to Kafka",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("consumer_group", cfg.GroupID))
	return k, nil
}

func newKafkaBackend(cfg config.QueueConfig, log *zap.Logger, producer sarama.SyncProducer, newGroup func() (sarama.ConsumerGroup, error)) *KafkaBackend {
	topics := make(map[string]struct{})
	for _, t := range cfg.Topics.All() {
		topics[t] = struct{}{}
	}
	return &KafkaBackend{
		logger:   logger.OrNop(log).With(zap.String("component", "queue_kafka")),
		groupID:  cfg.GroupID,
		producer: producer,
		newGroup: newGroup,
		topics:   topics,
		subs:     make(map[string]*kafkaSubscription),
		counts:   make(map[string]int64),
	}
}

func buildSaramaConfig(cfg config.QueueConfig) *sarama.Config {
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}

	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Retry.Max = 3
	sc.Producer.Compression = sarama.CompressionSnappy

	sc.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest

	if cfg.DialTimeout > 0 {
		sc.Net.DialTimeout = cfg.DialTimeout
	}
	sc.Metadata.Retry.Max = 1
	return sc
}

// Name returns BackendBroker.
func (k *KafkaBackend) Name() string { return BackendBroker }

// Publish sends msg as a JSON envelope keyed by its id.
func (k *KafkaBackend) Publish(_ context.Context, msg *models.QueueMessage) error {
	if err := k.checkTopic(msg.Topic); err != nil {
		atomic.AddInt64(&k.failed, 1)
		return err
	}

	value, err := json.Marshal(msg)
	if err != nil {
		atomic.AddInt64(&k.failed, 1)
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode queue message")
	}

	headers := make([]sarama.RecordHeader, 0, len(msg.Metadata))
	for key, v := range msg.Metadata {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(key),
			Value: []byte(fmt.Sprint(v)),
		})
	}

	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     msg.Topic,
		Key:       sarama.StringEncoder(msg.ID),
		Value:     sarama.ByteEncoder(value),
		Headers:   headers,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		atomic.AddInt64(&k.failed, 1)
		return errors.Wrap(err, errors.ErrorTypeBackend, "failed to produce message").
			WithDetail("topic", msg.Topic)
	}

	atomic.AddInt64(&k.published, 1)
	k.mu.Lock()
	k.counts[msg.Topic]++
	k.mu.Unlock()

	k.logger.Debug("produced message",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Subscribe starts a consumer group session for topic. One subscription per
// topic is allowed.
func (k *KafkaBackend) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if handler == nil {
		return errors.New(errors.ErrorTypeConfig, "subscribe requires a handler")
	}
	if err := k.checkTopic(topic); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New(errors.ErrorTypeBackend, "broker backend is closed")
	}
	if _, exists := k.subs[topic]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "topic %s already has a subscriber", topic)
	}

	group, err := k.newGroup()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeBackend, "failed to create consumer group").
			WithDetail("topic", topic)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{group: group, cancel: cancel, done: make(chan struct{})}
	k.subs[topic] = sub

	go k.consume(runCtx, topic, sub, &groupHandler{backend: k, handler: handler})

	k.logger.Info("subscribed to Kafka topic",
		zap.String("topic", topic),
		zap.String("consumer_group", k.groupID))
	return nil
}

// Unsubscribe stops the consumer group session of topic.
func (k *KafkaBackend) Unsubscribe(topic string) error {
	k.mu.Lock()
	sub, ok := k.subs[topic]
	delete(k.subs, topic)
	k.mu.Unlock()

	if !ok {
		return nil
	}
	return k.stopSubscription(sub)
}

// Stats returns producer and consumer counters.
func (k *KafkaBackend) Stats() Stats {
	k.mu.Lock()
	topics := make(map[string]TopicStats, len(k.topics))
	for t := range k.topics {
		_, subscribed := k.subs[t]
		topics[t] = TopicStats{Published: k.counts[t], Subscribed: subscribed}
	}
	closed := k.closed
	k.mu.Unlock()

	return Stats{
		Backend:   BackendBroker,
		Connected: !closed && (k.client == nil || !k.client.Closed()),
		Published: atomic.LoadInt64(&k.published),
		Failed:    atomic.LoadInt64(&k.failed),
		Delivered: atomic.LoadInt64(&k.delivered),
		Topics:    topics,
	}
}

// HealthCheck verifies that the client still has live brokers.
func (k *KafkaBackend) HealthCheck(context.Context) error {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()

	if closed {
		return errors.New(errors.ErrorTypeBackend, "broker backend is closed")
	}
	if k.client == nil {
		return nil
	}
	if k.client.Closed() {
		return errors.New(errors.ErrorTypeBackend, "Kafka client is closed")
	}
	if len(k.client.Brokers()) == 0 {
		return errors.New(errors.ErrorTypeBackend, "no Kafka brokers available")
	}
	return nil
}

// Close stops every subscription, the producer and the client.
func (k *KafkaBackend) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	subs := k.subs
	k.subs = make(map[string]*kafkaSubscription)
	k.mu.Unlock()

	var err error
	for _, sub := range subs {
		err = multierr.Append(err, k.stopSubscription(sub))
	}
	if cerr := k.producer.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close producer: %w", cerr))
	}
	if k.client != nil && !k.client.Closed() {
		if cerr := k.client.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close client: %w", cerr))
		}
	}

	k.logger.Info("Kafka backend closed")
	return err
}

func (k *KafkaBackend) checkTopic(topic string) error {
	if _, ok := k.topics[topic]; !ok {
		return errors.Newf(errors.ErrorTypeConfig, "topic %s is not in the configured topic set", topic)
	}
	return nil
}

func (k *KafkaBackend) stopSubscription(sub *kafkaSubscription) error {
	sub.cancel()
	err := sub.group.Close()
	<-sub.done
	if err != nil {
		return fmt.Errorf("close consumer group: %w", err)
	}
	return nil
}

// consume runs the consumer group loop until ctx is cancelled or the group
// is closed.
func (k *KafkaBackend) consume(ctx context.Context, topic string, sub *kafkaSubscription, handler sarama.ConsumerGroupHandler) {
	defer close(sub.done)

	for {
		err := sub.group.Consume(ctx, []string{topic}, handler)
		if stderrors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			k.logger.Error("consumer group error", zap.String("topic", topic), zap.Error(err))
			timer := time.NewTimer(time.Second)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	backend *KafkaBackend
	handler Handler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			h.process(session, message)
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) process(session sarama.ConsumerGroupSession, message *sarama.ConsumerMessage) {
	k := h.backend

	var msg models.QueueMessage
	if err := json.UnmarshalUseNumber(message.Value, &msg); err != nil {
		atomic.AddInt64(&k.failed, 1)
		k.logger.Error("failed to decode Kafka message",
			zap.String("topic", message.Topic),
			zap.Int64("offset", message.Offset),
			zap.Error(err))
		session.MarkMessage(message, "")
		return
	}
	if msg.Topic == "" {
		msg.Topic = message.Topic
	}

	if err := invoke(session.Context(), h.handler, &msg, k.logger); err != nil {
		atomic.AddInt64(&k.failed, 1)
	} else {
		atomic.AddInt64(&k.delivered, 1)
	}
	session.MarkMessage(message, "")
}
