package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ajitpratap0/feedstream/pkg/config"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/json"
	"github.com/ajitpratap0/feedstream/pkg/logger"
	"github.com/ajitpratap0/feedstream/pkg/models"
)

// statsTimeout bounds the LLEN calls made by Stats.
const statsTimeout = 500 * time.Millisecond

// RedisStore appends each message to a Redis list named prefix+topic. It has
// no consumer path.
type RedisStore struct {
	client *redis.Client
	prefix string
	topics []string
	logger *zap.Logger

	mu     sync.Mutex
	counts map[string]int64
	closed bool

	published int64
	failed    int64
}

var _ Backend = (*RedisStore)(nil)

// NewRedisStore connects to cfg.StoreAddress and verifies the connection with
// PING. Failure is returned as a backend_init error.
func NewRedisStore(ctx context.Context, cfg config.QueueConfig, log *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.StoreAddress,
		Password:    cfg.StorePassword,
		DB:          cfg.StoreDB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.BackendInit(BackendStore, err).WithDetail("address", cfg.StoreAddress)
	}

	s := &RedisStore{
		client: client,
		prefix: cfg.StoreKeyPrefix,
		topics: cfg.Topics.All(),
		logger: logger.OrNop(log).With(zap.String("component", "queue_store")),
		counts: make(map[string]int64),
	}
	s.logger.Info("connected to Redis", zap.String("address", cfg.StoreAddress))
	return s, nil
}

// Name returns BackendStore.
func (s *RedisStore) Name() string { return BackendStore }

// Key returns the list key holding topic.
func (s *RedisStore) Key(topic string) string {
	return s.prefix + topic
}

// Publish LPUSHes the JSON envelope onto the topic list.
func (s *RedisStore) Publish(ctx context.Context, msg *models.QueueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		atomic.AddInt64(&s.failed, 1)
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode queue message")
	}

	if err := s.client.LPush(ctx, s.Key(msg.Topic), data).Err(); err != nil {
		atomic.AddInt64(&s.failed, 1)
		return errors.Wrap(err, errors.ErrorTypeBackend, "failed to push message").
			WithDetail("topic", msg.Topic)
	}

	atomic.AddInt64(&s.published, 1)
	s.mu.Lock()
	s.counts[msg.Topic]++
	s.mu.Unlock()
	return nil
}

// Subscribe is not supported by the store backend.
func (s *RedisStore) Subscribe(context.Context, string, Handler) error {
	return errors.New(errors.ErrorTypeUnsupported, "store backend is publish-only")
}

// Unsubscribe is not supported by the store backend.
func (s *RedisStore) Unsubscribe(string) error {
	return errors.New(errors.ErrorTypeUnsupported, "store backend is publish-only")
}

// Stats reports publish counters and the current list length of every
// configured topic.
func (s *RedisStore) Stats() Stats {
	s.mu.Lock()
	closed := s.closed
	counts := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		counts[k] = v
	}
	s.mu.Unlock()

	topics := make(map[string]TopicStats, len(s.topics))
	if !closed {
		ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
		defer cancel()
		for _, t := range s.topics {
			depth, err := s.client.LLen(ctx, s.Key(t)).Result()
			if err != nil {
				s.logger.Debug("failed to read list length", zap.String("topic", t), zap.Error(err))
			}
			topics[t] = TopicStats{Published: counts[t], Depth: depth}
		}
	}

	return Stats{
		Backend:   BackendStore,
		Connected: !closed,
		Published: atomic.LoadInt64(&s.published),
		Failed:    atomic.LoadInt64(&s.failed),
		Topics:    topics,
	}
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeBackend, "redis ping failed")
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.client.Close()
}
