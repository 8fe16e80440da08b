package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/feedstream/pkg/config"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/logger"
	"github.com/ajitpratap0/feedstream/pkg/metrics"
	"github.com/ajitpratap0/feedstream/pkg/models"
	"github.com/ajitpratap0/feedstream/pkg/observability"
)

// Queue is the process-wide publish/subscribe front. It wraps every payload
// in a QueueMessage envelope and hands it to the active backend.
type Queue struct {
	backend   Backend
	requested string
	fellBack  bool
	initErr   error
	topics    config.TopicsConfig
	logger    *zap.Logger

	now   func() time.Time
	newID func() string

	closed int32
}

// Health is the queue's connection report.
type Health struct {
	Backend   string `json:"backend"`
	Requested string `json:"requested"`
	FellBack  bool   `json:"fellBack"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// New opens the backend named by cfg.Type. If it fails to initialize the
// failure is logged and the Queue uses the in-process buffer for the rest of
// its lifetime; New itself never fails.
func New(ctx context.Context, cfg config.QueueConfig, log *zap.Logger) *Queue {
	l := logger.OrNop(log).With(zap.String("component", "queue"))

	backend, err := openBackend(ctx, cfg, l)
	q := &Queue{
		backend:   backend,
		requested: cfg.Type,
		topics:    cfg.Topics,
		logger:    l,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	if err != nil {
		q.initErr = err
		q.fellBack = true
		q.backend = NewBufferBackend(l)
		l.Warn("queue backend unavailable, falling back to in-process buffer",
			zap.String("requested", cfg.Type),
			zap.Error(err))
	}

	l.Info("queue ready",
		zap.String("backend", q.backend.Name()),
		zap.Bool("fell_back", q.fellBack))
	return q
}

// NewWithBackend fronts an existing backend.
func NewWithBackend(backend Backend, topics config.TopicsConfig, log *zap.Logger) *Queue {
	return &Queue{
		backend:   backend,
		requested: backend.Name(),
		topics:    topics,
		logger:    logger.OrNop(log).With(zap.String("component", "queue")),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func openBackend(ctx context.Context, cfg config.QueueConfig, log *zap.Logger) (Backend, error) {
	switch cfg.Type {
	case "", config.QueueTypeBuffer:
		return NewBufferBackend(log), nil
	case config.QueueTypeBroker:
		return NewKafkaBackend(cfg, log)
	case config.QueueTypeStore:
		return NewRedisStore(ctx, cfg, log)
	default:
		return nil, errors.BackendInit(cfg.Type, errors.Newf(errors.ErrorTypeConfig, "unknown queue type %q", cfg.Type))
	}
}

// Topics returns the configured topic names.
func (q *Queue) Topics() config.TopicsConfig {
	return q.topics
}

// Backend returns the active backend.
func (q *Queue) Backend() Backend {
	return q.backend
}

// FellBack reports whether the configured backend failed to initialize.
func (q *Queue) FellBack() bool {
	return q.fellBack
}

// Publish wraps payload in a new envelope, publishes it to topic and returns
// the envelope id.
func (q *Queue) Publish(ctx context.Context, topic string, payload interface{}, metadata map[string]interface{}) (string, error) {
	if atomic.LoadInt32(&q.closed) == 1 {
		return "", errors.New(errors.ErrorTypeBackend, "queue is closed")
	}

	msg := &models.QueueMessage{
		ID:        q.newID(),
		Timestamp: q.now(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  metadata,
	}

	ctx, span := observability.StartPublishSpan(ctx, q.backend.Name(), topic)
	err := q.backend.Publish(ctx, msg)
	observability.EndSpan(span, err)

	result := metrics.OutcomeSuccess
	if err != nil {
		result = metrics.OutcomeFailure
	}
	metrics.QueuePublished.WithLabelValues(q.backend.Name(), topic, result).Inc()

	if err != nil {
		q.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		return "", err
	}

	q.logger.Debug("published", zap.String("topic", topic), zap.String("message_id", msg.ID))
	return msg.ID, nil
}

// Subscribe registers handler for topic on the active backend.
func (q *Queue) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return q.backend.Subscribe(ctx, topic, handler)
}

// Unsubscribe removes the handlers of topic.
func (q *Queue) Unsubscribe(topic string) error {
	return q.backend.Unsubscribe(topic)
}

// Stats returns the active backend's stats.
func (q *Queue) Stats() Stats {
	return q.backend.Stats()
}

// Health reports whether the active backend is reachable.
func (q *Queue) Health(ctx context.Context) Health {
	h := Health{
		Backend:   q.backend.Name(),
		Requested: q.requested,
		FellBack:  q.fellBack,
		Connected: true,
	}
	if err := q.backend.HealthCheck(ctx); err != nil {
		h.Connected = false
		h.Error = err.Error()
	}
	return h
}

// InitError returns the error that caused a fallback, if any.
func (q *Queue) InitError() error {
	return q.initErr
}

// Close closes the active backend.
func (q *Queue) Close() error {
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		return nil
	}
	return q.backend.Close()
}
