package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/logger"
	"github.com/ajitpratap0/feedstream/pkg/metrics"
	"github.com/ajitpratap0/feedstream/pkg/models"
)

// DepthWarnThreshold is the backlog depth at which a topic logs a warning.
const DepthWarnThreshold = 10000

// BufferBackend is the in-process backend. Each topic keeps an ordered
// backlog drained by its own dispatcher goroutine, so Publish never runs a
// handler and per-topic publish order is preserved. Messages published while
// a topic has no subscriber are retained and delivered on first Subscribe.
// The backlog is unbounded; a topic warns once when it passes warnDepth and
// again only after it has been drained.
type BufferBackend struct {
	logger    *zap.Logger
	warnDepth int

	mu     sync.Mutex
	topics map[string]*bufferTopic
	closed bool
	wg     sync.WaitGroup

	published int64
	delivered int64
	failed    int64
}

type bufferTopic struct {
	name      string
	pending   []*models.QueueMessage
	subs      []*subscription
	published int64
	warned    bool
	wake      chan struct{}
	done      chan struct{}
}

type subscription struct {
	ctx     context.Context
	handler Handler
}

var _ Backend = (*BufferBackend)(nil)

// NewBufferBackend creates an empty buffer.
func NewBufferBackend(log *zap.Logger) *BufferBackend {
	return &BufferBackend{
		logger:    logger.OrNop(log).With(zap.String("component", "queue_buffer")),
		warnDepth: DepthWarnThreshold,
		topics:    make(map[string]*bufferTopic),
	}
}

// Name returns BackendBuffer.
func (b *BufferBackend) Name() string { return BackendBuffer }

// Publish appends msg to its topic backlog.
func (b *BufferBackend) Publish(_ context.Context, msg *models.QueueMessage) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		atomic.AddInt64(&b.failed, 1)
		return errors.New(errors.ErrorTypeBackend, "buffer backend is closed")
	}
	t := b.topicLocked(msg.Topic)
	t.pending = append(t.pending, msg)
	t.published++
	depth := len(t.pending)
	warn := depth >= b.warnDepth && !t.warned
	if warn {
		t.warned = true
	}
	subscribed := len(t.subs) > 0
	b.mu.Unlock()

	atomic.AddInt64(&b.published, 1)
	metrics.QueueDepth.WithLabelValues(BackendBuffer, msg.Topic).Set(float64(depth))
	if warn {
		b.logger.Warn("buffer backlog growing",
			zap.String("topic", msg.Topic),
			zap.Int("depth", depth),
			zap.Bool("subscribed", subscribed))
	}
	t.notify()
	return nil
}

// Subscribe adds handler to topic. Deliveries stop once ctx is done.
func (b *BufferBackend) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if handler == nil {
		return errors.New(errors.ErrorTypeConfig, "subscribe requires a handler")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New(errors.ErrorTypeBackend, "buffer backend is closed")
	}
	t := b.topicLocked(topic)
	t.subs = append(t.subs, &subscription{ctx: ctx, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("subscribed", zap.String("topic", topic))
	t.notify()
	return nil
}

// Unsubscribe removes every handler of topic. Later publishes are retained.
func (b *BufferBackend) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topic]; ok {
		t.subs = nil
	}
	return nil
}

// Stats returns counters and per-topic backlog depth.
func (b *BufferBackend) Stats() Stats {
	b.mu.Lock()
	topics := make(map[string]TopicStats, len(b.topics))
	for name, t := range b.topics {
		topics[name] = TopicStats{
			Published:  t.published,
			Depth:      int64(len(t.pending)),
			Subscribed: len(t.subs) > 0,
		}
	}
	closed := b.closed
	b.mu.Unlock()

	return Stats{
		Backend:   BackendBuffer,
		Connected: !closed,
		Published: atomic.LoadInt64(&b.published),
		Failed:    atomic.LoadInt64(&b.failed),
		Delivered: atomic.LoadInt64(&b.delivered),
		Topics:    topics,
	}
}

// HealthCheck fails only after Close.
func (b *BufferBackend) HealthCheck(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.ErrorTypeBackend, "buffer backend is closed")
	}
	return nil
}

// Close stops every dispatcher and waits for in-progress deliveries.
func (b *BufferBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		close(t.done)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// topicLocked returns the topic, creating it and its dispatcher on first use.
// Callers hold b.mu.
func (b *BufferBackend) topicLocked(name string) *bufferTopic {
	t, ok := b.topics[name]
	if ok {
		return t
	}
	t = &bufferTopic{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	b.topics[name] = t
	b.wg.Add(1)
	go b.dispatch(t)
	return t
}

func (t *bufferTopic) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (b *BufferBackend) dispatch(t *bufferTopic) {
	defer b.wg.Done()

	for {
		select {
		case <-t.done:
			return
		case <-t.wake:
		}

		for {
			batch, subs := b.take(t)
			if len(batch) == 0 {
				break
			}
			metrics.QueueDepth.WithLabelValues(BackendBuffer, t.name).Set(0)
			for _, msg := range batch {
				for _, s := range subs {
					if err := invoke(s.ctx, s.handler, msg, b.logger); err != nil {
						atomic.AddInt64(&b.failed, 1)
						continue
					}
					atomic.AddInt64(&b.delivered, 1)
				}
			}
		}
	}
}

// take removes the backlog of t together with its live subscribers. It
// returns nothing while the topic has no live subscriber.
func (b *BufferBackend) take(t *bufferTopic) ([]*models.QueueMessage, []*subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := t.subs[:0]
	for _, s := range t.subs {
		if s.ctx.Err() == nil {
			live = append(live, s)
		}
	}
	t.subs = live

	if len(live) == 0 || len(t.pending) == 0 {
		return nil, nil
	}
	batch := t.pending
	t.pending = nil
	t.warned = false
	subs := make([]*subscription, len(live))
	copy(subs, live)
	return batch, subs
}
