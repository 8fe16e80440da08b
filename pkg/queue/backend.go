// Package queue implements the topic-based publish/subscribe transport that
// receives validated records.
//
// Three interchangeable backends satisfy Backend:
//
//	buffer: in-process, per-topic ordered, delivery deferred to a dispatcher
//	broker: Kafka producer and consumer group over a fixed topic set
//	store:  Redis list append, publish only
//
// Queue fronts the configured backend. If that backend cannot be initialized
// the Queue falls back to the buffer for the rest of the process lifetime.
package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ajitpratap0/feedstream/pkg/models"
)

// Backend names as reported in stats and metrics.
const (
	BackendBuffer = "buffer"
	BackendBroker = "broker"
	BackendStore  = "store"
)

// Handler processes one delivered message. A returned error is logged and
// counted; the message is not redelivered by the buffer backend.
type Handler func(ctx context.Context, msg *models.QueueMessage) error

// Backend is the capability set every transport provides.
type Backend interface {
	Name() string
	Publish(ctx context.Context, msg *models.QueueMessage) error
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Unsubscribe(topic string) error
	Stats() Stats
	HealthCheck(ctx context.Context) error
	Close() error
}

// TopicStats are per-topic counters.
type TopicStats struct {
	Published  int64 `json:"published"`
	Depth      int64 `json:"depth"`
	Subscribed bool  `json:"subscribed"`
}

// Stats is a backend snapshot.
type Stats struct {
	Backend   string                `json:"backend"`
	Connected bool                  `json:"connected"`
	Published int64                 `json:"published"`
	Failed    int64                 `json:"failed"`
	Delivered int64                 `json:"delivered"`
	Topics    map[string]TopicStats `json:"topics,omitempty"`
}

// invoke runs handler and converts a panic into an error.
func invoke(ctx context.Context, handler Handler, msg *models.QueueMessage, log *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	err = handler(ctx, msg)
	if err != nil {
		log.Warn("message handler failed",
			zap.String("topic", msg.Topic),
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
	return err
}
