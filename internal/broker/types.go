package broker

import (
	"context"

	"mailtrail/pkg/models"
)

// KeyedProducer publishes with an explicit partition key. Delivery events
// are keyed by external id so one email's events stay ordered.
type KeyedProducer interface {
	PublishKeyed(ctx context.Context, topic, key string, msg models.MessageEnvelope) error
}

type Producer interface {
	KeyedProducer
	Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error
	SetServiceName(name string)
	Close() error
}

// Consumer hands every message of a topic to a HandlerFunc until the
// context passed to Consume is done.
type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	SetServiceName(name string)
	Close() error
}

// HandlerFunc processes one envelope. A retryable error is retried by the
// consumer; any other error parks the message on the DLQ topic.
type HandlerFunc func(ctx context.Context, msg models.MessageEnvelope) error
