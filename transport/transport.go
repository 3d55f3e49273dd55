// Package transport defines how ledgerflow obtains broker publishers and
// subscribers. Each backend lives in its own sub-package and registers itself
// with the registry from an init function.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Config provides the values transports need without depending on the full
// config package.
type Config interface {
	// GetPubSubSystem returns the transport name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string

	// GetReconnectDelay is how long a subscriber waits before re-establishing
	// a lost broker session.
	GetReconnectDelay() time.Duration
}

// PublisherBuilder opens a publisher. Publishers are shared process-wide
// through broker.SharedProducer, so a builder is called once per connect.
type PublisherBuilder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error)

// SubscriberBuilder opens a subscriber bound to one consumer group.
type SubscriberBuilder func(ctx context.Context, cfg Config, consumerGroup string, logger watermill.LoggerAdapter) (message.Subscriber, error)

// Builders pairs the constructors of one backend.
type Builders struct {
	Publisher  PublisherBuilder
	Subscriber SubscriberBuilder
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
