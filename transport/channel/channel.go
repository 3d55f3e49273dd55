// Package channel provides an in-process Go channel transport for ledgerflow.
// Every publisher and subscriber built from it shares one hub so events
// published by the producer reach local consumers. Useful for tests and
// local development.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/ledgerflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the hub creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

var (
	hubMu sync.Mutex
	hub   *gochannel.GoChannel
)

func init() {
	transport.Register(TransportName, transport.Builders{
		Publisher:  BuildPublisher,
		Subscriber: BuildSubscriber,
	}, transport.ChannelCapabilities)
}

func sharedHub(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	hubMu.Lock()
	defer hubMu.Unlock()
	if hub == nil {
		if logger == nil {
			logger = watermill.NopLogger{}
		}
		hub = Factory(gochannel.Config{OutputChannelBuffer: 64}, logger)
	}
	return hub
}

// Close shuts the shared hub down. Later builds start a fresh hub.
func Close() error {
	hubMu.Lock()
	defer hubMu.Unlock()
	if hub == nil {
		return nil
	}
	err := hub.Close()
	hub = nil
	return err
}

// hubPublisher leaves the hub open on Close; the producer connects and
// disconnects many times over the life of the hub.
type hubPublisher struct{ *gochannel.GoChannel }

func (hubPublisher) Close() error { return nil }

// hubSubscriber ends its subscriptions through the subscribe context.
type hubSubscriber struct{ *gochannel.GoChannel }

func (hubSubscriber) Close() error { return nil }

// BuildPublisher returns a publisher on the shared hub.
func BuildPublisher(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return hubPublisher{sharedHub(logger)}, nil
}

// BuildSubscriber returns a subscriber on the shared hub. The hub has no
// consumer groups; every subscriber of a topic receives every message.
func BuildSubscriber(ctx context.Context, cfg transport.Config, consumerGroup string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return hubSubscriber{sharedHub(logger)}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
