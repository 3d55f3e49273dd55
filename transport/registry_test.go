package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	pubSubSystem string
}

func (m *mockConfig) GetPubSubSystem() string          { return m.pubSubSystem }
func (m *mockConfig) GetKafkaBrokers() []string        { return nil }
func (m *mockConfig) GetKafkaClientID() string         { return "" }
func (m *mockConfig) GetReconnectDelay() time.Duration { return 0 }

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }

type mockSubscriber struct{ group string }

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error { return nil }

func mockBuilders() Builders {
	return Builders{
		Publisher: func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return &mockPublisher{}, nil
		},
		Subscriber: func(ctx context.Context, cfg Config, group string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return &mockSubscriber{group: group}, nil
		},
	}
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg.builders)
	assert.NotNil(t, reg.capabilities)
	assert.Empty(t, reg.Names())
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-transport", mockBuilders(), Capabilities{SupportsDelay: true})

	assert.True(t, reg.Has("test-transport"))
	caps := reg.GetCapabilities("test-transport")
	assert.Equal(t, "test-transport", caps.Name, "empty capability name defaults to the registered name")
	assert.True(t, caps.SupportsDelay)
	assert.False(t, caps.RequiresDelayEmulation())
	assert.True(t, caps.RequiresDLQEmulation())
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	caps := NewRegistry().GetCapabilities("unknown")
	assert.Equal(t, "unknown", caps.Name)
	assert.False(t, caps.SupportsDelay)
}

func TestRegistry_NewPublisherAndSubscriber(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-transport", mockBuilders(), Capabilities{})
	cfg := &mockConfig{pubSubSystem: "test-transport"}

	pub, err := reg.NewPublisher(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, pub)

	sub, err := reg.NewSubscriber(context.Background(), cfg, "wallet-generator", nil)
	require.NoError(t, err)
	assert.Equal(t, "wallet-generator", sub.(*mockSubscriber).group)
}

func TestRegistry_Errors(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	_, err := reg.NewPublisher(ctx, nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = reg.NewSubscriber(ctx, &mockConfig{pubSubSystem: "nope"}, "g", nil)
	assert.ErrorContains(t, err, "unknown transport")

	reg.Register("publish-only", Builders{Publisher: mockBuilders().Publisher}, Capabilities{})
	_, err = reg.NewSubscriber(ctx, &mockConfig{pubSubSystem: "publish-only"}, "g", nil)
	assert.ErrorContains(t, err, "cannot subscribe")

	expected := errors.New("builder error")
	reg.Register("failing", Builders{
		Publisher: func(context.Context, Config, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, expected
		},
	}, Capabilities{})
	_, err = reg.NewPublisher(ctx, &mockConfig{pubSubSystem: "failing"}, nil)
	assert.Equal(t, expected, err)
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("kafka", mockBuilders(), Capabilities{})
	reg.Register("channel", mockBuilders(), Capabilities{})

	assert.Equal(t, []string{"channel", "kafka"}, reg.Names())
	assert.False(t, reg.Has("rabbitmq"))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Register("transport", mockBuilders(), Capabilities{})
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
		}()
	}
	wg.Wait()

	assert.True(t, reg.Has("transport"))
}

func TestPredefinedCapabilities(t *testing.T) {
	assert.True(t, KafkaCapabilities.SupportsConsumerGroups)
	assert.True(t, KafkaCapabilities.RequiresDelayEmulation())
	assert.True(t, ChannelCapabilities.SupportsOrdering)
	assert.False(t, ChannelCapabilities.SupportsPartitioning)
}
