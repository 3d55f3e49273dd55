package runtime

import (
	"context"
	stdErrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/ledgerflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/ledgerflow/internal/runtime/logging"
)

// sharedHub keeps the gochannel open when a consumer session closes its subscriber.
type sharedHub struct{ *gochannel.GoChannel }

func (sharedHub) Close() error { return nil }

func newHub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	hub := gochannel.NewGoChannel(gochannel.Config{Persistent: true, OutputChannelBuffer: 128}, watermill.NopLogger{})
	t.Cleanup(func() { _ = hub.Close() })
	return hub
}

func hubFactory(hub *gochannel.GoChannel) SubscriberFactory {
	return func(context.Context, string) (message.Subscriber, error) {
		return sharedHub{hub}, nil
	}
}

// endedSubscriber models a broker session that drops right after subscribing.
type endedSubscriber struct{}

func (endedSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (endedSubscriber) Close() error { return nil }

func testConsumerConfig() ConsumerConfig {
	return ConsumerConfig{Group: "test-group", ReconnectDelay: 10 * time.Millisecond, CloseTimeout: time.Second}
}

func waitReady(t *testing.T, c *Consumer) {
	t.Helper()
	select {
	case <-c.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not start")
	}
}

func stopConsumer(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
}

func TestConsumerDeliversMessages(t *testing.T) {
	hub := newHub(t)
	c, err := NewConsumer(testConsumerConfig(), hubFactory(hub), loggingpkg.NewNopServiceLogger())
	require.NoError(t, err)

	var handled atomic.Int32
	require.NoError(t, c.Start(context.Background(), "customer.created", func(msg *message.Message) error {
		handled.Add(1)
		return nil
	}))
	waitReady(t, c)

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Publish("customer.created", message.NewMessage(watermill.NewUUID(), []byte(`{}`))))
	}
	assert.Eventually(t, func() bool { return handled.Load() == 3 }, 5*time.Second, 10*time.Millisecond)

	stopConsumer(t, c)
	assert.NoError(t, c.Wait())
}

func TestConsumerStartValidation(t *testing.T) {
	c, err := NewConsumer(testConsumerConfig(), hubFactory(newHub(t)), loggingpkg.NewNopServiceLogger())
	require.NoError(t, err)

	noop := func(*message.Message) error { return nil }
	assert.ErrorIs(t, c.Start(context.Background(), "", noop), errspkg.ErrTopicRequired)
	assert.ErrorIs(t, c.Start(context.Background(), "t", nil), errspkg.ErrHandlerRequired)

	require.NoError(t, c.Start(context.Background(), "t", noop))
	assert.ErrorIs(t, c.Start(context.Background(), "t", noop), errspkg.ErrConsumerRunning)
	stopConsumer(t, c)

	_, err = NewConsumer(ConsumerConfig{}, nil, loggingpkg.NewNopServiceLogger())
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	_, err = NewConsumer(ConsumerConfig{}, hubFactory(newHub(t)), nil)
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestConsumerReconnectsAfterSessionEnds(t *testing.T) {
	hub := newHub(t)
	var sessions atomic.Int32
	factory := func(ctx context.Context, group string) (message.Subscriber, error) {
		assert.Equal(t, "test-group", group)
		if sessions.Add(1) <= 2 {
			return endedSubscriber{}, nil
		}
		return sharedHub{hub}, nil
	}

	logger := &capturingLogger{}
	c, err := NewConsumer(testConsumerConfig(), factory, logger)
	require.NoError(t, err)

	var handled atomic.Int32
	require.NoError(t, c.Start(context.Background(), "transaction.created", func(*message.Message) error {
		handled.Add(1)
		return nil
	}))

	require.NoError(t, hub.Publish("transaction.created", message.NewMessage(watermill.NewUUID(), []byte(`{}`))))
	assert.Eventually(t, func() bool { return handled.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, sessions.Load(), int32(3))
	assert.Contains(t, logger.messages(), "Consumer session ended, reconnecting")

	stopConsumer(t, c)
}

func TestConsumerRetriesFailedSubscriberFactory(t *testing.T) {
	hub := newHub(t)
	var calls atomic.Int32
	factory := func(ctx context.Context, group string) (message.Subscriber, error) {
		if calls.Add(1) == 1 {
			return nil, stdErrors.New("kafka: client has run out of available brokers")
		}
		return sharedHub{hub}, nil
	}

	c, err := NewConsumer(testConsumerConfig(), factory, loggingpkg.NewNopServiceLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), "subscription.accept", func(*message.Message) error { return nil }))
	waitReady(t, c)

	assert.Equal(t, int32(2), calls.Load())
	stopConsumer(t, c)
}

func TestConsumerRouterErrorTriggersReconnect(t *testing.T) {
	orig := routerRun
	t.Cleanup(func() { routerRun = orig })
	var runs atomic.Int32
	routerRun = func(router *message.Router, ctx context.Context) error {
		if runs.Add(1) == 1 {
			return stdErrors.New("connection reset")
		}
		return orig(router, ctx)
	}

	c, err := NewConsumer(testConsumerConfig(), hubFactory(newHub(t)), loggingpkg.NewNopServiceLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), "customer.created", func(*message.Message) error { return nil }))
	waitReady(t, c)

	assert.Equal(t, int32(2), runs.Load())
	stopConsumer(t, c)
}

func TestConsumerHandlerEscapeIsFatal(t *testing.T) {
	hub := newHub(t)
	c, err := NewConsumer(testConsumerConfig(), hubFactory(hub), loggingpkg.NewNopServiceLogger())
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background(), "customer.created", func(*message.Message) error {
		return stdErrors.New("unrouted failure")
	}))
	waitReady(t, c)
	require.NoError(t, hub.Publish("customer.created", message.NewMessage(watermill.NewUUID(), []byte(`{}`))))

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer kept running after a handler error")
	}
	assert.ErrorIs(t, c.Wait(), errspkg.ErrHandlerEscaped)
}

func TestConsumerStopsWithParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, err := NewConsumer(testConsumerConfig(), hubFactory(newHub(t)), loggingpkg.NewNopServiceLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx, "customer.created", func(*message.Message) error { return nil }))
	waitReady(t, c)

	cancel()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer ignored context cancellation")
	}
	assert.NoError(t, c.Wait())
}
