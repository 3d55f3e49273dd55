package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ledgerflow/transport"
)

func TestPublisherAndSubscriberShareHub(t *testing.T) {
	t.Cleanup(func() { _ = Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := BuildSubscriber(ctx, nil, "wallet-generator", watermill.NopLogger{})
	require.NoError(t, err)
	messages, err := sub.Subscribe(ctx, "customer.created")
	require.NoError(t, err)

	pub, err := BuildPublisher(ctx, nil, watermill.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, pub.Publish("customer.created", message.NewMessage("m-1", []byte(`{}`))))

	select {
	case msg := <-messages:
		assert.Equal(t, "m-1", msg.UUID)
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	require.NoError(t, pub.Close())
	require.NoError(t, pub.Publish("customer.created", message.NewMessage("m-2", nil)), "closing a publisher must keep the hub open")
}

func TestCloseResetsHub(t *testing.T) {
	first := sharedHub(nil)
	require.NoError(t, Close())
	second := sharedHub(nil)
	t.Cleanup(func() { _ = Close() })

	assert.NotSame(t, first, second)
	assert.NoError(t, Close())
	assert.NoError(t, Close())
}

func TestRegisteredWithDefaultRegistry(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}
