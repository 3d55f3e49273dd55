package runtime

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ledgerflow/internal/runtime/deadletter"
	"github.com/drblury/ledgerflow/internal/runtime/envelope"
	errspkg "github.com/drblury/ledgerflow/internal/runtime/errors"
	"github.com/drblury/ledgerflow/internal/runtime/metadata"
)

type recordingRouter struct {
	mu       sync.Mutex
	failures []deadletter.Failure
	decision deadletter.Decision
}

func (r *recordingRouter) Route(_ context.Context, f deadletter.Failure) deadletter.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
	return r.decision
}

func (r *recordingRouter) routed() []deadletter.Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deadletter.Failure(nil), r.failures...)
}

func newTestDispatcher(t *testing.T, opts ...DispatcherOption) (*Dispatcher, *recordingRouter) {
	t.Helper()
	router := &recordingRouter{}
	d, err := NewDispatcher(nil, router, opts...)
	require.NoError(t, err)
	return d, router
}

func TestDispatcherRunsTypedEntry(t *testing.T) {
	d, router := newTestDispatcher(t)

	var got envelope.CustomerCreated
	require.NoError(t, d.Register(envelope.TopicCustomerCreated, Typed(func(_ context.Context, p envelope.CustomerCreated) error {
		got = p
		return nil
	})))

	msg := message.NewMessage("m-1", []byte(`{"customer_id":"123","kyc":"hash"}`))
	require.NoError(t, d.Handler(envelope.TopicCustomerCreated)(msg))

	assert.Equal(t, "123", got.CustomerID)
	assert.Empty(t, router.routed())
}

func TestDispatcherInvalidPayloadNeverReachesEntry(t *testing.T) {
	d, router := newTestDispatcher(t)
	router.decision = deadletter.DecisionEscalateTerminal

	called := false
	require.NoError(t, d.Register(envelope.TopicSubscriptionAccept, func(context.Context, envelope.Payload) error {
		called = true
		return nil
	}))

	out := d.Execute(envelope.TopicSubscriptionAccept, message.NewMessage("m-1", []byte(`{"customerId":"123"}`)))

	assert.False(t, called)
	assert.Equal(t, errspkg.KindValidation, errspkg.KindOf(out.Err))
	assert.Equal(t, deadletter.DecisionEscalateTerminal, out.Decision)
	failures := router.routed()
	require.Len(t, failures, 1)
	assert.Equal(t, "m-1", failures[0].MessageID)
	assert.Equal(t, `{"customerId":"123"}`, string(failures[0].Payload))
	assert.Equal(t, "123", failures[0].Metadata[metadata.KeyPartitionKey])
}

func TestDispatcherRoutesEntryErrorWithRetryCount(t *testing.T) {
	d, router := newTestDispatcher(t)
	ledgerErr := errspkg.Ledger("register", stdErrors.New("nonce too low"))
	require.NoError(t, d.Register(envelope.TopicCustomerCreated, func(context.Context, envelope.Payload) error {
		return ledgerErr
	}))

	msg := message.NewMessage("m-2", []byte(`{"customerId":"7","kyc":"k"}`))
	msg.Metadata.Set(metadata.KeyRetryCount, "4")
	msg.Metadata.Set(metadata.KeyPartitionKey, "fixed")

	require.NoError(t, d.Handler(envelope.TopicCustomerCreated)(msg), "the handler always acks")

	failures := router.routed()
	require.Len(t, failures, 1)
	assert.Equal(t, 4, failures[0].RetryCount)
	assert.ErrorIs(t, failures[0].Err, ledgerErr)
	assert.Equal(t, "fixed", failures[0].Metadata[metadata.KeyPartitionKey])
	assert.False(t, failures[0].OccurredAt.IsZero())
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d, router := newTestDispatcher(t)
	require.NoError(t, d.Register(envelope.TopicCustomerCreated, func(context.Context, envelope.Payload) error {
		var m map[string]int
		m["x"] = 1
		return nil
	}))

	assert.NotPanics(t, func() {
		_ = d.Handler(envelope.TopicCustomerCreated)(message.NewMessage("m-3", []byte(`{"customerId":"1","kyc":"k"}`)))
	})

	failures := router.routed()
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Err.Error(), "panic")
	assert.Contains(t, failures[0].Stack, "goroutine")
	assert.Equal(t, errspkg.KindInternal, failures[0].Kind())
}

func TestDispatcherUnknownTopic(t *testing.T) {
	d, router := newTestDispatcher(t)

	out := d.Execute("orders.created", message.NewMessage("m-4", []byte(`{}`)))
	assert.True(t, errspkg.IsTerminal(out.Err))
	assert.Len(t, router.routed(), 1)
}

func TestDispatcherHooks(t *testing.T) {
	var started, done, failed int
	d, _ := newTestDispatcher(t, WithJobHooks(JobHooks{
		OnJobStart: func(JobContext) { started++ },
		OnJobDone:  func(JobContext) { done++ },
		OnJobError: func(ctx JobContext, err error) {
			failed++
			assert.Equal(t, envelope.TopicCustomerCreated, ctx.Topic)
			assert.Error(t, err)
		},
	}))
	require.NoError(t, d.Register(envelope.TopicCustomerCreated, func(context.Context, envelope.Payload) error { return nil }))

	d.Execute(envelope.TopicCustomerCreated, message.NewMessage("ok", []byte(`{"customerId":"1","kyc":"k"}`)))
	d.Execute(envelope.TopicCustomerCreated, message.NewMessage("bad", []byte(`nope`)))

	assert.Equal(t, 2, started)
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, failed)
}

func TestTypedRejectsOtherPayloads(t *testing.T) {
	entry := Typed(func(context.Context, envelope.TradeCreated) error { return nil })
	err := entry(context.Background(), envelope.CustomerCreated{CustomerID: "1"})
	assert.Equal(t, errspkg.KindValidation, errspkg.KindOf(err))
}

func TestNewDispatcherValidation(t *testing.T) {
	_, err := NewDispatcher(nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrRouterRequired)

	d, _ := newTestDispatcher(t)
	assert.ErrorIs(t, d.Register("", func(context.Context, envelope.Payload) error { return nil }), errspkg.ErrTopicRequired)
	assert.ErrorIs(t, d.Register("t", nil), errspkg.ErrHandlerRequired)
}
