package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/ledgerflow/internal/runtime/config"
	"github.com/drblury/ledgerflow/internal/runtime/envelope"
	errspkg "github.com/drblury/ledgerflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/ledgerflow/internal/runtime/logging"
	"github.com/drblury/ledgerflow/internal/store/memstore"
	transportpkg "github.com/drblury/ledgerflow/transport"
)

func testServiceConfig() *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem:      "channel",
		NotificationTopic: envelope.TopicUserNotification,
		MaxRetries:        2,
		RetryDelay:        time.Millisecond,
		ReconnectDelay:    10 * time.Millisecond,
		CloseTimeout:      time.Second,
		MetricsEnabled:    true,
	}
}

func testTransports(t *testing.T) (*transportpkg.Registry, *atomic.Int32) {
	t.Helper()
	hub := newHub(t)
	var connects atomic.Int32
	reg := transportpkg.NewRegistry()
	reg.Register("channel", transportpkg.Builders{
		Publisher: func(context.Context, transportpkg.Config, watermill.LoggerAdapter) (message.Publisher, error) {
			connects.Add(1)
			return sharedHub{hub}, nil
		},
		Subscriber: func(context.Context, transportpkg.Config, string, watermill.LoggerAdapter) (message.Subscriber, error) {
			return sharedHub{hub}, nil
		},
	}, transportpkg.ChannelCapabilities)
	return reg, &connects
}

func newTestService(t *testing.T, conf *configpkg.Config) (*Service, *memstore.Store, *prometheus.Registry, *atomic.Int32) {
	t.Helper()
	reg, connects := testTransports(t)
	notifications := memstore.New()
	metricsRegistry := prometheus.NewRegistry()
	svc, err := NewService(conf, loggingpkg.NewNopServiceLogger(), ServiceDependencies{
		Notifications: notifications,
		Registerer:    metricsRegistry,
		Gatherer:      metricsRegistry,
		Transports:    reg,
	})
	require.NoError(t, err)
	return svc, notifications, metricsRegistry, connects
}

func runService(t *testing.T, svc *Service) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("service did not stop")
			return nil
		}
	}
}

func TestServiceEscalatesExhaustedRetries(t *testing.T) {
	svc, notifications, metricsRegistry, connects := newTestService(t, testServiceConfig())

	var attempts atomic.Int32
	require.NoError(t, svc.Handle(envelope.TopicSubscriptionAccept, "coin-issuer", func(context.Context, envelope.Payload) error {
		attempts.Add(1)
		return errspkg.Ledger("issue", assert.AnError)
	}))
	stop := runService(t, svc)

	require.Eventually(t, func() bool { return connects.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, svc.Publish(context.Background(), envelope.TopicSubscriptionAccept,
		[]byte(`{"customerId":"123","estateId":5,"amount":10,"tokenPrice":100,"date":"2024-03-01"}`), nil))

	assert.Eventually(t, func() bool {
		list, err := notifications.ListNotifications(context.Background(), "123")
		return err == nil && len(list) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int32(1), connects.Load(), "the long-lived handle keeps one connection")

	require.NoError(t, stop())
	assert.Empty(t, svc.PendingRetries())

	families, err := metricsRegistry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["ledgerflow_dlq_messages_total"])
	assert.True(t, names["ledgerflow_jobs_total"])
}

func TestServiceHandleAfterStart(t *testing.T) {
	svc, _, _, _ := newTestService(t, testServiceConfig())
	require.NoError(t, svc.Handle(envelope.TopicCustomerCreated, "wallet-generator", func(context.Context, envelope.Payload) error { return nil }))
	stop := runService(t, svc)
	defer func() { require.NoError(t, stop()) }()

	assert.Eventually(t, func() bool {
		return svc.Handle(envelope.TopicTransactionCreated, "g", func(context.Context, envelope.Payload) error { return nil }) == errspkg.ErrConsumerRunning
	}, 5*time.Second, 5*time.Millisecond)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(nil, loggingpkg.NewNopServiceLogger(), ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewService(testServiceConfig(), nil, ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = NewService(testServiceConfig(), loggingpkg.NewNopServiceLogger(), ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
}

func TestServiceHTTPRoutes(t *testing.T) {
	conf := testServiceConfig()
	conf.HTTPPort = 18080
	svc, _, _, _ := newTestService(t, conf)
	handler := svc.httpHandler(conf.HTTPPort)

	for _, tt := range []struct {
		path   string
		status int
		body   string
	}{
		{"/health", http.StatusOK, "OK"},
		{"/", http.StatusNotFound, ""},
		{"/healthz", http.StatusNotFound, ""},
		{"/metrics", http.StatusOK, "ledgerflow_dlq_pending_retries"},
	} {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			body, _ := io.ReadAll(rec.Body)
			if tt.body != "" {
				assert.True(t, strings.Contains(string(body), tt.body), string(body))
			}
		})
	}
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
