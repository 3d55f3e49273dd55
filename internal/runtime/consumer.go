package runtime

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/ledgerflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/ledgerflow/internal/runtime/logging"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultCloseTimeout   = 30 * time.Second
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// SubscriberFactory opens a subscriber for one consumer group. It is called
// again after every lost session.
type SubscriberFactory func(ctx context.Context, consumerGroup string) (message.Subscriber, error)

// ConsumerConfig tunes a Consumer. Zero values take the defaults.
type ConsumerConfig struct {
	Group          string
	ReconnectDelay time.Duration
	CloseTimeout   time.Duration
	// Metrics enables watermill router metrics on the given registerer.
	Metrics prometheus.Registerer
	// MetricsSubsystem labels the metrics, typically the pubsub system.
	MetricsSubsystem string
	Middlewares      []MiddlewareRegistration
}

// Consumer runs one Watermill router for one topic and consumer group and
// rebuilds it whenever the broker session ends.
type Consumer struct {
	cfg           ConsumerConfig
	newSubscriber SubscriberFactory
	logger        loggingpkg.ServiceLogger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	ready   chan struct{}
	err     error
}

// NewConsumer validates the wiring of a consumer.
func NewConsumer(cfg ConsumerConfig, newSubscriber SubscriberFactory, logger loggingpkg.ServiceLogger) (*Consumer, error) {
	if newSubscriber == nil {
		return nil, fmt.Errorf("%w: subscriber factory", errspkg.ErrConfigRequired)
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.Middlewares == nil {
		cfg.Middlewares = DefaultMiddlewares(logger)
	}
	return &Consumer{
		cfg:           cfg,
		newSubscriber: newSubscriber,
		logger:        logger.With(loggingpkg.LogFields{"consumer_group": cfg.Group}),
		done:          make(chan struct{}),
		ready:         make(chan struct{}),
	}, nil
}

// Start subscribes handler to topic and returns immediately. The consumer
// runs until ctx is cancelled, Stop is called, or handler returns an error.
func (c *Consumer) Start(ctx context.Context, topic string, handler message.NoPublishHandlerFunc) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errspkg.ErrConsumerRunning
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.loop(runCtx, topic, handler)
	return nil
}

// Ready is closed once the first router is running.
func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

// Stop closes the router, waiting for the in-flight handler, and blocks
// until the consumer has exited or ctx ends.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the consumer exits. It returns ErrHandlerEscaped when a
// handler error stopped it.
func (c *Consumer) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the consumer has exited.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) loop(ctx context.Context, topic string, handler message.NoPublishHandlerFunc) {
	defer close(c.done)
	fields := loggingpkg.LogFields{"topic": topic}

	var readyOnce sync.Once
	markReady := func() { readyOnce.Do(func() { close(c.ready) }) }

	for {
		err := c.runOnce(ctx, topic, handler, markReady)
		if stdErrors.Is(err, errspkg.ErrHandlerEscaped) {
			c.logger.Error("Handler error escaped, stopping consumer", err, fields)
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		if ctx.Err() != nil {
			c.logger.Info("Consumer stopped", fields)
			return
		}

		c.logger.Error("Consumer session ended, reconnecting", err, loggingpkg.LogFields{
			"topic":           topic,
			"reconnect_delay": c.cfg.ReconnectDelay.String(),
		})
		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Info("Consumer stopped", fields)
			return
		case <-timer.C:
		}
	}
}

// runOnce builds a subscriber and router and runs them until the session ends.
func (c *Consumer) runOnce(ctx context.Context, topic string, handler message.NoPublishHandlerFunc, markReady func()) error {
	subscriber, err := c.newSubscriber(ctx, c.cfg.Group)
	if err != nil {
		return fmt.Errorf("create subscriber: %w", err)
	}
	defer func() {
		if err := subscriber.Close(); err != nil {
			c.logger.Error("Failed to close subscriber", err, loggingpkg.LogFields{"topic": topic})
		}
	}()

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: c.cfg.CloseTimeout}, loggingpkg.NewWatermillAdapter(c.logger))
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}
	for _, reg := range c.cfg.Middlewares {
		if reg.Middleware != nil {
			router.AddMiddleware(reg.Middleware)
		}
	}
	if c.cfg.Metrics != nil {
		metrics.NewPrometheusMetricsBuilder(c.cfg.Metrics, "ledgerflow", c.cfg.MetricsSubsystem).
			AddPrometheusRouterMetrics(router)
	}

	sessionCtx, endSession := context.WithCancel(ctx)
	defer endSession()

	var escaped error
	var escapedOnce sync.Once
	router.AddNoPublisherHandler(c.handlerName(topic), topic, subscriber, func(msg *message.Message) error {
		if err := handler(msg); err != nil {
			escapedOnce.Do(func() {
				escaped = fmt.Errorf("%w: %v", errspkg.ErrHandlerEscaped, err)
				endSession()
			})
			return err
		}
		return nil
	})

	go func() {
		select {
		case <-router.Running():
			c.logger.Info("Consumer running", loggingpkg.LogFields{"topic": topic})
			markReady()
		case <-sessionCtx.Done():
		}
	}()

	runErr := routerRun(router, sessionCtx)
	if escaped != nil {
		return escaped
	}
	if runErr == nil && ctx.Err() == nil {
		runErr = stdErrors.New("subscription closed")
	}
	return runErr
}

func (c *Consumer) handlerName(topic string) string {
	if c.cfg.Group == "" {
		return topic
	}
	return c.cfg.Group + "." + topic
}
