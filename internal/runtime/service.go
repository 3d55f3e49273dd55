package runtime

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/ledgerflow/internal/broker"
	configpkg "github.com/drblury/ledgerflow/internal/runtime/config"
	"github.com/drblury/ledgerflow/internal/runtime/deadletter"
	errspkg "github.com/drblury/ledgerflow/internal/runtime/errors"
	"github.com/drblury/ledgerflow/internal/runtime/escalation"
	loggingpkg "github.com/drblury/ledgerflow/internal/runtime/logging"
	"github.com/drblury/ledgerflow/internal/runtime/metadata"
	"github.com/drblury/ledgerflow/internal/store"
	transportpkg "github.com/drblury/ledgerflow/transport"
)

// ServiceDependencies holds the collaborators of a Service. Only
// Notifications is required.
type ServiceDependencies struct {
	Notifications store.Notifications
	Deduper       escalation.Deduper
	Alerter       escalation.Alerter

	// Registerer and Gatherer default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// Transports defaults to transport.DefaultRegistry.
	Transports *transportpkg.Registry

	// Middlewares are appended after the default middleware chain.
	Middlewares []MiddlewareRegistration
}

type binding struct {
	topic    string
	group    string
	consumer *Consumer
}

// Service wires the shared producer, the dead-letter path and one consumer
// per subscribed topic.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	wmLogger    watermill.LoggerAdapter
	transports  *transportpkg.Registry
	registerer  prometheus.Registerer
	gatherer    prometheus.Gatherer
	middlewares []MiddlewareRegistration

	producer   *broker.SharedProducer
	scheduler  *deadletter.TimerScheduler
	dispatcher *Dispatcher

	mu        sync.Mutex
	started   bool
	bindings  []*binding
	keepalive *broker.Handle

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewService builds the pipeline for conf. Register handlers with Handle
// before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if deps.Notifications == nil {
		return nil, fmt.Errorf("%w: notification store", errspkg.ErrConfigRequired)
	}
	log.Info("Creating event service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	s := &Service{
		Conf:        conf,
		Logger:      log,
		wmLogger:    loggingpkg.NewWatermillAdapter(log),
		transports:  deps.Transports,
		registerer:  deps.Registerer,
		gatherer:    deps.Gatherer,
		middlewares: append(DefaultMiddlewares(log), deps.Middlewares...),
	}
	if s.transports == nil {
		s.transports = transportpkg.DefaultRegistry
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	s.producer = broker.NewSharedProducer(func(ctx context.Context) (message.Publisher, error) {
		return s.transports.NewPublisher(ctx, conf, s.wmLogger)
	}, log)

	var dlqMetrics *deadletter.Metrics
	hooks := LoggingHooks(log)
	if conf.MetricsEnabled {
		dlqMetrics = deadletter.NewMetrics(s.registerer)
		if err := dlqMetrics.Register(); err != nil {
			return nil, fmt.Errorf("register dead-letter metrics: %w", err)
		}
		promHooks, err := PrometheusHooks(s.registerer)
		if err != nil {
			return nil, fmt.Errorf("register job metrics: %w", err)
		}
		hooks = hooks.Merge(promHooks)
	}

	s.scheduler = deadletter.NewTimerScheduler(conf.RetryDelay, deadletter.ProducerRepublisher(s.producer), log, dlqMetrics)

	notifierOpts := []escalation.Option{
		escalation.WithLogger(log),
		escalation.WithProducer(s.producer, conf.NotificationTopic),
	}
	if deps.Deduper != nil {
		notifierOpts = append(notifierOpts, escalation.WithDeduper(deps.Deduper))
	}
	if deps.Alerter != nil {
		notifierOpts = append(notifierOpts, escalation.WithAlerter(deps.Alerter))
	}
	notifier := escalation.NewNotifier(deps.Notifications, notifierOpts...)

	router, err := deadletter.NewRouter(s.producer, s.scheduler, notifier,
		deadletter.WithMaxRetries(conf.MaxRetries),
		deadletter.WithLogger(log),
		deadletter.WithMetrics(dlqMetrics),
	)
	if err != nil {
		return nil, err
	}
	s.dispatcher, err = NewDispatcher(nil, router, WithDispatcherLogger(log), WithJobHooks(hooks))
	if err != nil {
		return nil, err
	}

	if conf.HTTPPort > 0 {
		s.RegisterHTTPHandler(conf.HTTPPort, "/", HealthHandler())
		if conf.MetricsEnabled {
			s.RegisterHTTPHandler(conf.HTTPPort, "/metrics", MetricsHandler(s.gatherer))
		}
	}
	return s, nil
}

// Handle subscribes entry to topic under the given consumer group.
func (s *Service) Handle(topic, group string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errspkg.ErrConsumerRunning
	}
	if err := s.dispatcher.Register(topic, entry); err != nil {
		return err
	}

	cfg := ConsumerConfig{
		Group:          group,
		ReconnectDelay: s.Conf.ReconnectDelay,
		CloseTimeout:   s.Conf.CloseTimeout,
		Middlewares:    s.middlewares,
	}
	if s.Conf.MetricsEnabled {
		cfg.Metrics = s.registerer
		cfg.MetricsSubsystem = s.Conf.PubSubSystem
	}
	consumer, err := NewConsumer(cfg, s.subscriberFactory, s.Logger)
	if err != nil {
		return err
	}
	s.bindings = append(s.bindings, &binding{topic: topic, group: group, consumer: consumer})
	return nil
}

func (s *Service) subscriberFactory(ctx context.Context, group string) (message.Subscriber, error) {
	return s.transports.NewSubscriber(ctx, s.Conf, group, s.wmLogger)
}

// Publish sends payload to topic through the shared producer.
func (s *Service) Publish(ctx context.Context, topic string, payload []byte, md metadata.Metadata) error {
	return s.producer.Publish(ctx, topic, broker.NewMessage(payload, md))
}

// Start runs every consumer until ctx is cancelled or a consumer fails, then
// shuts the service down.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errspkg.ErrConsumerRunning
	}
	s.started = true
	bindings := append([]*binding(nil), s.bindings...)
	s.mu.Unlock()

	keepalive, err := s.producer.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("connect producer: %w", err)
	}
	s.mu.Lock()
	s.keepalive = keepalive
	s.mu.Unlock()

	s.startHTTPServers()

	exited := make(chan error, len(bindings))
	for _, b := range bindings {
		if err := b.consumer.Start(ctx, b.topic, s.dispatcher.Handler(b.topic)); err != nil {
			return stdErrors.Join(err, s.shutdownWithTimeout())
		}
		s.Logger.Info("Consumer started", loggingpkg.LogFields{"topic": b.topic, "consumer_group": b.group})
		go func(b *binding) {
			if err := b.consumer.Wait(); err != nil {
				exited <- fmt.Errorf("consumer %s/%s: %w", b.group, b.topic, err)
				return
			}
			exited <- nil
		}(b)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-exited:
		if runErr == nil && ctx.Err() == nil {
			runErr = stdErrors.New("consumer exited unexpectedly")
		}
	}
	s.Logger.Info("Shutting down event service", nil)
	return stdErrors.Join(runErr, s.shutdownWithTimeout())
}

func (s *Service) shutdownWithTimeout() error {
	timeout := s.Conf.CloseTimeout
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the consumers, lets in-flight handlers finish, flushes
// pending retries and releases the producer. Later calls return the first
// result.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		bindings := append([]*binding(nil), s.bindings...)
		keepalive := s.keepalive
		s.mu.Unlock()

		var errs []error
		for _, b := range bindings {
			if err := b.consumer.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", b.topic, err))
			}
		}
		if err := s.scheduler.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("retry scheduler: %w", err))
		}
		if keepalive != nil {
			errs = append(errs, keepalive.Release())
		}
		errs = append(errs, s.producer.Close(), s.stopHTTPServers(ctx))
		s.shutdownErr = stdErrors.Join(errs...)
	})
	return s.shutdownErr
}

// PendingRetries lists redeliveries waiting for their delay.
func (s *Service) PendingRetries() []deadletter.RetryState {
	return s.scheduler.Pending()
}

// RegisterHTTPHandler mounts handler on the server listening on port.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

func (s *Service) stopHTTPServers(ctx context.Context) error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	var errs []error
	for _, srv := range s.servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	s.servers = nil
	return stdErrors.Join(errs...)
}

func (s *Service) httpHandler(port int) http.Handler {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()
	mux, ok := s.httpServers[port]
	if !ok {
		return http.NotFoundHandler()
	}
	return mux
}
