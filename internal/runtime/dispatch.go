package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ledgerflow/internal/runtime/deadletter"
	"github.com/drblury/ledgerflow/internal/runtime/envelope"
	errspkg "github.com/drblury/ledgerflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/ledgerflow/internal/runtime/logging"
	"github.com/drblury/ledgerflow/internal/runtime/metadata"
	kafkatransport "github.com/drblury/ledgerflow/transport/kafka"
)

// Entry is a state machine entry point for one validated payload.
type Entry func(ctx context.Context, payload envelope.Payload) error

// Typed adapts a function taking a concrete payload type. A payload of any
// other type is reported as a validation failure.
func Typed[T envelope.Payload](fn func(context.Context, T) error) Entry {
	return func(ctx context.Context, payload envelope.Payload) error {
		typed, ok := payload.(T)
		if !ok {
			var zero T
			return errspkg.Validation("payload", "expected %T, got %T", zero, payload)
		}
		return fn(ctx, typed)
	}
}

// FailureRouter receives every failed attempt. deadletter.Router implements it.
type FailureRouter interface {
	Route(ctx context.Context, f deadletter.Failure) deadletter.Decision
}

// Outcome reports what happened to one message.
type Outcome struct {
	Envelope envelope.Envelope
	Err      error
	// Decision is only meaningful when Err is set.
	Decision deadletter.Decision
}

// Dispatcher validates messages, runs the registered entry and hands every
// failure to the dead-letter router. Its handlers never return an error, so
// every message is acknowledged.
type Dispatcher struct {
	validator *envelope.Validator
	router    FailureRouter
	logger    loggingpkg.ServiceLogger
	hooks     JobHooks
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(logger loggingpkg.ServiceLogger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithJobHooks registers lifecycle callbacks run around every entry.
func WithJobHooks(hooks JobHooks) DispatcherOption {
	return func(d *Dispatcher) { d.hooks = d.hooks.Merge(hooks) }
}

// NewDispatcher wires a dispatcher. A nil validator uses the built-in schemas.
func NewDispatcher(validator *envelope.Validator, router FailureRouter, opts ...DispatcherOption) (*Dispatcher, error) {
	if router == nil {
		return nil, errspkg.ErrRouterRequired
	}
	if validator == nil {
		v, err := envelope.NewValidator()
		if err != nil {
			return nil, err
		}
		validator = v
	}
	d := &Dispatcher{
		validator: validator,
		router:    router,
		logger:    loggingpkg.NewNopServiceLogger(),
		now:       time.Now,
		entries:   map[string]Entry{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(loggingpkg.LogFields{"component": "dispatcher"})
	return d, nil
}

// Register binds entry to topic.
func (d *Dispatcher) Register(topic string, entry Entry) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if entry == nil {
		return errspkg.ErrHandlerRequired
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[topic] = entry
	return nil
}

// Handler returns the Watermill handler for topic.
func (d *Dispatcher) Handler(topic string) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		d.Execute(topic, msg)
		return nil
	}
}

// Execute processes one message. Failures are routed, never returned.
func (d *Dispatcher) Execute(topic string, msg *message.Message) Outcome {
	ctx := msg.Context()
	md := metadata.FromWatermill(msg.Metadata)
	partition, _ := kafkatransport.PartitionFromMessage(msg)
	env := envelope.Envelope{
		Topic:      topic,
		Partition:  partition,
		MessageID:  msg.UUID,
		Raw:        msg.Payload,
		RetryCount: md.RetryCount(),
	}

	job := JobContext{
		HandlerName: topic,
		Topic:       topic,
		MessageUUID: msg.UUID,
		Metadata:    msg.Metadata,
		Context:     ctx,
		StartedAt:   d.now(),
		RetryCount:  env.RetryCount,
	}
	if d.hooks.OnJobStart != nil {
		d.hooks.OnJobStart(job)
	}

	stack, err := d.run(ctx, &env)
	job.Duration = d.now().Sub(job.StartedAt)

	if err == nil {
		if d.hooks.OnJobDone != nil {
			d.hooks.OnJobDone(job)
		}
		return Outcome{Envelope: env}
	}
	if d.hooks.OnJobError != nil {
		d.hooks.OnJobError(job, err)
	}

	if md[metadata.KeyPartitionKey] == "" {
		md = md.With(metadata.KeyPartitionKey, partitionKey(env))
	}
	decision := d.router.Route(ctx, deadletter.Failure{
		Topic:      topic,
		Payload:    msg.Payload,
		Err:        err,
		RetryCount: env.RetryCount,
		MessageID:  msg.UUID,
		Partition:  env.Partition,
		Metadata:   md,
		OccurredAt: d.now(),
		Stack:      stack,
	})
	d.logger.Debug("Failure routed", loggingpkg.LogFields{
		"topic":       topic,
		"message_id":  msg.UUID,
		"retry_count": env.RetryCount,
		"decision":    decision.String(),
	})
	return Outcome{Envelope: env, Err: err, Decision: decision}
}

func (d *Dispatcher) run(ctx context.Context, env *envelope.Envelope) (stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack = string(debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	d.mu.RLock()
	entry, ok := d.entries[env.Topic]
	if !ok {
		entry, ok = d.entries[envelope.BaseTopic(env.Topic)]
	}
	d.mu.RUnlock()
	if !ok {
		return "", errspkg.Validation("topic", "no handler registered for %q", env.Topic)
	}

	payload, err := d.validator.Validate(env.Topic, env.Raw)
	if err != nil {
		return "", err
	}
	env.Payload = payload
	return "", entry(ctx, payload)
}

// partitionKey keeps retries of one subject on one partition.
func partitionKey(env envelope.Envelope) string {
	if subject := envelope.SubjectID(env.Raw); subject != "unknown" {
		return subject
	}
	return env.MessageID
}
