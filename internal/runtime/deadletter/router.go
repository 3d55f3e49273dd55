// Package deadletter records every failed processing attempt and decides
// whether the event is redelivered or escalated to an operator.
package deadletter

import (
	"context"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ledgerflow/internal/broker"
	errspkg "github.com/drblury/ledgerflow/internal/runtime/errors"
	"github.com/drblury/ledgerflow/internal/runtime/envelope"
	"github.com/drblury/ledgerflow/internal/runtime/logging"
	"github.com/drblury/ledgerflow/internal/runtime/metadata"
)

// DefaultMaxRetries is the number of redeliveries before a retriable failure
// is escalated.
const DefaultMaxRetries = 10

// Producer publishes messages. broker.SharedProducer implements it.
type Producer interface {
	Publish(ctx context.Context, topic string, msgs ...*message.Message) error
}

// Escalator turns a terminal failure into an operator notification. It must
// handle its own errors.
type Escalator interface {
	Escalate(ctx context.Context, f Failure)
}

// Decision is the outcome of routing one failure.
type Decision int

const (
	DecisionRetry Decision = iota
	DecisionEscalateTerminal
	DecisionEscalateExhausted
	DecisionDropped
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionEscalateTerminal:
		return "terminal"
	case DecisionEscalateExhausted:
		return "retries_exhausted"
	default:
		return "dropped"
	}
}

// Router persists the audit record for a failure, then retries or escalates.
type Router struct {
	producer   Producer
	scheduler  Scheduler
	escalator  Escalator
	maxRetries int
	logger     logging.ServiceLogger
	metrics    *Metrics
	now        func() time.Time
}

// RouterOption customises a Router.
type RouterOption func(*Router)

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) RouterOption {
	return func(r *Router) { r.maxRetries = n }
}

// WithLogger sets the router logger.
func WithLogger(logger logging.ServiceLogger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records routing outcomes.
func WithMetrics(m *Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithClock replaces time.Now for audit timestamps.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// NewRouter wires the dead-letter path.
func NewRouter(producer Producer, scheduler Scheduler, escalator Escalator, opts ...RouterOption) (*Router, error) {
	if producer == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	r := &Router{
		producer:   producer,
		scheduler:  scheduler,
		escalator:  escalator,
		maxRetries: DefaultMaxRetries,
		logger:     logging.NewNopServiceLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logging.LogFields{"component": "dead_letter_router"})
	return r, nil
}

// Route handles one failed attempt. It never returns an error: problems in
// the failure path are logged and dropped.
func (r *Router) Route(ctx context.Context, f Failure) Decision {
	if f.OccurredAt.IsZero() {
		f.OccurredAt = r.now()
	}
	fields := logging.LogFields{
		"topic":       f.Topic,
		"retry_count": f.RetryCount,
		"error_kind":  string(f.Kind()),
		"message_id":  f.MessageID,
	}

	r.persist(ctx, f, fields)

	switch {
	case errspkg.IsTerminal(f.Err):
		r.escalate(ctx, f, DecisionEscalateTerminal, fields)
		return DecisionEscalateTerminal
	case f.RetryCount >= r.maxRetries:
		r.escalate(ctx, f, DecisionEscalateExhausted, fields)
		return DecisionEscalateExhausted
	}

	if r.scheduler == nil {
		r.logger.Error("No retry scheduler configured, dropping retry", f.Err, fields)
		return DecisionDropped
	}
	state := RetryState{
		Topic:    f.Topic,
		Payload:  f.Payload,
		Err:      f.Err,
		Count:    f.RetryCount + 1,
		Metadata: f.Metadata.Clone(),
	}
	if err := r.scheduler.Schedule(ctx, state); err != nil {
		r.logger.Error("Failed to schedule retry", err, fields)
		return DecisionDropped
	}
	r.metrics.RecordRetryScheduled(f.Topic)
	r.logger.Info("Retry scheduled", fields)
	return DecisionRetry
}

func (r *Router) persist(ctx context.Context, f Failure, fields logging.LogFields) {
	r.metrics.RecordDeadLetter(f.Topic, string(f.Kind()), f.RetryCount)

	md := metadata.New(
		metadata.KeyOriginalTopic, f.Topic,
		metadata.KeyRetryCount, strconv.Itoa(f.RetryCount),
		metadata.KeyErrorKind, string(f.Kind()),
	)
	if key := f.Metadata[metadata.KeyPartitionKey]; key != "" {
		md[metadata.KeyPartitionKey] = key
	}
	msg, err := broker.NewJSONMessage(NewRecord(f), md)
	if err != nil {
		r.logger.Error("Failed to encode dead-letter record", err, fields)
		return
	}
	if err := r.producer.Publish(ctx, envelope.DLQTopic(f.Topic), msg); err != nil {
		r.logger.Error("Failed to publish dead-letter record", err, fields)
		return
	}
	r.logger.Debug("Dead-letter record published", fields)
}

func (r *Router) escalate(ctx context.Context, f Failure, decision Decision, fields logging.LogFields) {
	r.metrics.RecordEscalation(f.Topic, decision.String())
	r.logger.Error("Escalating failure", f.Err, fields)
	if r.escalator == nil {
		return
	}
	r.escalator.Escalate(ctx, f)
}

// ProducerRepublisher returns a Republisher that sends the original payload
// back to its topic with the incremented retry count in metadata.
func ProducerRepublisher(producer Producer) Republisher {
	return func(ctx context.Context, state RetryState) error {
		md := state.Metadata.WithAll(metadata.New(
			metadata.KeyOriginalTopic, state.Topic,
			metadata.KeyRetryCount, strconv.Itoa(state.Count),
		))
		return producer.Publish(ctx, state.Topic, broker.NewMessage(state.Payload, md))
	}
}
