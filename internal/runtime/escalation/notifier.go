// Package escalation turns terminal processing failures into operator
// notifications: a persisted record, a webhook alert and an event on the
// notification topic.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/ledgerflow/internal/broker"
	"github.com/drblury/ledgerflow/internal/runtime/deadletter"
	"github.com/drblury/ledgerflow/internal/runtime/envelope"
	"github.com/drblury/ledgerflow/internal/runtime/logging"
	"github.com/drblury/ledgerflow/internal/runtime/metadata"
	"github.com/drblury/ledgerflow/internal/store"
)

// NotificationTitle is the title of every escalation notification.
const NotificationTitle = "Message processing failed"

// Notifier implements deadletter.Escalator.
type Notifier struct {
	store    store.Notifications
	dedup    Deduper
	alerter  Alerter
	producer deadletter.Producer
	topic    string
	logger   logging.ServiceLogger
	now      func() time.Time
}

var _ deadletter.Escalator = (*Notifier)(nil)

// Option customises a Notifier.
type Option func(*Notifier)

// WithDeduper replaces the in-memory deduper.
func WithDeduper(d Deduper) Option {
	return func(n *Notifier) {
		if d != nil {
			n.dedup = d
		}
	}
}

// WithAlerter enables webhook alerts.
func WithAlerter(a Alerter) Option {
	return func(n *Notifier) { n.alerter = a }
}

// WithProducer publishes every notification on topic.
func WithProducer(p deadletter.Producer, topic string) Option {
	return func(n *Notifier) {
		n.producer = p
		if topic != "" {
			n.topic = topic
		}
	}
}

// WithLogger sets the notifier logger.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// NewNotifier builds a notifier persisting into notifications.
func NewNotifier(notifications store.Notifications, opts ...Option) *Notifier {
	n := &Notifier{
		store:  notifications,
		dedup:  NewMemoryDeduper(DefaultDedupTTL),
		topic:  envelope.TopicUserNotification,
		logger: logging.NewNopServiceLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(logging.LogFields{"component": "escalation_notifier"})
	return n
}

// Escalate records f once. Repeated calls for the same topic, message and
// attempt are ignored. Every internal failure is logged and swallowed.
func (n *Notifier) Escalate(ctx context.Context, f deadletter.Failure) {
	key := DedupKey(f)
	fields := logging.LogFields{"topic": f.Topic, "message_id": f.MessageID, "retry_count": f.RetryCount}

	first, err := n.dedup.First(ctx, key)
	if err != nil {
		n.logger.Error("Escalation dedup check failed, notifying anyway", err, fields)
		first = true
	}
	if !first {
		n.logger.Debug("Escalation already recorded", fields)
		return
	}

	notification := n.Build(f)
	fields["subject_id"] = notification.SubjectID

	if n.store != nil {
		if err := n.store.SaveNotification(ctx, notification); err != nil {
			n.logger.Error("Failed to persist notification", err, fields)
		}
	}
	if n.alerter != nil {
		switch err := n.alerter.Alert(ctx, notification); {
		case errors.Is(err, ErrAlertSuppressed):
			n.logger.Info("Alert suppressed by rate limit", fields)
		case err != nil:
			n.logger.Error("Failed to send alert", err, fields)
		}
	}
	if n.producer != nil {
		n.publish(ctx, f.Topic, notification, fields)
	}
	n.logger.Info("Failure escalated", fields)
}

// Build converts f into the notification record.
func (n *Notifier) Build(f deadletter.Failure) *store.Notification {
	at := f.OccurredAt
	if at.IsZero() {
		at = n.now()
	}
	data := map[string]any{
		"originalTopic":   f.Topic,
		"error":           f.ErrorText(),
		"errorKind":       string(f.Kind()),
		"retryCount":      f.RetryCount,
		"timestamp":       at.UTC().Format(time.RFC3339Nano),
		"originalMessage": string(f.Payload),
	}
	if f.MessageID != "" {
		data["messageId"] = f.MessageID
	}
	if f.Stack != "" {
		data["stack"] = f.Stack
	}
	return &store.Notification{
		SubjectID: envelope.SubjectID(f.Payload),
		Type:      store.SeverityError,
		Title:     NotificationTitle,
		Content:   fmt.Sprintf("Processing of a message on topic %s failed", f.Topic),
		Data:      data,
		IsRead:    false,
		CreatedAt: n.now(),
	}
}

func (n *Notifier) publish(ctx context.Context, originalTopic string, notification *store.Notification, fields logging.LogFields) {
	md := metadata.New(
		metadata.KeyPartitionKey, notification.SubjectID,
		metadata.KeyOriginalTopic, originalTopic,
	)
	msg, err := broker.NewJSONMessage(notification, md)
	if err != nil {
		n.logger.Error("Failed to encode notification event", err, fields)
		return
	}
	if err := n.producer.Publish(ctx, n.topic, msg); err != nil {
		n.logger.Error("Failed to publish notification event", err, fields)
	}
}
