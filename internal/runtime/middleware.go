package runtime

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	idspkg "github.com/drblury/ledgerflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/ledgerflow/internal/runtime/logging"
	"github.com/drblury/ledgerflow/internal/runtime/metadata"
)

// CorrelationIDKey is the metadata key carrying the correlation identifier.
const CorrelationIDKey = "correlation_id"

// MiddlewareRegistration names a middleware attached to every consumer router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
}

// DefaultMiddlewares returns the chain installed on every consumer router.
// Metrics are added separately because they decorate the router itself.
func DefaultMiddlewares(logger loggingpkg.ServiceLogger) []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(logger),
		TracerMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				if msg.Metadata.Get(CorrelationIDKey) == "" {
					msg.Metadata.Set(CorrelationIDKey, idspkg.New())
				}
				return h(msg)
			}
		},
	}
}

// LogMessagesMiddleware logs every received message at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return MiddlewareRegistration{
		Name: "log_messages",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				logger.Debug("Processing message", loggingpkg.LogFields{
					"message_uuid":   msg.UUID,
					"retry_count":    metadata.FromWatermill(msg.Metadata).RetryCount(),
					"correlation_id": msg.Metadata.Get(CorrelationIDKey),
					"payload_bytes":  len(msg.Payload),
				})
				return h(msg)
			}
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				ctx, span := otel.Tracer("ledgerflow-consumer").Start(msg.Context(), "ProcessMessage")
				defer span.End()
				msg.SetContext(ctx)

				span.SetAttributes(
					attribute.String("message.uuid", msg.UUID),
					attribute.String("message.metadata", fmt.Sprintf("%v", msg.Metadata)),
				)
				return h(msg)
			}
		},
	}
}

// RecovererMiddleware converts panics outside the dispatcher into handler
// errors, which the consumer treats as fatal.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}
