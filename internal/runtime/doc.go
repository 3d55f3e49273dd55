/*
Package runtime provides the event processing infrastructure for ledgerflow.

# Architecture Overview

The runtime package runs one Watermill router per subscribed topic. Every
delivered message goes through the Dispatcher, which validates the payload,
runs the registered state machine entry and hands any failure to the
dead-letter router. Handlers never return an error to Watermill, so every
message is acknowledged once the failure path has recorded it.

# Package Structure

## Core Service (service.go)

The Service struct is the central orchestrator that wires together:
  - the reference-counted shared producer
  - the dead-letter router, retry scheduler and escalation notifier
  - one Consumer per topic and consumer group
  - the HTTP server for /health and /metrics

## Consumer (consumer.go)

A Consumer owns a router for one topic. When the broker session ends it
rebuilds the subscriber and router after the reconnect delay.

## Dispatcher (dispatch.go)

Validation, state machine execution, panic recovery and failure routing.
Job hooks (hooks.go) run around every execution.

## Middleware (middleware.go)

  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of message metadata
  - Tracer: OpenTelemetry distributed tracing
  - Recoverer: Panic recovery

# Sub-packages

  - config/: Service configuration with validation
  - deadletter/: Dead-letter records, retry scheduling and DLQ metrics
  - envelope/: Topics, canonical payloads and the schema validator
  - errors/: Sentinel errors and typed pipeline errors
  - escalation/: Operator notifications, webhook alerts and dedup
  - ids/: ULID generation for message and record IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message metadata utilities

# Usage Example

	cfg, err := config.Load()
	svc, err := runtime.NewService(cfg, logger, runtime.ServiceDependencies{Notifications: st})

	svc.Handle(envelope.TopicSubscriptionAccept, cfg.IssuanceGroup, runtime.Typed(issuer.Issue))

	svc.Start(ctx)
*/
package runtime
