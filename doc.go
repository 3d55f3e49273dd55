// Package ledgerflow is the event-processing backend of a tokenized real
// estate platform. It consumes customer, subscription and trade events from
// Kafka, drives the matching ledger state machine (wallet provisioning, coin
// issuance, trade settlement) and guarantees that no event is lost: every
// failed attempt is written to the topic's ".dlq" companion, retriable
// failures are redelivered up to DefaultMaxRetries times, and terminal or
// exhausted failures are escalated exactly once to an operator.
//
// Service hosts one Watermill router per subscribed topic on top of a shared,
// reference-counted producer. A minimal setup fills Config (usually through
// LoadConfig), creates a Service, registers one Entry per topic with
// Service.Handle and calls Start:
//
//	svc, err := ledgerflow.NewService(cfg, logger, ledgerflow.ServiceDependencies{Notifications: st})
//	err = svc.Handle(ledgerflow.TopicCustomerCreated, cfg.WalletGroup, ledgerflow.Typed(wallets.Handle))
//	err = svc.Start(ctx)
//
// # Transports
//
// Two transports are built in and register themselves when imported:
//   - kafka: consumer groups on Apache Kafka via watermill-kafka and sarama
//   - channel: an in-process Go channel hub for tests and local development
//
// # Failure handling
//
// Payloads are validated against a JSON Schema per topic before any state
// machine runs. Errors carry a kind (see KindOf): decode, validation and
// already-registered failures are terminal; ledger, not-found and internal
// failures are retried after Config.RetryDelay. Escalation persists a
// notification, posts a webhook alert and publishes to user.notification.
//
// # Job Hooks
//
// LoggingHooks and PrometheusHooks run around every state machine
// execution. /health and /metrics are served on Config.HTTPPort.
package ledgerflow
