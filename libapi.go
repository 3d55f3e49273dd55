package ledgerflow

import (
	"context"

	runtimepkg "github.com/drblury/ledgerflow/internal/runtime"
	configpkg "github.com/drblury/ledgerflow/internal/runtime/config"
	"github.com/drblury/ledgerflow/internal/runtime/deadletter"
	"github.com/drblury/ledgerflow/internal/runtime/envelope"
	errspkg "github.com/drblury/ledgerflow/internal/runtime/errors"
	"github.com/drblury/ledgerflow/internal/runtime/escalation"
	idspkg "github.com/drblury/ledgerflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/ledgerflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ledgerflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/ledgerflow/internal/runtime/metadata"
	newtransport "github.com/drblury/ledgerflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Entry               = runtimepkg.Entry

	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	Error                 = errspkg.Error
	ErrorKind             = errspkg.Kind

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Events
	Payload              = envelope.Payload
	CustomerCreated      = envelope.CustomerCreated
	SubscriptionAccepted = envelope.SubscriptionAccepted
	TradeCreated         = envelope.TradeCreated

	// Dead-letter path
	Failure         = deadletter.Failure
	DeadLetter      = deadletter.Record
	RetryState      = deadletter.RetryState
	DLQMetrics      = deadletter.Metrics
	DLQTopicMetrics = deadletter.TopicMetrics
	Deduper         = escalation.Deduper
	Alerter         = escalation.Alerter

	// Transport registry
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportBuilders     = newtransport.Builders
	TransportCapabilities = newtransport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	LoggingHooks    = runtimepkg.LoggingHooks
	PrometheusHooks = runtimepkg.PrometheusHooks

	HealthHandler  = runtimepkg.HealthHandler
	MetricsHandler = runtimepkg.MetricsHandler

	// Escalation
	NewMemoryDeduper        = escalation.NewMemoryDeduper
	NewRedisDeduperFromAddr = escalation.NewRedisDeduperFromAddr
	NewWebhookAlerter       = escalation.NewWebhookAlerter
	BuildAlertMessage       = escalation.BuildWebhookMessage

	// Topics
	DLQTopic   = envelope.DLQTopic
	IsDLQTopic = envelope.IsDLQTopic
	SubjectID  = envelope.SubjectID

	// Error kinds
	KindOf     = errspkg.KindOf
	IsTerminal = errspkg.IsTerminal

	// Transport registry
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	GetCapabilities          = newtransport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrHandlerRequired   = errspkg.ErrHandlerRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrConsumerRunning   = errspkg.ErrConsumerRunning
	ErrHandlerEscaped    = errspkg.ErrHandlerEscaped
	ErrProducerClosed    = errspkg.ErrProducerClosed

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	// NewEventID generates a unique, time-ordered event ID.
	NewEventID = idspkg.New
)

// Topics consumed and produced by the pipeline.
const (
	TopicCustomerCreated      = envelope.TopicCustomerCreated
	TopicSubscriptionAccept   = envelope.TopicSubscriptionAccept
	TopicTransactionCreated   = envelope.TopicTransactionCreated
	TopicUserNotification     = envelope.TopicUserNotification

	DefaultMaxRetries         = deadletter.DefaultMaxRetries
	DefaultEscalationDedupTTL = escalation.DefaultDedupTTL
)

// Error kinds carried by pipeline errors.
const (
	KindInternal          = errspkg.KindInternal
	KindDecode            = errspkg.KindDecode
	KindValidation        = errspkg.KindValidation
	KindNotFound          = errspkg.KindNotFound
	KindLedger            = errspkg.KindLedger
	KindAlreadyRegistered = errspkg.KindAlreadyRegistered
	KindKeyMaterial       = errspkg.KindKeyMaterial
)

// Typed adapts a function taking a concrete event type into an Entry.
func Typed[T Payload](fn func(context.Context, T) error) Entry {
	return runtimepkg.Typed(fn)
}
