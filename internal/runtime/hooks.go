package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	loggingpkg "github.com/drblury/ledgerflow/internal/runtime/logging"
)

// JobContext describes one message handled by the dispatcher.
type JobContext struct {
	HandlerName string
	Topic       string
	MessageUUID string
	Metadata    message.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration is set for OnJobDone and OnJobError.
	Duration time.Duration
	// RetryCount is the attempt number carried in metadata, 0 for the first delivery.
	RetryCount int
}

// JobHooks are optional callbacks around every state machine invocation.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	// OnJobError sees the failure before it is routed to the dead-letter path.
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks calling h first, then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chain(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chain(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErr(h.OnJobError, other.OnJobError),
	}
}

func chain(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErr(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", loggingpkg.LogFields{
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"retry_count":  ctx.RetryCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
				"retry_count":  ctx.RetryCount,
			})
		},
	}
}

// PrometheusHooks count jobs per topic and outcome and observe their
// duration. Collectors already registered on registerer are reused.
func PrometheusHooks(registerer prometheus.Registerer) (JobHooks, error) {
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerflow",
		Subsystem: "jobs",
		Name:      "total",
		Help:      "Messages handled by the dispatcher by topic and outcome",
	}, []string{"topic", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledgerflow",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "State machine execution time by topic",
		Buckets:   prometheus.DefBuckets,
	}, []string{"topic"})

	if err := registerer.Register(jobs); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return JobHooks{}, err
		}
		jobs = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := registerer.Register(duration); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return JobHooks{}, err
		}
		duration = are.ExistingCollector.(*prometheus.HistogramVec)
	}

	return JobHooks{
		OnJobDone: func(ctx JobContext) {
			jobs.WithLabelValues(ctx.Topic, "done").Inc()
			duration.WithLabelValues(ctx.Topic).Observe(ctx.Duration.Seconds())
		},
		OnJobError: func(ctx JobContext, _ error) {
			jobs.WithLabelValues(ctx.Topic, "error").Inc()
			duration.WithLabelValues(ctx.Topic).Observe(ctx.Duration.Seconds())
		},
	}, nil
}
