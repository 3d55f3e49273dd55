package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/ledgerflow/internal/runtime/errors"
	"github.com/drblury/ledgerflow/internal/runtime/ids"
	"github.com/drblury/ledgerflow/internal/runtime/logging"
)

// Republisher sends a due retry back to its source topic.
type Republisher func(ctx context.Context, state RetryState) error

// Scheduler defers redeliveries.
type Scheduler interface {
	Schedule(ctx context.Context, state RetryState) error
}

// TimerScheduler runs each pending retry on its own timer, so retries for
// different topics and partitions never wait on each other. Pending retries
// are inspectable until they fire.
type TimerScheduler struct {
	delay   time.Duration
	publish Republisher
	logger  logging.ServiceLogger
	metrics *Metrics

	mu        sync.Mutex
	pending   map[string]RetryState
	closed    bool
	flush     chan struct{}
	flushOnce sync.Once
	wg        sync.WaitGroup
}

// NewTimerScheduler builds a scheduler that republishes after delay.
func NewTimerScheduler(delay time.Duration, publish Republisher, logger logging.ServiceLogger, metrics *Metrics) *TimerScheduler {
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	return &TimerScheduler{
		delay:   delay,
		publish: publish,
		logger:  logger.With(logging.LogFields{"component": "retry_scheduler"}),
		metrics: metrics,
		pending: make(map[string]RetryState),
		flush:   make(chan struct{}),
	}
}

// Schedule registers state and returns immediately. The retry keeps the
// values of ctx but not its cancellation; the delivery that scheduled it has
// usually finished by the time it fires.
func (s *TimerScheduler) Schedule(ctx context.Context, state RetryState) error {
	if s.publish == nil {
		return errspkg.ErrPublisherRequired
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errspkg.ErrSchedulerClosed
	}
	if state.ID == "" {
		state.ID = ids.New()
	}
	state.DueAt = time.Now().Add(s.delay)
	s.pending[state.ID] = state
	s.wg.Add(1)
	n := len(s.pending)
	s.mu.Unlock()

	s.metrics.SetPendingRetries(n)
	go s.run(context.WithoutCancel(ctx), state)
	return nil
}

func (s *TimerScheduler) run(ctx context.Context, state RetryState) {
	defer s.wg.Done()

	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.flush:
	}

	err := s.publish(ctx, state)

	s.mu.Lock()
	delete(s.pending, state.ID)
	n := len(s.pending)
	s.mu.Unlock()
	s.metrics.SetPendingRetries(n)

	fields := logging.LogFields{
		"topic":       state.Topic,
		"retry_count": state.Count,
		"retry_id":    state.ID,
	}
	if err != nil {
		s.logger.Error("Retry redelivery failed", err, fields)
		return
	}
	s.logger.Debug("Retry redelivered", fields)
}

// Pending returns the retries that have not fired yet, soonest first.
func (s *TimerScheduler) Pending() []RetryState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RetryState, 0, len(s.pending))
	for _, state := range s.pending {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	return out
}

// Shutdown stops accepting retries, fires every pending one immediately and
// waits for them to be republished or for ctx to end.
func (s *TimerScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.flushOnce.Do(func() { close(s.flush) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
