// Package broker owns the process-wide producer connection.
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/ledgerflow/internal/runtime/errors"
	"github.com/drblury/ledgerflow/internal/runtime/logging"
)

// Connector opens a fresh publisher. SharedProducer calls it on the first
// acquisition and whenever the reference count climbs back from zero.
type Connector func(ctx context.Context) (message.Publisher, error)

// SharedProducer is a reference-counted, lazily connected publisher. The
// connection opens when the count goes 0→1 and closes when it returns to 0.
// Every component that publishes acquires its own Handle.
type SharedProducer struct {
	connect Connector
	logger  logging.ServiceLogger

	mu     sync.Mutex
	refs   int
	pub    message.Publisher
	closed bool
}

// NewSharedProducer wires a producer around connect. Nothing is opened yet.
func NewSharedProducer(connect Connector, logger logging.ServiceLogger) *SharedProducer {
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	return &SharedProducer{connect: connect, logger: logger.With(logging.LogFields{"component": "producer"})}
}

// Acquire returns a handle on the shared connection, connecting if needed.
// The caller must Release the handle on every exit path.
func (p *SharedProducer) Acquire(ctx context.Context) (*Handle, error) {
	if p == nil || p.connect == nil {
		return nil, errspkg.ErrPublisherRequired
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errspkg.ErrProducerClosed
	}
	if p.refs == 0 {
		pub, err := p.connect(ctx)
		if err != nil {
			return nil, err
		}
		p.pub = pub
		p.logger.Debug("Producer connected", nil)
	}
	p.refs++
	return &Handle{producer: p, pub: p.pub}, nil
}

func (p *SharedProducer) release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.refs == 0 {
		return nil
	}
	p.refs--
	if p.refs > 0 {
		return nil
	}
	return p.disconnectLocked()
}

func (p *SharedProducer) disconnectLocked() error {
	if p.pub == nil {
		return nil
	}
	err := p.pub.Close()
	p.pub = nil
	if err != nil {
		p.logger.Error("Producer disconnect failed", err, nil)
		return err
	}
	p.logger.Debug("Producer disconnected", nil)
	return nil
}

// WithPublisher runs fn with an acquired publisher and always releases it.
func (p *SharedProducer) WithPublisher(ctx context.Context, fn func(message.Publisher) error) (err error) {
	handle, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, handle.Release())
	}()
	return fn(handle)
}

// Publish sends messages through a scoped acquisition.
func (p *SharedProducer) Publish(ctx context.Context, topic string, msgs ...*message.Message) error {
	return p.WithPublisher(ctx, func(pub message.Publisher) error {
		for _, msg := range msgs {
			if ctx != nil {
				msg.SetContext(ctx)
			}
		}
		return pub.Publish(topic, msgs...)
	})
}

// Refs reports the number of outstanding handles.
func (p *SharedProducer) Refs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}

// Connected reports whether the underlying publisher is open.
func (p *SharedProducer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pub != nil
}

// Close refuses new acquisitions. An idle connection closes now; a busy one
// closes when its last handle is released.
func (p *SharedProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.refs > 0 {
		return nil
	}
	return p.disconnectLocked()
}

// Handle is one scoped reference to the shared publisher. It implements
// message.Publisher; Close is an alias for Release.
type Handle struct {
	producer *SharedProducer
	pub      message.Publisher
	once     sync.Once
	released bool
	mu       sync.Mutex
}

func (h *Handle) Publish(topic string, msgs ...*message.Message) error {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return errspkg.ErrProducerClosed
	}
	return h.pub.Publish(topic, msgs...)
}

// Release drops the reference. Calling it more than once is a no-op.
func (h *Handle) Release() error {
	var err error
	h.once.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
		err = h.producer.release()
	})
	return err
}

func (h *Handle) Close() error { return h.Release() }
