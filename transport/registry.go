package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Registry maintains a mapping of transport names to their builders and capabilities.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builders
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new transport registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builders),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a transport to the registry. The name should match the
// PUBSUB_SYSTEM value (e.g. "kafka", "channel").
func (r *Registry) Register(name string, builders Builders, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builders
	if caps.Name == "" {
		caps.Name = name
	}
	r.capabilities[name] = caps
}

// GetCapabilities returns the capabilities for a registered transport.
// Returns a zero Capabilities struct if the transport is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

func (r *Registry) lookup(cfg Config) (Builders, error) {
	if cfg == nil {
		return Builders{}, fmt.Errorf("config is required")
	}
	name := cfg.GetPubSubSystem()

	r.mu.RLock()
	builders, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return Builders{}, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}
	return builders, nil
}

// NewPublisher opens a publisher for the config's PubSubSystem.
func (r *Registry) NewPublisher(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	builders, err := r.lookup(cfg)
	if err != nil {
		return nil, err
	}
	if builders.Publisher == nil {
		return nil, fmt.Errorf("transport %q cannot publish", cfg.GetPubSubSystem())
	}
	return builders.Publisher(ctx, cfg, logger)
}

// NewSubscriber opens a subscriber in consumerGroup for the config's PubSubSystem.
func (r *Registry) NewSubscriber(ctx context.Context, cfg Config, consumerGroup string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	builders, err := r.lookup(cfg)
	if err != nil {
		return nil, err
	}
	if builders.Subscriber == nil {
		return nil, fmt.Errorf("transport %q cannot subscribe", cfg.GetPubSubSystem())
	}
	return builders.Subscriber(ctx, cfg, consumerGroup, logger)
}

// Names returns the registered transport names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a transport is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a transport to the default registry.
func Register(name string, builders Builders, caps Capabilities) {
	DefaultRegistry.Register(name, builders, caps)
}

// NewPublisher opens a publisher using the default registry.
func NewPublisher(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return DefaultRegistry.NewPublisher(ctx, cfg, logger)
}

// NewSubscriber opens a subscriber using the default registry.
func NewSubscriber(ctx context.Context, cfg Config, consumerGroup string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return DefaultRegistry.NewSubscriber(ctx, cfg, consumerGroup, logger)
}
