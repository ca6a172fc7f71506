package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"message-router/internal/circuitbreaker"
	apperrors "message-router/internal/common/errors"
	"message-router/internal/common/logging"
	"message-router/internal/common/utils"
	"message-router/internal/common/validation"
)

// RetryConfig is the routing-file form of utils.RetryConfig.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" validate:"min=0,max=20"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"min=0"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"min=0"`
	Backoff      float64       `yaml:"backoff" validate:"min=0"`
}

// Binding names a transport type and its options. Destinations refer to a
// binding by name.
type Binding struct {
	Name           string                 `yaml:"-"`
	Type           string                 `yaml:"type"`
	Options        map[string]interface{} `yaml:"options"`
	Retry          *RetryConfig           `yaml:"retry,omitempty"`
	CircuitBreaker *circuitbreaker.Config `yaml:"circuit_breaker,omitempty"`
}

// Builder opens a factory for address using binding's options.
type Builder func(ctx context.Context, binding Binding, address string) (Factory, error)

// Registry maps binding types to builders.
type Registry struct {
	builders map[string]Builder
	mu       sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

func (r *Registry) Register(bindingType string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[bindingType] = builder
}

func (r *Registry) IsRegistered(bindingType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[bindingType]
	return ok
}

// Types returns the registered binding types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.builders))
	for t := range r.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Dial builds a factory for address and wraps it with the binding's retry
// and circuit breaker policies.
func (r *Registry) Dial(ctx context.Context, binding Binding, address string) (Factory, error) {
	r.mu.RLock()
	builder, ok := r.builders[binding.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, apperrors.ConfigErrorf("binding type %q not registered", binding.Type).
			WithContext("binding", binding.Name)
	}

	f, err := builder(ctx, binding, address)
	if err != nil {
		return nil, err
	}

	logger := logging.WithComponent("transport").WithFields(
		logging.String("binding", binding.Name),
		logging.String("address", address),
	)

	if binding.Retry != nil && binding.Retry.MaxAttempts > 1 {
		f = WithRetry(f, binding.Retry.toUtils(), logger)
	}
	if binding.CircuitBreaker != nil && binding.CircuitBreaker.Enabled() {
		name := binding.Name + ":" + address
		f = WithCircuitBreaker(f, circuitbreaker.New(name, *binding.CircuitBreaker, logger))
	}
	return f, nil
}

// DecodeOptions converts a binding's generic options into the typed options
// struct out and validates it against its `validate` tags.
func DecodeOptions(binding Binding, out interface{}) error {
	if len(binding.Options) > 0 {
		raw, err := yaml.Marshal(binding.Options)
		if err != nil {
			return apperrors.ConfigErrorf("binding %s: encode options: %v", binding.Name, err)
		}
		if err := yaml.Unmarshal(raw, out); err != nil {
			return apperrors.ConfigErrorf("binding %s: decode options: %v", binding.Name, err)
		}
	}
	v := validation.NewValidatorWithPrefix("binding " + binding.Name).Struct(out)
	if err := v.Error(); err != nil {
		return apperrors.ConfigError(err.Error()).WithCause(err)
	}
	return nil
}

func (c RetryConfig) toUtils() utils.RetryConfig {
	cfg := utils.DefaultRetryConfig()
	cfg.MaxAttempts = c.MaxAttempts
	if c.Backoff > 0 {
		cfg.BackoffFactor = c.Backoff
	}
	if c.InitialDelay > 0 {
		cfg.InitialDelay = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		cfg.MaxDelay = c.MaxDelay
	}
	return cfg
}

var defaultRegistry = NewRegistry()

// Register adds a builder to the default registry. Transport packages call it
// from their init functions.
func Register(bindingType string, builder Builder) {
	defaultRegistry.Register(bindingType, builder)
}

// DefaultRegistry returns the registry transport packages register into.
func DefaultRegistry() *Registry {
	return defaultRegistry
}
