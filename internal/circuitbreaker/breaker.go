// Package circuitbreaker guards outbound connections with sony/gobreaker.
package circuitbreaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	apperrors "message-router/internal/common/errors"
	"message-router/internal/common/logging"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// Config configures a breaker for one destination connection.
type Config struct {
	// MaxFailures consecutive failures open the breaker.
	MaxFailures int `yaml:"max_failures" validate:"min=0"`
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`
	// MaxConcurrentRequests bounds probes while half-open.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" validate:"min=0"`
}

func DefaultConfig() Config {
	return Config{
		MaxFailures:           5,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 1,
	}
}

// Enabled reports whether the config asks for a breaker at all.
func (c Config) Enabled() bool {
	return c.MaxFailures > 0
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = d.MaxConcurrentRequests
	}
	return c
}

// State mirrors gobreaker's states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker wraps a gobreaker.CircuitBreaker.
type Breaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker
}

// New creates a breaker named after the connection it protects.
func New(name string, cfg Config, logger logging.Logger) *Breaker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.WithComponent("circuitbreaker")
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.MaxConcurrentRequests),
		Interval:    time.Minute,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// caller mistakes say nothing about the destination's health
			switch apperrors.GetType(err) {
			case apperrors.ErrTypeValidation, apperrors.ErrTypeUnsupported:
				return true
			}
			return false
		},
	}

	return &Breaker{name: name, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrOpen, b.name, err)
	}
	return err
}

func (b *Breaker) State() State {
	switch b.breaker.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
