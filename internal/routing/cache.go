package routing

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	apperrors "message-router/internal/common/errors"
	"message-router/internal/common/logging"
	"message-router/internal/transport"
)

// Dialer opens the connection a descriptor names.
type Dialer interface {
	Dial(ctx context.Context, d Descriptor) (transport.Factory, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context, d Descriptor) (transport.Factory, error)

func (f DialerFunc) Dial(ctx context.Context, d Descriptor) (transport.Factory, error) {
	return f(ctx, d)
}

// Cache holds one connection factory per descriptor. A factory is built at
// most once however many callers ask for it concurrently; failed builds are
// not cached, so the next caller retries.
type Cache struct {
	dialer  Dialer
	logger  logging.Logger
	metrics *Metrics

	mu      sync.RWMutex
	entries map[Descriptor]transport.Factory
	closed  bool
	group   singleflight.Group
}

// NewCache creates a cache that builds factories with dialer. logger and
// metrics may be nil.
func NewCache(dialer Dialer, logger logging.Logger, metrics *Metrics) *Cache {
	if logger == nil {
		logger = logging.WithComponent("connection-cache")
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Cache{
		dialer:  dialer,
		logger:  logger,
		metrics: metrics,
		entries: make(map[Descriptor]transport.Factory),
	}
}

// Get returns the factory for d, building it on first use.
func (c *Cache) Get(ctx context.Context, d Descriptor) (transport.Factory, error) {
	c.mu.RLock()
	f, ok := c.entries[d]
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		return nil, ErrEngineClosed
	}
	if ok {
		return f, nil
	}

	v, err, _ := c.group.Do(d.key(), func() (interface{}, error) {
		// a previous flight may have finished between the read and Do
		c.mu.RLock()
		f, ok := c.entries[d]
		c.mu.RUnlock()
		if ok {
			return f, nil
		}

		f, err := c.dialer.Dial(ctx, d)
		c.metrics.dials.WithLabelValues(d.Binding, outcome(err)).Inc()
		if err != nil {
			c.logger.Warn("Failed to open destination connection",
				logging.String("destination", d.String()),
				logging.Err(err),
			)
			return nil, err
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = f.Close()
			return nil, ErrEngineClosed
		}
		c.entries[d] = f
		c.mu.Unlock()

		c.logger.Debug("Opened destination connection", logging.String("destination", d.String()))
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(transport.Factory), nil
}

// Len returns the number of cached factories.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close closes every cached factory and rejects further Gets.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[Descriptor]transport.Factory)
	c.mu.Unlock()

	var err error
	for d, f := range entries {
		if cerr := f.Close(); cerr != nil {
			err = multierr.Append(err, apperrors.ConnectionError("close "+d.String(), cerr))
		}
	}
	return err
}
