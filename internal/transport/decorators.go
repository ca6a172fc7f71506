package transport

import (
	"context"
	"errors"

	"message-router/internal/circuitbreaker"
	apperrors "message-router/internal/common/errors"
	"message-router/internal/common/logging"
	"message-router/internal/common/utils"
	"message-router/internal/message"
)

// wrapped forwards everything to the inner factory; decorators override the
// calls they guard.
type wrapped struct {
	inner Factory
}

func (w wrapped) Capabilities() Capability { return w.inner.Capabilities() }

func (w wrapped) Send(ctx context.Context, msg *message.Message) error {
	return w.inner.Send(ctx, msg)
}

func (w wrapped) Request(ctx context.Context, msg *message.Message) (*message.Message, error) {
	return w.inner.Request(ctx, msg)
}

func (w wrapped) OpenSession(ctx context.Context, inbound Handler) (Session, error) {
	return w.inner.OpenSession(ctx, inbound)
}

func (w wrapped) Close() error { return w.inner.Close() }

// Version reports the inner factory's version, or "" if it has none.
func (w wrapped) Version() message.Version {
	if v, ok := w.inner.(Versioned); ok {
		return v.Version()
	}
	return ""
}

// Unwrap returns the decorated factory.
func (w wrapped) Unwrap() Factory { return w.inner }

type retryFactory struct {
	wrapped
	cfg    utils.RetryConfig
	logger logging.Logger
}

// WithRetry retries one-way sends and session opens with exponential
// backoff. Requests are not retried since the destination may already have
// acted on the first attempt.
func WithRetry(f Factory, cfg utils.RetryConfig, logger logging.Logger) Factory {
	if logger == nil {
		logger = logging.WithComponent("transport")
	}
	cfg.Retryable = retryable
	return &retryFactory{wrapped: wrapped{inner: f}, cfg: cfg, logger: logger}
}

// Send buffers a streamed body first so every attempt sends it in full.
func (r *retryFactory) Send(ctx context.Context, msg *message.Message) error {
	if err := msg.Buffer(); err != nil {
		return apperrors.ValidationError("message body cannot be buffered for retry").WithCause(err)
	}
	attempt := 0
	return utils.RetryWithBackoff(ctx, r.cfg, func() error {
		attempt++
		err := r.inner.Send(ctx, msg)
		if err != nil && attempt < r.cfg.MaxAttempts {
			r.logger.Debug("Send failed, retrying",
				logging.Int("attempt", attempt),
				logging.Err(err),
			)
		}
		return err
	})
}

func (r *retryFactory) OpenSession(ctx context.Context, inbound Handler) (Session, error) {
	var s Session
	err := utils.RetryWithBackoff(ctx, r.cfg, func() error {
		var err error
		s, err = r.inner.OpenSession(ctx, inbound)
		return err
	})
	return s, err
}

func retryable(err error) bool {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Type {
		case apperrors.ErrTypeUnsupported, apperrors.ErrTypeValidation, apperrors.ErrTypeConfig, apperrors.ErrTypeInternal:
			return false
		}
	}
	return !errors.Is(err, circuitbreaker.ErrOpen) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, message.ErrBodyConsumed)
}

type breakerFactory struct {
	wrapped
	breaker *circuitbreaker.Breaker
}

// WithCircuitBreaker fails fast while the destination keeps failing.
func WithCircuitBreaker(f Factory, b *circuitbreaker.Breaker) Factory {
	return &breakerFactory{wrapped: wrapped{inner: f}, breaker: b}
}

func (b *breakerFactory) Send(ctx context.Context, msg *message.Message) error {
	return b.breaker.Execute(func() error {
		return b.inner.Send(ctx, msg)
	})
}

func (b *breakerFactory) Request(ctx context.Context, msg *message.Message) (*message.Message, error) {
	var reply *message.Message
	err := b.breaker.Execute(func() error {
		var err error
		reply, err = b.inner.Request(ctx, msg)
		return err
	})
	return reply, err
}

func (b *breakerFactory) OpenSession(ctx context.Context, inbound Handler) (Session, error) {
	var s Session
	err := b.breaker.Execute(func() error {
		var err error
		s, err = b.inner.OpenSession(ctx, inbound)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &breakerSession{inner: s, breaker: b.breaker}, nil
}

type breakerSession struct {
	inner   Session
	breaker *circuitbreaker.Breaker
}

func (s *breakerSession) Send(ctx context.Context, msg *message.Message) error {
	return s.breaker.Execute(func() error {
		return s.inner.Send(ctx, msg)
	})
}

func (s *breakerSession) Close() error { return s.inner.Close() }
