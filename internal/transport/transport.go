// Package transport defines the outbound connection factories the routing
// engine sends through, and the registry that builds them from bindings.
package transport

import (
	"context"
	"strings"

	apperrors "message-router/internal/common/errors"
	"message-router/internal/message"
)

// Capability is a bit set of the exchange patterns a factory supports.
type Capability uint8

const (
	CapOneWay Capability = 1 << iota
	CapRequestReply
	CapSession
	CapDuplex
)

// Has reports whether every bit of want is set.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

func (c Capability) String() string {
	var names []string
	for _, p := range []struct {
		bit  Capability
		name string
	}{
		{CapOneWay, "one-way"},
		{CapRequestReply, "request-reply"},
		{CapSession, "session"},
		{CapDuplex, "duplex"},
	} {
		if c.Has(p.bit) {
			names = append(names, p.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Handler receives messages pushed by a destination over a duplex session.
type Handler func(ctx context.Context, msg *message.Message)

// Factory is an open connection to one destination. Implementations must be
// safe for concurrent use.
type Factory interface {
	Capabilities() Capability
	// Send delivers msg one-way.
	Send(ctx context.Context, msg *message.Message) error
	// Request sends msg and waits for the correlated reply.
	Request(ctx context.Context, msg *message.Message) (*message.Message, error)
	// OpenSession opens a session-scoped channel. inbound is non-nil for
	// duplex sessions and receives uncorrelated pushes from the destination.
	OpenSession(ctx context.Context, inbound Handler) (Session, error)
	Close() error
}

// Session is a channel bound to one inbound session.
type Session interface {
	Send(ctx context.Context, msg *message.Message) error
	Close() error
}

// Versioned is implemented by factories that require a specific message
// version on the wire.
type Versioned interface {
	Version() message.Version
}

// Unimplemented can be embedded by factories to reject the patterns they do
// not support.
type Unimplemented struct{}

func (Unimplemented) Send(context.Context, *message.Message) error {
	return apperrors.UnsupportedError("one-way send")
}

func (Unimplemented) Request(context.Context, *message.Message) (*message.Message, error) {
	return nil, apperrors.UnsupportedError("request-reply")
}

func (Unimplemented) OpenSession(context.Context, Handler) (Session, error) {
	return nil, apperrors.UnsupportedError("session")
}

// SendSession is a Session that sends each message one-way over its factory.
// It is the session implementation for transports without a native notion
// of sessions.
type SendSession struct {
	Factory Factory
}

func (s SendSession) Send(ctx context.Context, msg *message.Message) error {
	return s.Factory.Send(ctx, msg)
}

func (SendSession) Close() error { return nil }
