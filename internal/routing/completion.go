package routing

import (
	"context"

	"message-router/internal/message"
)

// Completion tracks one dispatch from the moment it starts until every send
// (or the request/reply exchange) has finished.
type Completion struct {
	kind         DeliveryKind
	destinations []Descriptor
	done         chan struct{}

	// written once before done is closed
	reply *message.Message
	err   error
}

func newCompletion(kind DeliveryKind, destinations []Descriptor) *Completion {
	return &Completion{kind: kind, destinations: destinations, done: make(chan struct{})}
}

func (c *Completion) finish(reply *message.Message, err error) {
	c.reply = reply
	c.err = err
	close(c.done)
}

// Kind returns the delivery pattern of the dispatch.
func (c *Completion) Kind() DeliveryKind { return c.kind }

// Destinations returns the matched destinations in match order.
func (c *Completion) Destinations() []Descriptor {
	out := make([]Descriptor, len(c.destinations))
	copy(out, c.destinations)
	return out
}

// Done is closed when the dispatch has finished.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Wait blocks until the dispatch finishes or ctx is done. Giving up on the
// wait does not cancel the sends.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the dispatch result, or nil while it is still running. For
// fan-out dispatches a failure is a multierr aggregate of *DestinationError.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Reply waits for the reply of a request/reply exchange. It returns
// ErrReplyNotStarted for a nil completion or one from a fan-out dispatch.
func (c *Completion) Reply(ctx context.Context) (*message.Message, error) {
	if c == nil || c.kind != KindRequest {
		return nil, ErrReplyNotStarted
	}
	if err := c.Wait(ctx); err != nil {
		return nil, err
	}
	return c.reply, nil
}
