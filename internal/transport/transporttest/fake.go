// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"message-router/internal/message"
	"message-router/internal/transport"
)

// Factory is an in-memory transport.Factory that records what it is sent.
type Factory struct {
	Address string
	Caps    transport.Capability
	Ver     message.Version

	// SendErr, when set, is returned by every Send.
	SendErr error
	// Reply produces the reply for Request; the default echoes the request.
	Reply func(ctx context.Context, msg *message.Message) (*message.Message, error)
	// Block, when non-nil, makes Send and Request wait until it is closed.
	Block chan struct{}
	// OpenBlock, when non-nil, makes OpenSession wait until it is closed. The
	// session is recorded before the wait.
	OpenBlock chan struct{}

	mu       sync.Mutex
	sent     []*message.Message
	requests []*message.Message
	sessions []*Session
	closed   atomic.Bool
}

// NewFactory returns a factory supporting every pattern.
func NewFactory(address string) *Factory {
	return &Factory{
		Address: address,
		Caps:    transport.CapOneWay | transport.CapRequestReply | transport.CapSession | transport.CapDuplex,
	}
}

func (f *Factory) Capabilities() transport.Capability { return f.Caps }

func (f *Factory) Version() message.Version { return f.Ver }

func (f *Factory) Send(ctx context.Context, msg *message.Message) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return f.SendErr
}

func (f *Factory) Request(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.requests = append(f.requests, msg)
	f.mu.Unlock()

	if f.Reply != nil {
		return f.Reply(ctx, msg)
	}
	reply := msg.Clone()
	reply.Set(message.HeaderAction, msg.Action()+"Response")
	return reply, nil
}

func (f *Factory) OpenSession(ctx context.Context, inbound transport.Handler) (transport.Session, error) {
	s := &Session{factory: f, Inbound: inbound}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	if f.OpenBlock != nil {
		select {
		case <-f.OpenBlock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s, nil
}

func (f *Factory) Close() error {
	f.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (f *Factory) Closed() bool { return f.closed.Load() }

// Sent returns the messages delivered one-way, including over sessions.
func (f *Factory) Sent() []*message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*message.Message(nil), f.sent...)
}

// Requests returns the messages received by Request.
func (f *Factory) Requests() []*message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*message.Message(nil), f.requests...)
}

// Sessions returns the sessions opened so far.
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Session(nil), f.sessions...)
}

func (f *Factory) wait(ctx context.Context) error {
	if f.Block == nil {
		return nil
	}
	select {
	case <-f.Block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session records session sends on its factory.
type Session struct {
	factory *Factory
	Inbound transport.Handler
	closed  atomic.Bool
}

func (s *Session) Send(ctx context.Context, msg *message.Message) error {
	if s.closed.Load() {
		return errors.New("session closed")
	}
	return s.factory.Send(ctx, msg)
}

func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Session) Closed() bool { return s.closed.Load() }

// Push simulates a destination-initiated message on a duplex session.
func (s *Session) Push(ctx context.Context, msg *message.Message) {
	if s.Inbound != nil {
		s.Inbound(ctx, msg)
	}
}

// Network hands out one Factory per address and counts dials. Its Dial
// method is a transport.Builder.
type Network struct {
	mu        sync.Mutex
	factories map[string]*Factory
	dials     map[string]int
	fail      map[string]error

	// Configure, when set, is applied to every new factory.
	Configure func(f *Factory)
	// Gate, when non-nil, makes Dial wait until it is closed.
	Gate chan struct{}
}

func NewNetwork() *Network {
	return &Network{
		factories: make(map[string]*Factory),
		dials:     make(map[string]int),
		fail:      make(map[string]error),
	}
}

// FailDial makes dials of address fail with err until cleared with nil.
func (n *Network) FailDial(address string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.fail, address)
		return
	}
	n.fail[address] = err
}

func (n *Network) Dial(ctx context.Context, _ transport.Binding, address string) (transport.Factory, error) {
	if n.Gate != nil {
		select {
		case <-n.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.dials[address]++
	if err := n.fail[address]; err != nil {
		return nil, err
	}

	f := NewFactory(address)
	if n.Configure != nil {
		n.Configure(f)
	}
	n.factories[address] = f
	return f, nil
}

// Factory returns the last factory built for address.
func (n *Network) Factory(address string) *Factory {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.factories[address]
}

// Dials returns how many times address was dialled.
func (n *Network) Dials(address string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[address]
}

// TotalDials returns the number of dials across all addresses.
func (n *Network) TotalDials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.dials {
		total += c
	}
	return total
}
