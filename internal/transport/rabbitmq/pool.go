package rabbitmq

import (
	"context"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/multierr"

	"message-router/internal/common/errors"
	"message-router/internal/common/logging"
)

// ChannelSource hands out AMQP channels.
type ChannelSource interface {
	Acquire(ctx context.Context) (Channel, error)
	Close() error
}

// Channel is one AMQP channel. Release closes it.
type Channel interface {
	Publish(exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Release()
}

// Pool multiplexes channels over a fixed number of connections, handed out
// round robin. A connection the broker closed is redialed on next use.
type Pool struct {
	url    string
	dial   func(url string) (*amqp.Connection, error)
	logger logging.Logger

	mu     sync.Mutex
	conns  []*amqp.Connection
	next   int
	closed bool
}

var (
	_ ChannelSource = (*Pool)(nil)
	_ Channel       = pooledChannel{}
)

// NewPool dials the first connection so an unreachable broker fails here;
// the rest are dialed on first use.
func NewPool(url string, size int, logger logging.Logger) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p := &Pool{url: url, dial: amqp.Dial, logger: logger, conns: make([]*amqp.Connection, size)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.connectionLocked(0); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) Acquire(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.ConnectionError("RabbitMQ pool is closed", nil)
	}
	slot := p.next
	p.next = (p.next + 1) % len(p.conns)
	conn, err := p.connectionLocked(slot)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.ConnectionError("failed to open RabbitMQ channel", err)
	}
	return pooledChannel{ch}, nil
}

func (p *Pool) connectionLocked(slot int) (*amqp.Connection, error) {
	if c := p.conns[slot]; c != nil {
		if !c.IsClosed() {
			return c, nil
		}
		p.logger.Debug("Redialing closed RabbitMQ connection", logging.Int("slot", slot))
	}
	c, err := p.dial(p.url)
	if err != nil {
		return nil, errors.ConnectionError("failed to connect to RabbitMQ", err)
	}
	p.conns[slot] = c
	return c, nil
}

// Close closes every connection, and with them every open channel.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	for i, c := range p.conns {
		if c != nil && !c.IsClosed() {
			err = multierr.Append(err, c.Close())
		}
		p.conns[i] = nil
	}
	return err
}

type pooledChannel struct {
	*amqp.Channel
}

func (c pooledChannel) Release() {
	_ = c.Channel.Close()
}
