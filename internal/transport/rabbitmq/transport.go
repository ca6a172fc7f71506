// Package rabbitmq sends messages over AMQP 0-9-1. Request/reply uses the
// broker's direct reply-to pseudo queue with a correlation id; duplex
// sessions consume pushes from an exclusive server-named queue.
package rabbitmq

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"message-router/internal/common/errors"
	"message-router/internal/common/logging"
	"message-router/internal/message"
	"message-router/internal/transport"
	"message-router/internal/transport/base"
)

const Type = "rabbitmq"

const (
	// DirectReplyTo is the RabbitMQ direct reply-to pseudo queue.
	DirectReplyTo = "amq.rabbitmq.reply-to"

	HeaderVersion = "x-message-version"
	HeaderSession = "x-session-id"
)

func init() {
	transport.Register(Type, Dial)
}

// Factory publishes to one exchange/routing key pair.
type Factory struct {
	channels   ChannelSource
	exchange   string
	routingKey string
	opts       Options
	logger     logging.Logger
}

func Dial(ctx context.Context, binding transport.Binding, address string) (transport.Factory, error) {
	opts, err := ParseOptions(binding)
	if err != nil {
		return nil, err
	}
	logger := base.NewLogger(Type, binding, address).WithFields(
		logging.String("connection", opts.ConnectionString()),
	)

	pool, err := NewPool(opts.URL, opts.PoolSize, logger)
	if err != nil {
		return nil, err
	}
	f, err := New(ctx, pool, address, opts, logger)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return f, nil
}

// New builds a factory on channels, which the factory then owns.
func New(ctx context.Context, channels ChannelSource, address string, opts Options, logger logging.Logger) (*Factory, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	exchange, key := SplitAddress(address, opts.Exchange)
	if key == "" && exchange == "" {
		return nil, errors.ConfigError("rabbitmq destination needs a queue or exchange/routing-key address")
	}

	f := &Factory{channels: channels, exchange: exchange, routingKey: key, opts: opts, logger: logger}
	if opts.Declare && exchange == "" {
		if err := f.declare(ctx); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// SplitAddress splits "exchange/key" addresses. A plain address is a routing
// key on defaultExchange, which is the default exchange when empty.
func SplitAddress(address, defaultExchange string) (exchange, routingKey string) {
	if i := strings.Index(address, "/"); i >= 0 {
		return address[:i], address[i+1:]
	}
	return defaultExchange, address
}

func (f *Factory) Capabilities() transport.Capability {
	return transport.CapOneWay | transport.CapRequestReply | transport.CapSession | transport.CapDuplex
}

func (f *Factory) Send(ctx context.Context, msg *message.Message) error {
	ch, err := f.channels.Acquire(ctx)
	if err != nil {
		return err
	}
	defer ch.Release()

	p, err := f.publishing(msg)
	if err != nil {
		return err
	}
	return f.publish(ch, p)
}

// Request publishes msg with a correlation id and waits on the channel's
// direct reply-to consumer for the matching reply.
func (f *Factory) Request(ctx context.Context, msg *message.Message) (*message.Message, error) {
	ch, err := f.channels.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer ch.Release()

	// the consumer must exist before the request is published
	replies, err := ch.Consume(DirectReplyTo, "", true, false, false, false, nil)
	if err != nil {
		return nil, errors.ConnectionError("failed to consume direct reply-to", err)
	}

	p, err := f.publishing(msg)
	if err != nil {
		return nil, err
	}
	p.ReplyTo = DirectReplyTo
	p.CorrelationId = uuid.NewString()
	if err := f.publish(ch, p); err != nil {
		return nil, err
	}

	timer := time.NewTimer(f.opts.ReplyTimeout)
	defer timer.Stop()
	for {
		select {
		case d, ok := <-replies:
			if !ok {
				return nil, errors.ConnectionError("RabbitMQ reply channel closed", nil)
			}
			if d.CorrelationId != p.CorrelationId {
				f.logger.Debug("Ignoring uncorrelated RabbitMQ reply",
					logging.String("correlation_id", d.CorrelationId),
				)
				continue
			}
			return DeliveryEnvelope(d).Message(), nil
		case <-timer.C:
			return nil, errors.TimeoutError("rabbitmq reply " + p.CorrelationId)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// OpenSession holds a channel for the session's lifetime. Duplex sessions
// also declare an exclusive queue that destinations push to via reply-to.
func (f *Factory) OpenSession(ctx context.Context, inbound transport.Handler) (transport.Session, error) {
	ch, err := f.channels.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	s := &session{factory: f, ch: ch, id: uuid.NewString()}
	if inbound == nil {
		return s, nil
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Release()
		return nil, errors.ConnectionError("failed to declare RabbitMQ session queue", err)
	}
	pushes, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Release()
		return nil, errors.ConnectionError("failed to consume RabbitMQ session queue", err)
	}
	s.replyTo = q.Name

	handler := base.NewInboundHandler(inbound, f.logger, Type)
	go func() {
		for d := range pushes {
			handler.Handle(context.Background(), DeliveryEnvelope(d), logging.String("queue", q.Name))
		}
	}()
	return s, nil
}

// Close closes the channel source and every channel still open on it.
func (f *Factory) Close() error {
	return f.channels.Close()
}

func (f *Factory) declare(ctx context.Context) error {
	ch, err := f.channels.Acquire(ctx)
	if err != nil {
		return err
	}
	defer ch.Release()

	if _, err := ch.QueueDeclare(f.routingKey, true, false, false, false, nil); err != nil {
		return errors.ConnectionError("failed to declare queue "+f.routingKey, err)
	}
	return nil
}

func (f *Factory) publishing(msg *message.Message) (amqp.Publishing, error) {
	env, err := base.Encode(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}

	headers := amqp.Table{HeaderVersion: string(env.Version)}
	for k, v := range env.Headers {
		headers[k] = v
	}
	p := amqp.Publishing{
		Headers:     headers,
		MessageId:   env.ID,
		Type:        msg.Action(),
		Timestamp:   env.Timestamp,
		Body:        env.Body,
		ContentType: "application/octet-stream",
	}
	if ct, ok := msg.Get("Content-Type"); ok {
		p.ContentType = ct
	}
	if f.opts.Persistent {
		p.DeliveryMode = amqp.Persistent
	}
	return p, nil
}

func (f *Factory) publish(ch Channel, p amqp.Publishing) error {
	if err := ch.Publish(f.exchange, f.routingKey, false, false, p); err != nil {
		return errors.ConnectionError("failed to publish to RabbitMQ", err)
	}
	f.logger.Debug("Message published to RabbitMQ",
		logging.String("exchange", f.exchange),
		logging.String("routing_key", f.routingKey),
		logging.String("message_id", p.MessageId),
	)
	return nil
}

type session struct {
	factory *Factory
	ch      Channel
	id      string
	replyTo string
}

func (s *session) Send(ctx context.Context, msg *message.Message) error {
	p, err := s.factory.publishing(msg)
	if err != nil {
		return err
	}
	p.Headers[HeaderSession] = s.id
	p.ReplyTo = s.replyTo
	return s.factory.publish(s.ch, p)
}

func (s *session) Close() error {
	s.ch.Release()
	return nil
}

// DeliveryEnvelope converts an AMQP delivery back into an envelope.
func DeliveryEnvelope(d amqp.Delivery) base.Envelope {
	headers := base.ToStringMap(map[string]interface{}(d.Headers))
	version := message.Version(headers[HeaderVersion])
	delete(headers, HeaderVersion)
	delete(headers, HeaderSession)

	return base.Envelope{
		ID:        d.MessageId,
		Version:   version,
		Headers:   headers,
		Body:      d.Body,
		Timestamp: d.Timestamp,
	}
}
