// Package redis sends messages to Redis Streams. One-way messages are added
// to the destination stream; request/reply adds the request with a private
// reply list and waits on it with BRPOP; duplex sessions receive pushes on a
// per-session pub/sub channel.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"message-router/internal/common/errors"
	"message-router/internal/common/logging"
	"message-router/internal/message"
	"message-router/internal/transport"
	"message-router/internal/transport/base"
)

// Type is the binding type name.
const Type = "redis"

// Stream entry fields.
const (
	FieldBody      = "body"
	FieldMessageID = "message_id"
	FieldVersion   = "version"
	FieldTimestamp = "timestamp"
	FieldReplyTo   = "reply_to"
	FieldSession   = "session_id"
	HeaderPrefix   = "header_"
)

func init() {
	transport.Register(Type, Dial)
}

// Factory is a connection to one Redis stream.
type Factory struct {
	client *redis.Client
	stream string
	opts   Options
	logger logging.Logger
}

// Dial connects to the server named in binding's options and returns a
// factory for the stream address.
func Dial(ctx context.Context, binding transport.Binding, address string) (transport.Factory, error) {
	if address == "" {
		return nil, errors.ConfigError("redis destination needs a stream name")
	}
	opts, err := ParseOptions(binding)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.ConnectionError("failed to connect to Redis", err)
	}

	logger := base.NewLogger(Type, binding, address).WithFields(
		logging.String("connection", opts.ConnectionString()),
	)
	return New(client, address, opts, logger), nil
}

// New wraps an existing client. The factory owns the client.
func New(client *redis.Client, stream string, opts Options, logger logging.Logger) *Factory {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Factory{client: client, stream: stream, opts: opts, logger: logger}
}

func (f *Factory) Capabilities() transport.Capability {
	return transport.CapOneWay | transport.CapRequestReply | transport.CapSession | transport.CapDuplex
}

func (f *Factory) Send(ctx context.Context, msg *message.Message) error {
	env, err := base.Encode(msg)
	if err != nil {
		return err
	}
	_, err = f.add(ctx, StreamFields(env))
	return err
}

// Request adds msg with a reply_to list key and blocks until the responder
// pushes the reply envelope onto that list.
func (f *Factory) Request(ctx context.Context, msg *message.Message) (*message.Message, error) {
	env, err := base.Encode(msg)
	if err != nil {
		return nil, err
	}

	replyKey := f.stream + ":reply:" + uuid.NewString()
	fields := StreamFields(env)
	fields[FieldReplyTo] = replyKey
	if _, err := f.add(ctx, fields); err != nil {
		return nil, err
	}
	defer f.client.Del(context.WithoutCancel(ctx), replyKey)

	res, err := f.client.BRPop(ctx, f.opts.ReplyTimeout, replyKey).Result()
	if err == redis.Nil {
		return nil, errors.TimeoutError("redis reply on " + replyKey)
	}
	if err != nil {
		return nil, errors.ConnectionError("failed to read Redis reply", err)
	}

	reply, err := base.Unmarshal([]byte(res[1]))
	if err != nil {
		return nil, err
	}
	f.logger.Debug("Received Redis reply",
		logging.String("reply_key", replyKey),
		logging.String("message_id", reply.ID),
	)
	return reply.Message(), nil
}

// OpenSession returns a session whose entries carry a session id. With an
// inbound handler the session also subscribes to the channel named in the
// entries' reply_to field.
func (f *Factory) OpenSession(ctx context.Context, inbound transport.Handler) (transport.Session, error) {
	s := &session{factory: f, id: uuid.NewString()}
	if inbound == nil {
		return s, nil
	}

	s.channel = f.stream + ":session:" + s.id
	s.pubsub = f.client.Subscribe(ctx, s.channel)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		return nil, errors.ConnectionError("failed to subscribe to Redis session channel", err)
	}

	handler := base.NewInboundHandler(inbound, f.logger, Type)
	go func() {
		for m := range s.pubsub.Channel() {
			env, err := base.Unmarshal([]byte(m.Payload))
			if err != nil {
				f.logger.Warn("Dropping malformed Redis push",
					logging.String("channel", m.Channel),
					logging.Err(err),
				)
				continue
			}
			handler.Handle(context.Background(), env, logging.String("channel", m.Channel))
		}
	}()
	return s, nil
}

func (f *Factory) Close() error {
	return f.client.Close()
}

func (f *Factory) add(ctx context.Context, fields map[string]interface{}) (string, error) {
	args := &redis.XAddArgs{
		Stream: f.stream,
		ID:     "*",
		Values: fields,
	}
	if f.opts.StreamMaxLen > 0 {
		args.MaxLen = f.opts.StreamMaxLen
		args.Approx = true
	}

	id, err := f.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", errors.ConnectionError("failed to add message to Redis stream", err)
	}
	f.logger.Debug("Message added to Redis stream",
		logging.String("stream", f.stream),
		logging.String("id", id),
	)
	return id, nil
}

type session struct {
	factory *Factory
	id      string
	channel string
	pubsub  *redis.PubSub
}

func (s *session) Send(ctx context.Context, msg *message.Message) error {
	env, err := base.Encode(msg)
	if err != nil {
		return err
	}
	fields := StreamFields(env)
	fields[FieldSession] = s.id
	if s.channel != "" {
		fields[FieldReplyTo] = s.channel
	}
	_, err = s.factory.add(ctx, fields)
	return err
}

func (s *session) Close() error {
	if s.pubsub == nil {
		return nil
	}
	return s.pubsub.Close()
}

// StreamFields flattens an envelope into stream entry fields.
func StreamFields(env base.Envelope) map[string]interface{} {
	fields := map[string]interface{}{
		FieldBody:      string(env.Body),
		FieldMessageID: env.ID,
		FieldVersion:   string(env.Version),
		FieldTimestamp: env.Timestamp.UnixNano(),
	}
	for key, value := range env.Headers {
		fields[HeaderPrefix+key] = value
	}
	return fields
}

// ParseEntry rebuilds the envelope of a stream entry, as a consumer of the
// stream would.
func ParseEntry(values map[string]interface{}) base.Envelope {
	env := base.Envelope{Headers: make(map[string]string)}
	for field, value := range values {
		s := fmt.Sprintf("%v", value)
		switch field {
		case FieldBody:
			env.Body = []byte(s)
		case FieldMessageID:
			env.ID = s
		case FieldVersion:
			env.Version = message.Version(s)
		case FieldTimestamp:
			if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
				env.Timestamp = time.Unix(0, ts)
			}
		default:
			if strings.HasPrefix(field, HeaderPrefix) {
				env.Headers[strings.TrimPrefix(field, HeaderPrefix)] = s
			}
		}
	}
	return env
}
