// Package gcp publishes messages to a Google Cloud Pub/Sub topic. When the
// binding enables ordering, sessions publish under one ordering key.
package gcp

import (
	"context"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"

	"message-router/internal/common/errors"
	"message-router/internal/common/logging"
	"message-router/internal/message"
	"message-router/internal/transport"
	"message-router/internal/transport/base"
)

const Type = "gcp"

const (
	AttrMessageID = "message_id"
	AttrVersion   = "message_version"
	AttrSession   = "session_id"
)

func init() {
	transport.Register(Type, Dial)
}

// Factory publishes to one topic.
type Factory struct {
	transport.Unimplemented
	client *pubsub.Client
	topic  *pubsub.Topic
	logger logging.Logger
}

func Dial(ctx context.Context, binding transport.Binding, address string) (transport.Factory, error) {
	if address == "" {
		return nil, errors.ConfigError("gcp destination needs a topic id")
	}
	opts, err := ParseOptions(binding)
	if err != nil {
		return nil, err
	}

	client, err := pubsub.NewClient(ctx, opts.ProjectID, opts.ClientOptions()...)
	if err != nil {
		return nil, errors.ConnectionError("failed to create Pub/Sub client", err)
	}
	return New(client, address, opts, base.NewLogger(Type, binding, address)), nil
}

// New publishes to topicID through client. The factory owns the client.
func New(client *pubsub.Client, topicID string, opts Options, logger logging.Logger) *Factory {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	topic := client.Topic(topicID)
	topic.EnableMessageOrdering = opts.Ordering
	topic.PublishSettings.NumGoroutines = 2
	topic.PublishSettings.CountThreshold = 10
	return &Factory{client: client, topic: topic, logger: logger}
}

func (f *Factory) Capabilities() transport.Capability {
	if f.topic.EnableMessageOrdering {
		return transport.CapOneWay | transport.CapSession
	}
	return transport.CapOneWay
}

func (f *Factory) Send(ctx context.Context, msg *message.Message) error {
	return f.publish(ctx, msg, "")
}

// OpenSession needs ordering; the session id is the ordering key.
func (f *Factory) OpenSession(ctx context.Context, inbound transport.Handler) (transport.Session, error) {
	if !f.topic.EnableMessageOrdering || inbound != nil {
		return nil, errors.UnsupportedError("gcp session on " + f.topic.ID())
	}
	return &session{factory: f, key: uuid.NewString()}, nil
}

// Close flushes pending publishes and closes the client.
func (f *Factory) Close() error {
	f.topic.Stop()
	if err := f.client.Close(); err != nil {
		return errors.ConnectionError("failed to close Pub/Sub client", err)
	}
	return nil
}

func (f *Factory) publish(ctx context.Context, msg *message.Message, key string) error {
	env, err := base.Encode(msg)
	if err != nil {
		return err
	}

	attrs := env.Headers
	attrs[AttrMessageID] = env.ID
	attrs[AttrVersion] = string(env.Version)
	if key != "" {
		attrs[AttrSession] = key
	}

	result := f.topic.Publish(ctx, &pubsub.Message{
		Data:        env.Body,
		Attributes:  attrs,
		OrderingKey: key,
	})
	id, err := result.Get(ctx)
	if err != nil {
		if key != "" {
			// a failed key stays paused until resumed
			f.topic.ResumePublish(key)
		}
		return errors.ConnectionError("failed to publish to Pub/Sub", err)
	}

	f.logger.Debug("Message published to Pub/Sub",
		logging.String("pubsub_message_id", id),
		logging.String("message_id", env.ID),
	)
	return nil
}

type session struct {
	factory *Factory
	key     string
}

func (s *session) Send(ctx context.Context, msg *message.Message) error {
	return s.factory.publish(ctx, msg, s.key)
}

func (s *session) Close() error { return nil }
