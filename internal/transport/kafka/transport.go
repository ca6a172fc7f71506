// Package kafka produces messages to a Kafka topic and waits for the
// delivery report of each one. Sessions key their records by session id so
// a session's messages land on one partition in order.
package kafka

import (
	"context"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"

	"message-router/internal/common/errors"
	"message-router/internal/common/logging"
	"message-router/internal/message"
	"message-router/internal/transport"
	"message-router/internal/transport/base"
)

const Type = "kafka"

const (
	HeaderMessageID = "message_id"
	HeaderVersion   = "message_version"
)

func init() {
	transport.Register(Type, Dial)
}

// Producer is the subset of *kafka.Producer the transport uses.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// Factory produces to one topic.
type Factory struct {
	transport.Unimplemented
	producer Producer
	topic    string
	opts     Options
	logger   logging.Logger
}

func Dial(ctx context.Context, binding transport.Binding, address string) (transport.Factory, error) {
	if address == "" {
		return nil, errors.ConfigError("kafka destination needs a topic")
	}
	opts, err := ParseOptions(binding)
	if err != nil {
		return nil, err
	}

	producer, err := kafka.NewProducer(opts.ConfigMap())
	if err != nil {
		return nil, errors.ConnectionError("failed to create Kafka producer", err)
	}
	logger := base.NewLogger(Type, binding, address).WithFields(
		logging.String("connection", opts.ConnectionString()),
	)
	return New(producer, address, opts, logger), nil
}

// New wraps a producer. The factory owns the producer.
func New(producer Producer, topic string, opts Options, logger logging.Logger) *Factory {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Factory{producer: producer, topic: topic, opts: opts, logger: logger}
}

func (f *Factory) Capabilities() transport.Capability {
	return transport.CapOneWay | transport.CapSession
}

func (f *Factory) Send(ctx context.Context, msg *message.Message) error {
	return f.produce(ctx, msg, nil)
}

// OpenSession returns a session keyed by a fresh session id.
func (f *Factory) OpenSession(ctx context.Context, inbound transport.Handler) (transport.Session, error) {
	if inbound != nil {
		return nil, errors.UnsupportedError("kafka duplex session")
	}
	return &session{factory: f, key: []byte(uuid.NewString())}, nil
}

// Close flushes outstanding records and closes the producer.
func (f *Factory) Close() error {
	timeout := int(f.opts.DeliveryTimeout.Milliseconds())
	if remaining := f.producer.Flush(timeout); remaining > 0 {
		f.logger.Warn("Kafka producer closed with undelivered records", logging.Int("remaining", remaining))
	}
	f.producer.Close()
	return nil
}

func (f *Factory) produce(ctx context.Context, msg *message.Message, key []byte) error {
	record, err := f.record(msg, key)
	if err != nil {
		return err
	}

	delivery := make(chan kafka.Event, 1)
	if err := f.producer.Produce(record, delivery); err != nil {
		return errors.ConnectionError("failed to produce Kafka message", err)
	}

	select {
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return errors.InternalError(fmt.Sprintf("unexpected Kafka delivery event %T", e), nil)
		}
		if m.TopicPartition.Error != nil {
			return errors.ConnectionError("Kafka delivery failed", m.TopicPartition.Error)
		}
		f.logger.Debug("Message delivered to Kafka",
			logging.String("topic", f.topic),
			logging.Any("partition", m.TopicPartition.Partition),
			logging.Any("offset", m.TopicPartition.Offset),
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Factory) record(msg *message.Message, key []byte) (*kafka.Message, error) {
	env, err := base.Encode(msg)
	if err != nil {
		return nil, err
	}

	headers := []kafka.Header{
		{Key: HeaderMessageID, Value: []byte(env.ID)},
		{Key: HeaderVersion, Value: []byte(env.Version)},
	}
	for _, h := range msg.Headers() {
		headers = append(headers, kafka.Header{Key: h.Name, Value: []byte(h.Value)})
	}

	topic := f.topic
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          env.Body,
		Timestamp:      env.Timestamp,
		Headers:        headers,
	}, nil
}

type session struct {
	factory *Factory
	key     []byte
}

func (s *session) Send(ctx context.Context, msg *message.Message) error {
	return s.factory.produce(ctx, msg, s.key)
}

func (s *session) Close() error { return nil }
