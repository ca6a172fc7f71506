// Package aws sends messages one-way to SQS queues and SNS topics. FIFO
// queues and topics also carry sessions, mapped onto message groups.
package aws

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"message-router/internal/common/errors"
	"message-router/internal/common/logging"
	"message-router/internal/message"
	"message-router/internal/transport"
	"message-router/internal/transport/base"
)

const Type = "aws"

// Message attribute names. Headers travel as one JSON attribute since SQS
// allows at most ten attributes per message.
const (
	AttrMessageID = "MessageID"
	AttrVersion   = "MessageVersion"
	AttrHeaders   = "Headers"
	AttrSession   = "SessionID"
)

func init() {
	transport.Register(Type, Dial)
}

// SQSAPI is the subset of the SQS client the transport uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SNSAPI is the subset of the SNS client the transport uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Factory sends to one queue or topic.
type Factory struct {
	transport.Unimplemented
	sqs     SQSAPI
	sns     SNSAPI
	target  Target
	address string
	fifo    bool
	logger  logging.Logger
}

func Dial(ctx context.Context, binding transport.Binding, address string) (transport.Factory, error) {
	target, err := ParseTarget(address)
	if err != nil {
		return nil, errors.ConfigError(err.Error())
	}
	opts, err := ParseOptions(binding)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.ConnectionError("failed to load AWS config", err)
	}

	logger := base.NewLogger(Type, binding, address)
	switch target {
	case TargetSNS:
		client := sns.NewFromConfig(cfg, func(o *sns.Options) {
			if opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.Endpoint)
			}
		})
		return NewSNS(client, address, logger), nil
	default:
		client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			if opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.Endpoint)
			}
		})
		return NewSQS(client, address, logger), nil
	}
}

func NewSQS(client SQSAPI, queueURL string, logger logging.Logger) *Factory {
	return newFactory(&Factory{sqs: client, target: TargetSQS, address: queueURL}, logger)
}

func NewSNS(client SNSAPI, topicARN string, logger logging.Logger) *Factory {
	return newFactory(&Factory{sns: client, target: TargetSNS, address: topicARN}, logger)
}

func newFactory(f *Factory, logger logging.Logger) *Factory {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	f.logger = logger
	f.fifo = IsFIFO(f.address)
	return f
}

func (f *Factory) Capabilities() transport.Capability {
	if f.fifo {
		return transport.CapOneWay | transport.CapSession
	}
	return transport.CapOneWay
}

func (f *Factory) Send(ctx context.Context, msg *message.Message) error {
	return f.send(ctx, msg, "")
}

// OpenSession is only supported on FIFO destinations, where the session id
// becomes the message group.
func (f *Factory) OpenSession(ctx context.Context, inbound transport.Handler) (transport.Session, error) {
	if !f.fifo || inbound != nil {
		return nil, errors.UnsupportedError("aws session on " + f.address)
	}
	return &session{factory: f, id: uuid.NewString()}, nil
}

// Close is a no-op; AWS clients hold no connections of their own.
func (f *Factory) Close() error { return nil }

func (f *Factory) send(ctx context.Context, msg *message.Message, sessionID string) error {
	env, err := base.Encode(msg)
	if err != nil {
		return err
	}
	headers, err := json.Marshal(env.Headers)
	if err != nil {
		return errors.InternalError("encode headers", err)
	}

	attrs := map[string]string{
		AttrMessageID: env.ID,
		AttrVersion:   string(env.Version),
		AttrHeaders:   string(headers),
	}
	if sessionID != "" {
		attrs[AttrSession] = sessionID
	}

	var group, dedup *string
	if f.fifo {
		g := sessionID
		if g == "" {
			g = env.ID
		}
		group, dedup = aws.String(g), aws.String(env.ID)
	}

	var id string
	switch f.target {
	case TargetSNS:
		out, err := f.sns.Publish(ctx, &sns.PublishInput{
			TopicArn:               aws.String(f.address),
			Message:                aws.String(string(env.Body)),
			MessageAttributes:      snsAttributes(attrs),
			MessageGroupId:         group,
			MessageDeduplicationId: dedup,
		})
		if err != nil {
			return errors.ConnectionError("failed to publish to SNS", err)
		}
		id = aws.ToString(out.MessageId)
	default:
		out, err := f.sqs.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:               aws.String(f.address),
			MessageBody:            aws.String(string(env.Body)),
			MessageAttributes:      sqsAttributes(attrs),
			MessageGroupId:         group,
			MessageDeduplicationId: dedup,
		})
		if err != nil {
			return errors.ConnectionError("failed to send to SQS", err)
		}
		id = aws.ToString(out.MessageId)
	}

	f.logger.Debug("Message sent to AWS",
		logging.String("aws_message_id", id),
		logging.String("message_id", env.ID),
	)
	return nil
}

func sqsAttributes(attrs map[string]string) map[string]sqstypes.MessageAttributeValue {
	out := make(map[string]sqstypes.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		if v == "" {
			continue
		}
		out[k] = sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	return out
}

func snsAttributes(attrs map[string]string) map[string]snstypes.MessageAttributeValue {
	out := make(map[string]snstypes.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		if v == "" {
			continue
		}
		out[k] = snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	return out
}

type session struct {
	factory *Factory
	id      string
}

func (s *session) Send(ctx context.Context, msg *message.Message) error {
	return s.factory.send(ctx, msg, s.id)
}

func (s *session) Close() error { return nil }
