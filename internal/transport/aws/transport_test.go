package aws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "message-router/internal/common/errors"
	"message-router/internal/message"
	"message-router/internal/transport"
)

type mockSQS struct{ mock.Mock }

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sqs.SendMessageOutput)
	return out, args.Error(1)
}

type mockSNS struct{ mock.Mock }

func (m *mockSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sns.PublishOutput)
	return out, args.Error(1)
}

const (
	queueURL = "https://sqs.eu-west-1.amazonaws.com/123456789012/orders"
	fifoURL  = "https://sqs.eu-west-1.amazonaws.com/123456789012/orders.fifo"
	topicARN = "arn:aws:sns:eu-west-1:123456789012:orders"
)

func notification() *message.Message {
	m := message.New(message.VersionNone, []byte(`{"id":9}`))
	m.Set(message.HeaderMessageID, "n-9")
	m.Set(message.HeaderAction, "order.shipped")
	return m
}

func TestSQS_Send(t *testing.T) {
	client := &mockSQS{}
	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		var headers map[string]string
		if err := json.Unmarshal([]byte(*in.MessageAttributes[AttrHeaders].StringValue), &headers); err != nil {
			return false
		}
		return *in.QueueUrl == queueURL &&
			*in.MessageBody == `{"id":9}` &&
			*in.MessageAttributes[AttrMessageID].StringValue == "n-9" &&
			headers[message.HeaderAction] == "order.shipped" &&
			in.MessageGroupId == nil
	})).Return(&sqs.SendMessageOutput{MessageId: aws.String("aws-1")}, nil).Once()

	f := NewSQS(client, queueURL, nil)
	assert.Equal(t, transport.CapOneWay, f.Capabilities())
	require.NoError(t, f.Send(context.Background(), notification()))
	client.AssertExpectations(t)
}

func TestSQS_SendError(t *testing.T) {
	client := &mockSQS{}
	client.On("SendMessage", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	err := NewSQS(client, queueURL, nil).Send(context.Background(), notification())
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConnection))
}

func TestSQS_FIFOSession(t *testing.T) {
	client := &mockSQS{}
	var groups []string
	client.On("SendMessage", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		in := args.Get(1).(*sqs.SendMessageInput)
		groups = append(groups, aws.ToString(in.MessageGroupId))
		assert.Equal(t, "n-9", aws.ToString(in.MessageDeduplicationId))
	}).Return(&sqs.SendMessageOutput{MessageId: aws.String("aws-2")}, nil)

	f := NewSQS(client, fifoURL, nil)
	assert.True(t, f.Capabilities().Has(transport.CapSession))

	ctx := context.Background()
	s, err := f.OpenSession(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.Send(ctx, notification()))
	require.NoError(t, s.Send(ctx, notification()))
	require.NoError(t, f.Send(ctx, notification()))

	require.Len(t, groups, 3)
	assert.Equal(t, groups[0], groups[1])
	assert.Equal(t, "n-9", groups[2], "one-way sends group by message id")
}

func TestSQS_SessionNeedsFIFO(t *testing.T) {
	f := NewSQS(&mockSQS{}, queueURL, nil)
	_, err := f.OpenSession(context.Background(), nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeUnsupported))

	_, err = f.Request(context.Background(), notification())
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeUnsupported))
}

func TestSNS_Send(t *testing.T) {
	client := &mockSNS{}
	client.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		return *in.TopicArn == topicARN &&
			*in.Message == `{"id":9}` &&
			*in.MessageAttributes[AttrMessageID].StringValue == "n-9"
	})).Return(&sns.PublishOutput{MessageId: aws.String("sns-1")}, nil).Once()

	f := NewSNS(client, topicARN, nil)
	require.NoError(t, f.Send(context.Background(), notification()))
	client.AssertExpectations(t)
	assert.NoError(t, f.Close())
}

func TestParseTarget(t *testing.T) {
	target, err := ParseTarget(topicARN)
	require.NoError(t, err)
	assert.Equal(t, TargetSNS, target)

	target, err = ParseTarget(queueURL)
	require.NoError(t, err)
	assert.Equal(t, TargetSQS, target)

	_, err = ParseTarget("orders")
	assert.Error(t, err)

	assert.True(t, IsFIFO(fifoURL))
	assert.False(t, IsFIFO(queueURL))
}

func TestDial_Validation(t *testing.T) {
	_, err := Dial(context.Background(), transport.Binding{Name: "cloud", Options: map[string]interface{}{"region": "eu-west-1"}}, "orders")
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))

	_, err = Dial(context.Background(), transport.Binding{Name: "cloud"}, queueURL)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig), "region is required")

	_, err = Dial(context.Background(), transport.Binding{Name: "cloud", Options: map[string]interface{}{
		"region":        "eu-west-1",
		"access_key_id": "AKIA",
	}}, queueURL)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig), "secret goes with key id")

	f, err := Dial(context.Background(), transport.Binding{Name: "cloud", Options: map[string]interface{}{
		"region":            "eu-west-1",
		"access_key_id":     "AKIA",
		"secret_access_key": "secret",
		"endpoint":          "http://localhost:4566",
	}}, topicARN)
	require.NoError(t, err)
	assert.Equal(t, transport.CapOneWay, f.Capabilities())

	assert.True(t, transport.DefaultRegistry().IsRegistered(Type))
}
