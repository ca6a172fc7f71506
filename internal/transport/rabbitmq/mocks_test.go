package rabbitmq_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"message-router/internal/transport/rabbitmq"
)

// MockSource implements rabbitmq.ChannelSource, recording every channel it
// hands out.
type MockSource struct {
	channels   []*MockChannel
	closed     bool
	acquireErr error
	// OnPublish, when set, is called after every publish, outside the
	// client's lock.
	OnPublish func(c *MockChannel, p PublishedMessage)
	mu        sync.Mutex
}

func NewMockSource() *MockSource {
	return &MockSource{}
}

func (m *MockSource) Acquire(ctx context.Context) (rabbitmq.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("source is closed")
	}
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}

	ch := NewMockChannel(m)
	m.channels = append(m.channels, ch)
	return ch, nil
}

func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockSource) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockSource) SetAcquireError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireErr = err
}

func (m *MockSource) Channels() []*MockChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockChannel(nil), m.channels...)
}

// Published returns every message published through any client.
func (m *MockSource) Published() []PublishedMessage {
	var out []PublishedMessage
	for _, c := range m.Channels() {
		out = append(out, c.GetPublishedMessages()...)
	}
	return out
}

// MockChannel implements rabbitmq.Channel. Consumers are buffered channels
// fed through Deliver.
type MockChannel struct {
	source       *MockSource
	closed       bool
	publishError error
	consumeError error

	publishedMessages []PublishedMessage
	declaredQueues    []DeclaredQueue
	consumers         map[string]chan amqp.Delivery
	mu                sync.Mutex
}

type PublishedMessage struct {
	Exchange   string
	RoutingKey string
	Publishing amqp.Publishing
}

type DeclaredQueue struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

func NewMockChannel(source *MockSource) *MockChannel {
	return &MockChannel{source: source, consumers: make(map[string]chan amqp.Delivery)}
}

func (m *MockChannel) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, ch := range m.consumers {
		close(ch)
	}
}

func (m *MockChannel) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockChannel) Publish(exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("channel is closed")
	}
	if m.publishError != nil {
		err := m.publishError
		m.mu.Unlock()
		return err
	}
	p := PublishedMessage{Exchange: exchange, RoutingKey: routingKey, Publishing: msg}
	m.publishedMessages = append(m.publishedMessages, p)
	m.mu.Unlock()

	if m.source != nil && m.source.OnPublish != nil {
		m.source.OnPublish(m, p)
	}
	return nil
}

func (m *MockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return amqp.Queue{}, fmt.Errorf("channel is closed")
	}
	if name == "" {
		name = fmt.Sprintf("amq.gen-%d", len(m.declaredQueues)+1)
	}
	m.declaredQueues = append(m.declaredQueues, DeclaredQueue{
		Name:       name,
		Durable:    durable,
		AutoDelete: autoDelete,
		Exclusive:  exclusive,
	})
	return amqp.Queue{Name: name}, nil
}

func (m *MockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("channel is closed")
	}
	if m.consumeError != nil {
		return nil, m.consumeError
	}
	ch := make(chan amqp.Delivery, 8)
	m.consumers[queue] = ch
	return ch, nil
}

// Deliver hands d to the consumer of queue on this channel.
func (m *MockChannel) Deliver(queue string, d amqp.Delivery) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.consumers[queue]
	if !ok || m.closed {
		return false
	}
	ch <- d
	return true
}

func (m *MockChannel) GetPublishedMessages() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishedMessage(nil), m.publishedMessages...)
}

func (m *MockChannel) GetDeclaredQueues() []DeclaredQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeclaredQueue(nil), m.declaredQueues...)
}

func (m *MockChannel) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

func (m *MockChannel) SetConsumeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumeError = err
}
