// Package base holds what every transport implementation shares: the wire
// envelope a message is flattened into, header conversion, per-connection
// logging and the wrapper that feeds destination pushes to the engine.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"message-router/internal/common/errors"
	"message-router/internal/common/logging"
	"message-router/internal/message"
	"message-router/internal/transport"
)

// Envelope is the transport-neutral wire form of a message.
type Envelope struct {
	ID        string            `json:"id"`
	Version   message.Version   `json:"version,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Encode reads msg's body and flattens it into an envelope. The message id
// is taken from the MessageID header when present, otherwise generated.
// Repeated header values are joined with ", ".
func Encode(msg *message.Message) (Envelope, error) {
	body, err := msg.Bytes()
	if err != nil {
		return Envelope{}, errors.InternalError("read message body", err)
	}

	id, ok := msg.Get(message.HeaderMessageID)
	if !ok || id == "" {
		id = uuid.NewString()
	}

	return Envelope{
		ID:        id,
		Version:   msg.Version,
		Headers:   HeaderMap(msg),
		Body:      body,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Message rebuilds a message from the envelope. Headers come back in name
// order since the wire form does not keep the original order.
func (e Envelope) Message() *message.Message {
	version := e.Version
	if version == "" {
		version = message.VersionNone
	}
	msg := message.New(version, e.Body)

	names := make([]string, 0, len(e.Headers))
	for name := range e.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		msg.Add(name, e.Headers[name])
	}
	return msg
}

// Marshal encodes the envelope for transports that carry a single payload.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.ValidationError("malformed envelope").WithCause(err)
	}
	return e, nil
}

// HeaderMap flattens msg's headers into a map.
func HeaderMap(msg *message.Message) map[string]string {
	out := make(map[string]string, len(msg.Headers()))
	for _, h := range msg.Headers() {
		if prev, ok := out[h.Name]; ok {
			out[h.Name] = prev + ", " + h.Value
			continue
		}
		out[h.Name] = h.Value
	}
	return out
}

// ToStringMap converts the header representations used by broker client
// libraries into a string map.
func ToStringMap(headers interface{}) map[string]string {
	result := make(map[string]string)

	switch h := headers.(type) {
	case map[string]string:
		for k, v := range h {
			result[k] = v
		}
	case map[string]interface{}:
		for k, v := range h {
			result[k] = fmt.Sprintf("%v", v)
		}
	case map[interface{}]interface{}:
		for k, v := range h {
			result[fmt.Sprintf("%v", k)] = fmt.Sprintf("%v", v)
		}
	}

	return result
}

// NewLogger returns the logger a transport connection logs with.
func NewLogger(bindingType string, binding transport.Binding, address string) logging.Logger {
	return logging.GetGlobalLogger().WithFields(
		logging.String("transport", bindingType),
		logging.String("binding", binding.Name),
		logging.String("address", address),
	)
}

// InboundHandler feeds envelopes received from a destination to the
// engine's handler, logging and recovering from handler panics.
type InboundHandler struct {
	handler     transport.Handler
	logger      logging.Logger
	bindingType string
}

func NewInboundHandler(handler transport.Handler, logger logging.Logger, bindingType string) *InboundHandler {
	return &InboundHandler{handler: handler, logger: logger, bindingType: bindingType}
}

// Handle delivers env. It reports false when the handler panicked.
func (h *InboundHandler) Handle(ctx context.Context, env Envelope, extra ...logging.Field) (ok bool) {
	if h == nil || h.handler == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			fields := append([]logging.Field{
				logging.String("transport", h.bindingType),
				logging.String("message_id", env.ID),
			}, extra...)
			h.logger.Error(fmt.Sprintf("Panic handling %s message", h.bindingType), fmt.Errorf("%v", r), fields...)
			ok = false
		}
	}()
	h.handler(ctx, env.Message())
	return true
}
