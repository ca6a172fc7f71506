package routing

import (
	"strings"

	"message-router/internal/message"
)

// Token correlates an outbound rewrite with the reply it produces.
type Token struct {
	original *message.Message
}

// Original returns the message as it was before the outbound rewrite.
func (t Token) Original() *message.Message { return t.original }

// Normalizer strips hop-specific headers so a message can be relayed between
// transports.
type Normalizer struct{}

// RewriteOutbound returns a new message in version target carrying msg's
// body and every header except the addressing headers. Action and
// application headers survive. msg is not modified.
func (Normalizer) RewriteOutbound(msg *message.Message, target message.Version) (*message.Message, Token) {
	if target == "" {
		target = msg.Version
	}
	headers := make([]message.Header, 0, len(msg.Headers()))
	for _, h := range msg.Headers() {
		if isAddressing(h.Name) {
			continue
		}
		headers = append(headers, h)
	}
	return msg.WithHeaders(target, headers), Token{original: msg}
}

// RewriteInbound returns a new reply in the reply's own version with the
// Action header removed. Addressing headers of the original request are not
// restored; the inbound side re-addresses the reply.
func (Normalizer) RewriteInbound(reply *message.Message, _ Token) *message.Message {
	headers := make([]message.Header, 0, len(reply.Headers()))
	for _, h := range reply.Headers() {
		if strings.EqualFold(h.Name, message.HeaderAction) {
			continue
		}
		headers = append(headers, h)
	}
	return reply.WithHeaders(reply.Version, headers)
}

func isAddressing(name string) bool {
	for _, a := range message.AddressingHeaders {
		if strings.EqualFold(name, a) {
			return true
		}
	}
	return false
}
