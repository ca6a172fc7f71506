// Package message defines the application message the router relays.
//
// A Message carries an ordered, duplicate-capable header list, a body that
// may start as a forward-only stream and is buffered at most once, a
// protocol version tag and local properties that are never transmitted.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Well-known header names. Comparison is case-insensitive.
const (
	HeaderTo        = "To"
	HeaderReplyTo   = "ReplyTo"
	HeaderFaultTo   = "FaultTo"
	HeaderRelatesTo = "RelatesTo"
	HeaderMessageID = "MessageID"
	HeaderAction    = "Action"
)

// AddressingHeaders are hop-specific and rewritten on every relay.
var AddressingHeaders = []string{HeaderTo, HeaderReplyTo, HeaderFaultTo, HeaderRelatesTo, HeaderMessageID}

// Version identifies the envelope/addressing protocol of a message.
type Version string

const (
	VersionNone        Version = "none"
	VersionSOAP11WSA10 Version = "soap11-wsa10"
	VersionSOAP12WSA10 Version = "soap12-wsa10"
)

// PropertyEndpoint is the local property holding the inbound endpoint name.
const PropertyEndpoint = "endpoint"

// ErrBodyConsumed is returned when an unbuffered body has already been read.
var ErrBodyConsumed = errors.New("message body already consumed")

// MaxBodySize bounds how much of a streamed body is buffered.
const MaxBodySize = 16 << 20

// Header is a single name/value pair.
type Header struct {
	Name  string
	Value string
}

// Message is an application message. A Message is owned by one goroutine at
// a time; fan-out works on clones.
type Message struct {
	Version    Version
	headers    []Header
	properties map[string]string
	body       *body
}

// body is shared between clones; once buffered it is immutable.
type body struct {
	mu       sync.Mutex
	data     []byte
	stream   io.Reader
	buffered bool
	consumed bool
}

// New creates a message with a fully buffered body.
func New(version Version, data []byte) *Message {
	if version == "" {
		version = VersionNone
	}
	return &Message{
		Version: version,
		body:    &body{data: data, buffered: true},
	}
}

// NewStreaming creates a message whose body is read lazily from r.
func NewStreaming(version Version, r io.Reader) *Message {
	m := New(version, nil)
	if r != nil {
		m.body = &body{stream: r}
	}
	return m
}

// Headers returns a copy of the header list in order.
func (m *Message) Headers() []Header {
	out := make([]Header, len(m.headers))
	copy(out, m.headers)
	return out
}

// Get returns the first value of name.
func (m *Message) Get(name string) (string, bool) {
	for _, h := range m.headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Values returns every value of name in order.
func (m *Message) Values(name string) []string {
	var out []string
	for _, h := range m.headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// Has reports whether name is present.
func (m *Message) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Add appends a header, keeping existing ones with the same name.
func (m *Message) Add(name, value string) {
	m.headers = append(m.headers, Header{Name: name, Value: value})
}

// Set replaces every header called name with a single value at the
// position of the first occurrence, or appends it.
func (m *Message) Set(name, value string) {
	idx := -1
	kept := m.headers[:0]
	for _, h := range m.headers {
		if strings.EqualFold(h.Name, name) {
			if idx < 0 {
				idx = len(kept)
				kept = append(kept, Header{Name: name, Value: value})
			}
			continue
		}
		kept = append(kept, h)
	}
	m.headers = kept
	if idx < 0 {
		m.headers = append(m.headers, Header{Name: name, Value: value})
	}
}

// Del removes every header called name.
func (m *Message) Del(name string) {
	kept := m.headers[:0]
	for _, h := range m.headers {
		if !strings.EqualFold(h.Name, name) {
			kept = append(kept, h)
		}
	}
	m.headers = kept
}

// Action returns the Action header.
func (m *Message) Action() string {
	v, _ := m.Get(HeaderAction)
	return v
}

// To returns the To header.
func (m *Message) To() string {
	v, _ := m.Get(HeaderTo)
	return v
}

// Property returns a local property.
func (m *Message) Property(key string) (string, bool) {
	v, ok := m.properties[key]
	return v, ok
}

// SetProperty sets a local property.
func (m *Message) SetProperty(key, value string) {
	if m.properties == nil {
		m.properties = make(map[string]string)
	}
	m.properties[key] = value
}

// Properties returns a copy of the local properties.
func (m *Message) Properties() map[string]string {
	out := make(map[string]string, len(m.properties))
	for k, v := range m.properties {
		out[k] = v
	}
	return out
}

// Buffer reads a streamed body into memory so it can be read repeatedly.
// It is idempotent and safe to call from several goroutines.
func (m *Message) Buffer() error {
	b := m.body
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buffered {
		return nil
	}
	if b.consumed {
		return ErrBodyConsumed
	}

	data, err := io.ReadAll(io.LimitReader(b.stream, MaxBodySize+1))
	if err != nil {
		return fmt.Errorf("buffer message body: %w", err)
	}
	if len(data) > MaxBodySize {
		return fmt.Errorf("buffer message body: exceeds %d bytes", MaxBodySize)
	}
	b.data = data
	b.stream = nil
	b.buffered = true
	return nil
}

// IsBuffered reports whether the body can be read more than once.
func (m *Message) IsBuffered() bool {
	m.body.mu.Lock()
	defer m.body.mu.Unlock()
	return m.body.buffered
}

// BodyReader returns a reader over the body. A buffered body yields a fresh
// reader every call; an unbuffered one can be read exactly once.
func (m *Message) BodyReader() (io.Reader, error) {
	b := m.body
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buffered {
		return bytes.NewReader(b.data), nil
	}
	if b.consumed {
		return nil, ErrBodyConsumed
	}
	b.consumed = true
	return b.stream, nil
}

// Bytes buffers the body if needed and returns it. The slice must not be
// modified.
func (m *Message) Bytes() ([]byte, error) {
	if err := m.Buffer(); err != nil {
		return nil, err
	}
	return m.body.data, nil
}

// Clone returns a copy with its own headers and properties. The body is
// shared, so callers fanning a message out must Buffer it first.
func (m *Message) Clone() *Message {
	c := &Message{
		Version: m.Version,
		headers: m.Headers(),
		body:    m.body,
	}
	if len(m.properties) > 0 {
		c.properties = m.Properties()
	}
	return c
}

// WithHeaders returns a message sharing m's body and version but carrying
// only the given headers and no properties.
func (m *Message) WithHeaders(version Version, headers []Header) *Message {
	hs := make([]Header, len(headers))
	copy(hs, headers)
	return &Message{Version: version, headers: hs, body: m.body}
}
