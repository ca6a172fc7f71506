// Package http posts messages to an HTTP endpoint. A request/reply exchange
// is one POST whose response is the reply. Message headers travel as
// X-Msg- prefixed HTTP headers.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"message-router/internal/common/errors"
	"message-router/internal/common/logging"
	"message-router/internal/message"
	"message-router/internal/transport"
	"message-router/internal/transport/base"
)

const Type = "http"

const (
	HeaderPrefix  = "X-Msg-"
	HeaderVersion = "X-Message-Version"
	HeaderSession = "X-Session-Id"
)

func init() {
	transport.Register(Type, Dial)
}

// Factory posts to one URL.
type Factory struct {
	client *http.Client
	url    string
	opts   Options
	logger logging.Logger
}

func Dial(ctx context.Context, binding transport.Binding, address string) (transport.Factory, error) {
	opts, err := ParseOptions(binding)
	if err != nil {
		return nil, err
	}
	return New(opts.Client(), address, opts, base.NewLogger(Type, binding, address))
}

// New posts to address with client.
func New(client *http.Client, address string, opts Options, logger logging.Logger) (*Factory, error) {
	u, err := url.Parse(address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.ConfigErrorf("http destination %q is not an absolute http(s) URL", address)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Factory{client: client, url: address, opts: opts, logger: logger}, nil
}

func (f *Factory) Capabilities() transport.Capability {
	return transport.CapOneWay | transport.CapRequestReply | transport.CapSession
}

// Version is the message version the endpoint expects, if configured.
func (f *Factory) Version() message.Version { return f.opts.Version }

func (f *Factory) Send(ctx context.Context, msg *message.Message) error {
	resp, err := f.post(ctx, msg, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (f *Factory) Request(ctx context.Context, msg *message.Message) (*message.Message, error) {
	resp, err := f.post(ctx, msg, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return f.reply(resp)
}

// OpenSession tags every post of the session with one session id.
func (f *Factory) OpenSession(ctx context.Context, inbound transport.Handler) (transport.Session, error) {
	if inbound != nil {
		return nil, errors.UnsupportedError("http duplex session")
	}
	return &session{factory: f, id: uuid.NewString()}, nil
}

func (f *Factory) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

func (f *Factory) post(ctx context.Context, msg *message.Message, sessionID string) (*http.Response, error) {
	body, err := msg.BodyReader()
	if err != nil {
		return nil, errors.InternalError("read message body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, body)
	if err != nil {
		return nil, errors.InternalError("failed to create request", err)
	}

	for k, v := range f.opts.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderVersion, string(msg.Version))
	for _, h := range msg.Headers() {
		if strings.EqualFold(h.Name, "Content-Type") {
			req.Header.Set("Content-Type", h.Value)
			continue
		}
		req.Header.Add(HeaderPrefix+h.Name, h.Value)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType(msg.Version))
	}
	if sessionID != "" {
		req.Header.Set(HeaderSession, sessionID)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.ConnectionError("request failed", err)
	}

	f.logger.Debug("Message posted",
		logging.Int("status", resp.StatusCode),
		logging.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, errors.ConnectionError(fmt.Sprintf("HTTP %d", resp.StatusCode), fmt.Errorf("%s", bytes.TrimSpace(detail)))
	}
	return nil, errors.ValidationError(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(detail)))
}

// reply builds the reply message from a successful response.
func (f *Factory) reply(resp *http.Response) (*message.Message, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, message.MaxBodySize+1))
	if err != nil {
		return nil, errors.ConnectionError("failed to read response body", err)
	}
	if len(data) > message.MaxBodySize {
		return nil, errors.ValidationError("reply body too large")
	}

	version := message.Version(resp.Header.Get(HeaderVersion))
	if version == "" {
		version = f.opts.Version
	}
	if version == "" {
		version = message.VersionNone
	}

	reply := message.New(version, data)
	for name, values := range resp.Header {
		if !strings.HasPrefix(name, HeaderPrefix) {
			continue
		}
		for _, v := range values {
			reply.Add(strings.TrimPrefix(name, HeaderPrefix), v)
		}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		reply.Set("Content-Type", ct)
	}
	return reply, nil
}

func contentType(v message.Version) string {
	switch v {
	case message.VersionSOAP11WSA10:
		return "text/xml; charset=utf-8"
	case message.VersionSOAP12WSA10:
		return "application/soap+xml; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

type session struct {
	factory *Factory
	id      string
}

func (s *session) Send(ctx context.Context, msg *message.Message) error {
	resp, err := s.factory.post(ctx, msg, s.id)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *session) Close() error { return nil }
