package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "message-router/internal/common/errors"
	"message-router/internal/common/utils"
	"message-router/internal/message"
	"message-router/internal/transport"
)

type recorded struct {
	header http.Header
	body   string
}

// recorder captures requests and answers with handler.
type recorder struct {
	mu       sync.Mutex
	requests []recorded
	handler  http.HandlerFunc
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.requests = append(r.requests, recorded{header: req.Header.Clone(), body: string(body)})
	r.mu.Unlock()
	if r.handler != nil {
		r.handler(w, req)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *recorder) Requests() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.requests...)
}

func newEndpoint(t *testing.T, handler http.HandlerFunc, opts Options) (*Factory, *recorder) {
	t.Helper()
	rec := &recorder{handler: handler}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	f, err := New(srv.Client(), srv.URL+"/inbox", opts, nil)
	require.NoError(t, err)
	return f, rec
}

func quote() *message.Message {
	m := message.New(message.VersionSOAP11WSA10, []byte("<quote/>"))
	m.Set(message.HeaderAction, "urn:Quote")
	m.Set(message.HeaderMessageID, "urn:uuid:q-1")
	return m
}

func TestFactory_Send(t *testing.T) {
	f, rec := newEndpoint(t, nil, Options{Headers: map[string]string{"Authorization": "Bearer t"}})

	require.NoError(t, f.Send(context.Background(), quote()))

	reqs := rec.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "<quote/>", reqs[0].body)
	assert.Equal(t, "urn:Quote", reqs[0].header.Get(HeaderPrefix+message.HeaderAction))
	assert.Equal(t, "urn:uuid:q-1", reqs[0].header.Get(HeaderPrefix+message.HeaderMessageID))
	assert.Equal(t, string(message.VersionSOAP11WSA10), reqs[0].header.Get(HeaderVersion))
	assert.Equal(t, "text/xml; charset=utf-8", reqs[0].header.Get("Content-Type"))
	assert.Equal(t, "Bearer t", reqs[0].header.Get("Authorization"))
}

func TestFactory_SendStreamsBody(t *testing.T) {
	f, rec := newEndpoint(t, nil, Options{})

	m := message.NewStreaming(message.VersionNone, strings.NewReader(`{"big":true}`))
	m.Set("Content-Type", "application/json")
	require.NoError(t, f.Send(context.Background(), m))

	reqs := rec.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, `{"big":true}`, reqs[0].body)
	assert.Equal(t, "application/json", reqs[0].header.Get("Content-Type"))
	assert.Empty(t, reqs[0].header.Get(HeaderPrefix+"Content-Type"))
}

func TestFactory_RetryResendsStreamedBody(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	f, rec := newEndpoint(t, func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}, Options{})

	retrying := transport.WithRetry(f, utils.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, nil)
	m := message.NewStreaming(message.VersionNone, strings.NewReader("payload"))
	require.NoError(t, retrying.Send(context.Background(), m))

	reqs := rec.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "payload", reqs[0].body)
	assert.Equal(t, "payload", reqs[1].body)
}

func TestFactory_StatusErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		errType apperrors.ErrorType
	}{
		{"server error", http.StatusBadGateway, apperrors.ErrTypeConnection},
		{"throttled", http.StatusTooManyRequests, apperrors.ErrTypeConnection},
		{"rejected", http.StatusBadRequest, apperrors.ErrTypeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newEndpoint(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}, Options{})
			err := f.Send(context.Background(), quote())
			assert.True(t, apperrors.IsType(err, tt.errType), "got %v", err)
		})
	}
}

func TestFactory_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f, err := New(http.DefaultClient, url, Options{}, nil)
	require.NoError(t, err)
	err = f.Send(context.Background(), quote())
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConnection))
}

func TestFactory_Request(t *testing.T) {
	f, _ := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderVersion, string(message.VersionSOAP11WSA10))
		w.Header().Set(HeaderPrefix+message.HeaderAction, "urn:QuoteResponse")
		w.Header().Set(HeaderPrefix+message.HeaderRelatesTo, r.Header.Get(HeaderPrefix+message.HeaderMessageID))
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, "<price>3</price>")
	}, Options{})

	reply, err := f.Request(context.Background(), quote())
	require.NoError(t, err)

	assert.Equal(t, message.VersionSOAP11WSA10, reply.Version)
	assert.Equal(t, "urn:QuoteResponse", reply.Action())
	relates, _ := reply.Get(message.HeaderRelatesTo)
	assert.Equal(t, "urn:uuid:q-1", relates)
	ct, _ := reply.Get("Content-Type")
	assert.Equal(t, "text/xml", ct)
	body, err := reply.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "<price>3</price>", string(body))
}

func TestFactory_RequestDefaultsVersion(t *testing.T) {
	f, _ := newEndpoint(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}, Options{Version: message.VersionSOAP12WSA10})

	assert.Equal(t, message.VersionSOAP12WSA10, f.Version())
	reply, err := f.Request(context.Background(), quote())
	require.NoError(t, err)
	assert.Equal(t, message.VersionSOAP12WSA10, reply.Version)
}

func TestFactory_RequestCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f, _ := newEndpoint(t, func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Request(ctx, quote())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFactory_Session(t *testing.T) {
	f, rec := newEndpoint(t, nil, Options{})
	ctx := context.Background()

	s, err := f.OpenSession(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.Send(ctx, quote()))
	require.NoError(t, s.Send(ctx, quote()))
	require.NoError(t, f.Send(ctx, quote()))
	require.NoError(t, s.Close())

	reqs := rec.Requests()
	require.Len(t, reqs, 3)
	id := reqs[0].header.Get(HeaderSession)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, reqs[1].header.Get(HeaderSession))
	assert.Empty(t, reqs[2].header.Get(HeaderSession))

	_, err = f.OpenSession(ctx, func(context.Context, *message.Message) {})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeUnsupported))
}

func TestNew_InvalidURL(t *testing.T) {
	for _, address := range []string{"", "inbox", "ftp://host/x", "http://"} {
		_, err := New(http.DefaultClient, address, Options{}, nil)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig), address)
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions(transport.Binding{Name: "web"})
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)

	opts, err = ParseOptions(transport.Binding{Name: "web", Options: map[string]interface{}{
		"timeout": "2s",
		"version": "soap12-wsa10",
	}})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, opts.Timeout)
	assert.Equal(t, 2*time.Second, opts.Client().Timeout)

	_, err = ParseOptions(transport.Binding{Name: "web", Options: map[string]interface{}{"version": "soap13"}})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))

	f, err := Dial(context.Background(), transport.Binding{Name: "web"}, "https://example.com/hook")
	require.NoError(t, err)
	assert.NoError(t, f.Close())
	assert.True(t, transport.DefaultRegistry().IsRegistered(Type))
}
