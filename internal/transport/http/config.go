package http

import (
	"crypto/tls"
	"net/http"
	"time"

	"message-router/internal/message"
	"message-router/internal/transport"
)

// Options are the http binding options. The destination address is the
// URL messages are posted to.
type Options struct {
	Timeout             time.Duration `yaml:"timeout" validate:"min=0"`
	MaxIdleConns        int           `yaml:"max_idle_conns" validate:"min=0"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host" validate:"min=0"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout" validate:"min=0"`
	DisableKeepAlives   bool          `yaml:"disable_keep_alives"`
	InsecureSkipVerify  bool          `yaml:"insecure_skip_verify"`
	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`
	// Version, when set, is the message version the endpoint expects.
	// Messages are translated to it before they are posted.
	Version message.Version `yaml:"version" validate:"omitempty,oneof=none soap11-wsa10 soap12-wsa10"`
}

func DefaultOptions() Options {
	return Options{
		Timeout:             30 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}

func ParseOptions(binding transport.Binding) (Options, error) {
	opts := DefaultOptions()
	if err := transport.DecodeOptions(binding, &opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Client builds the *http.Client the options describe.
func (o Options) Client() *http.Client {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        o.MaxIdleConns,
		MaxIdleConnsPerHost: o.MaxIdleConnsPerHost,
		IdleConnTimeout:     o.IdleConnTimeout,
		DisableKeepAlives:   o.DisableKeepAlives,
	}
	if o.InsecureSkipVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per binding
	}
	return &http.Client{Timeout: o.Timeout, Transport: t}
}
