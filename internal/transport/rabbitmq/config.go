package rabbitmq

import (
	"fmt"
	"net/url"
	"time"

	"message-router/internal/transport"
)

// Options are the rabbitmq binding options. The destination address is a
// queue name, or "exchange/routing-key" to publish through an exchange.
type Options struct {
	URL string `yaml:"url" validate:"required,url"`
	// PoolSize is the number of connections channels are spread over.
	PoolSize int `yaml:"pool_size" validate:"min=0,max=100"`
	// Exchange is used for addresses without an exchange part.
	Exchange string `yaml:"exchange"`
	// Declare declares the destination queue (durable) on dial.
	Declare      bool          `yaml:"declare"`
	Persistent   bool          `yaml:"persistent"`
	ReplyTimeout time.Duration `yaml:"reply_timeout" validate:"min=0"`
}

func ParseOptions(binding transport.Binding) (Options, error) {
	opts := Options{PoolSize: 2, Persistent: true, ReplyTimeout: 30 * time.Second}
	if err := transport.DecodeOptions(binding, &opts); err != nil {
		return Options{}, err
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 2
	}
	if opts.ReplyTimeout == 0 {
		opts.ReplyTimeout = 30 * time.Second
	}
	return opts, nil
}

// ConnectionString returns the URL without credentials.
func (o Options) ConnectionString() string {
	if parsed, err := url.Parse(o.URL); err == nil {
		return fmt.Sprintf("rabbitmq://%s%s", parsed.Host, parsed.Path)
	}
	return "rabbitmq://***"
}
