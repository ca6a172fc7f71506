package redis

import (
	"fmt"
	"time"

	"message-router/internal/transport"
)

// Options are the redis binding options. The destination address is the
// stream name.
type Options struct {
	Addr         string        `yaml:"addr" validate:"required,hostname_port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"min=0,max=15"`
	PoolSize     int           `yaml:"pool_size" validate:"min=0,max=1000"`
	Timeout      time.Duration `yaml:"timeout" validate:"min=0"`
	ReplyTimeout time.Duration `yaml:"reply_timeout" validate:"min=0"`
	// StreamMaxLen trims streams approximately to this length; 0 keeps
	// everything.
	StreamMaxLen int64 `yaml:"stream_max_len" validate:"min=0"`
}

func DefaultOptions() Options {
	return Options{
		Addr:         "localhost:6379",
		PoolSize:     10,
		Timeout:      5 * time.Second,
		ReplyTimeout: 30 * time.Second,
	}
}

// ParseOptions decodes binding's options over the defaults.
func ParseOptions(binding transport.Binding) (Options, error) {
	opts := DefaultOptions()
	if err := transport.DecodeOptions(binding, &opts); err != nil {
		return Options{}, err
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 10
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.ReplyTimeout == 0 {
		opts.ReplyTimeout = 30 * time.Second
	}
	return opts, nil
}

// ConnectionString is the redacted connection string used in logs.
func (o Options) ConnectionString() string {
	if o.Password != "" {
		return fmt.Sprintf("redis://:***@%s/%d", o.Addr, o.DB)
	}
	return fmt.Sprintf("redis://%s/%d", o.Addr, o.DB)
}
