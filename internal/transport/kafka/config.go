package kafka

import (
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"message-router/internal/common/errors"
	"message-router/internal/common/validation"
	"message-router/internal/transport"
)

// Options are the kafka binding options. The destination address is the
// topic.
type Options struct {
	Brokers          []string      `yaml:"brokers" validate:"required,min=1,dive,required"`
	ClientID         string        `yaml:"client_id"`
	SecurityProtocol string        `yaml:"security_protocol" validate:"omitempty,oneof=PLAINTEXT SSL SASL_PLAINTEXT SASL_SSL"`
	SASLMechanism    string        `yaml:"sasl_mechanism" validate:"omitempty,oneof=PLAIN SCRAM-SHA-256 SCRAM-SHA-512"`
	SASLUsername     string        `yaml:"sasl_username"`
	SASLPassword     string        `yaml:"sasl_password"`
	Acks             string        `yaml:"acks" validate:"omitempty,oneof=0 1 all"`
	DeliveryTimeout  time.Duration `yaml:"delivery_timeout" validate:"min=0"`
}

func ParseOptions(binding transport.Binding) (Options, error) {
	var opts Options
	if err := transport.DecodeOptions(binding, &opts); err != nil {
		return Options{}, err
	}

	if opts.ClientID == "" {
		opts.ClientID = "message-router"
	}
	if opts.SecurityProtocol == "" {
		opts.SecurityProtocol = "PLAINTEXT"
	}
	if opts.Acks == "" {
		opts.Acks = "all"
	}
	if opts.DeliveryTimeout == 0 {
		opts.DeliveryTimeout = 30 * time.Second
	}

	if strings.HasPrefix(opts.SecurityProtocol, "SASL_") {
		if opts.SASLMechanism == "" {
			opts.SASLMechanism = "PLAIN"
		}
		v := validation.NewValidatorWithPrefix("binding " + binding.Name)
		v.RequireString(opts.SASLUsername, "sasl_username")
		v.RequireString(opts.SASLPassword, "sasl_password")
		if err := v.Error(); err != nil {
			return Options{}, errors.ConfigError(err.Error()).WithCause(err)
		}
	}
	return opts, nil
}

// ConfigMap builds the producer configuration.
func (o Options) ConfigMap() *kafka.ConfigMap {
	cm := kafka.ConfigMap{
		"bootstrap.servers":   strings.Join(o.Brokers, ","),
		"client.id":           o.ClientID,
		"acks":                o.Acks,
		"delivery.timeout.ms": int(o.DeliveryTimeout / time.Millisecond),
	}
	if o.SecurityProtocol != "PLAINTEXT" {
		cm["security.protocol"] = o.SecurityProtocol
	}
	if strings.HasPrefix(o.SecurityProtocol, "SASL_") {
		cm["sasl.mechanism"] = o.SASLMechanism
		cm["sasl.username"] = o.SASLUsername
		cm["sasl.password"] = o.SASLPassword
	}
	return &cm
}

func (o Options) ConnectionString() string {
	return strings.Join(o.Brokers, ",")
}
