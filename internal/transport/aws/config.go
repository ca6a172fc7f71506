package aws

import (
	"fmt"
	"strings"

	"message-router/internal/transport"
)

// Options are the aws binding options. The destination address is an SQS
// queue URL or an SNS topic ARN.
type Options struct {
	Region          string `yaml:"region" validate:"required"`
	AccessKeyID     string `yaml:"access_key_id" validate:"required_with=SecretAccessKey"`
	SecretAccessKey string `yaml:"secret_access_key" validate:"required_with=AccessKeyID"`
	SessionToken    string `yaml:"session_token"`
	// Endpoint overrides the service endpoint, e.g. for LocalStack.
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
}

func ParseOptions(binding transport.Binding) (Options, error) {
	var opts Options
	if err := transport.DecodeOptions(binding, &opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Target is the kind of AWS destination an address names.
type Target int

const (
	TargetSQS Target = iota
	TargetSNS
)

// ParseTarget classifies an address. SNS topics are ARNs, anything else is
// taken as an SQS queue URL.
func ParseTarget(address string) (Target, error) {
	switch {
	case strings.HasPrefix(address, "arn:aws:sns:"):
		return TargetSNS, nil
	case strings.HasPrefix(address, "https://"), strings.HasPrefix(address, "http://"):
		return TargetSQS, nil
	default:
		return 0, fmt.Errorf("address %q is neither an SQS queue URL nor an SNS topic ARN", address)
	}
}

// IsFIFO reports whether address is a FIFO queue or topic.
func IsFIFO(address string) bool {
	return strings.HasSuffix(address, ".fifo")
}
