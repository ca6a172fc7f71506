package gcp

import (
	"google.golang.org/api/option"

	"message-router/internal/transport"
)

// Options are the gcp binding options. The destination address is the
// Pub/Sub topic id.
type Options struct {
	ProjectID       string `yaml:"project_id" validate:"required"`
	CredentialsJSON string `yaml:"credentials_json" validate:"excluded_with=CredentialsFile"`
	CredentialsFile string `yaml:"credentials_file"`
	// Endpoint points the client at an emulator.
	Endpoint string `yaml:"endpoint"`
	// Ordering enables ordering keys, which session sends use.
	Ordering bool `yaml:"ordering"`
}

func ParseOptions(binding transport.Binding) (Options, error) {
	var opts Options
	if err := transport.DecodeOptions(binding, &opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// ClientOptions translates the options for pubsub.NewClient.
func (o Options) ClientOptions() []option.ClientOption {
	var opts []option.ClientOption
	switch {
	case o.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(o.CredentialsJSON)))
	case o.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(o.CredentialsFile))
	}
	if o.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.Endpoint), option.WithoutAuthentication())
	}
	return opts
}
