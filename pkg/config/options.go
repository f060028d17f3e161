package config

import (
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Options holds the options shared by all commands.
type Options struct {
	// ProviderName is the name of the check provider to use.
	ProviderName string

	// ClientConfig is the configuration of the API client.
	ClientConfig ClientConfig

	// ClientConfigFile is an optional YAML file that is merged over
	// ClientConfig.
	ClientConfigFile string

	// EntriesFile is the file the configured entries are persisted in.
	EntriesFile string

	// MetricsAddr is the address the metrics endpoint listens on. Metrics
	// are disabled if empty.
	MetricsAddr string

	// RetryInterval is the interval at which entries whose setup failed
	// with a transient error are set up again.
	RetryInterval time.Duration

	// APIKey is the default API key for the config flow. It is read from
	// HEALTHCHECKS_API_KEY if not passed explicitly.
	APIKey string
}

// NewDefaultOptions creates a new *Options value with defaults.
func NewDefaultOptions() *Options {
	return &Options{
		ProviderName:  ProviderHealthchecksio,
		ClientConfig:  NewDefaultClientConfig(),
		EntriesFile:   "entries.yaml",
		MetricsAddr:   ":9090",
		RetryInterval: time.Minute,
		APIKey:        os.Getenv("HEALTHCHECKS_API_KEY"),
	}
}

// AddFlags adds flags for all options to cmd.
func (o *Options) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.ProviderName, "provider", o.ProviderName, "The check provider to use.")
	cmd.PersistentFlags().StringVar(&o.ClientConfigFile, "client-config", o.ClientConfigFile, "Location of an optional config file for the API client.")
	cmd.PersistentFlags().StringVar(&o.ClientConfig.URL, "url", o.ClientConfig.URL, "Base URL of the healthchecks.io instance.")
	cmd.PersistentFlags().StringVar(&o.EntriesFile, "entries-file", o.EntriesFile, "File the configured entries are stored in.")
}

// AddRunFlags adds flags that are only relevant for the daemon to cmd.
func (o *Options) AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.MetricsAddr, "metrics-addr", o.MetricsAddr, "Address the metrics endpoint listens on. Set to empty string to disable.")
	cmd.Flags().DurationVar(&o.RetryInterval, "retry-interval", o.RetryInterval, "Interval for retrying the setup of entries that failed transiently.")
}

// Validate validates options.
func (o *Options) Validate() error {
	if o.ProviderName != ProviderHealthchecksio && o.ProviderName != ProviderNull {
		return errors.Errorf("unsupported provider %q", o.ProviderName)
	}

	if o.EntriesFile == "" {
		return errors.New("--entries-file must not be empty")
	}

	if o.RetryInterval <= 0 {
		return errors.New("--retry-interval must be positive")
	}

	return nil
}

// LoadClientConfigFile merges the client config file, if configured, over
// the current ClientConfig.
func (o *Options) LoadClientConfigFile() error {
	if o.ClientConfigFile == "" {
		return nil
	}

	clientConfig, err := ReadClientConfig(o.ClientConfigFile)
	if err != nil {
		return errors.Wrapf(err, "failed to load client config from file")
	}

	err = mergo.Merge(&o.ClientConfig, clientConfig, mergo.WithOverride)
	if err != nil {
		return errors.Wrapf(err, "failed to merge client configs")
	}

	return nil
}
