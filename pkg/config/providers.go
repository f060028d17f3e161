package config

import (
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

const (
	// ProviderHealthchecksio polls checks from the healthchecks.io API or a
	// self-hosted instance of it.
	ProviderHealthchecksio = "healthchecksio"

	// ProviderNull returns no checks and accepts every API key. This is
	// intended for testing purposes only.
	ProviderNull = "null"

	// DefaultURL is the base URL of the hosted healthchecks.io service.
	DefaultURL = "https://healthchecks.io"

	// RefreshInterval is the interval at which a coordinator refreshes all
	// checks of its API key.
	RefreshInterval = 300 * time.Second
)

// ClientConfig is the configuration of the healthchecks.io API client.
type ClientConfig struct {
	// URL is the base URL of the healthchecks.io instance.
	URL string `json:"url"`

	// TimeoutSeconds is the timeout of a single HTTP request.
	TimeoutSeconds int `json:"timeoutSeconds"`

	// RetryMax is the maximum number of retries for requests that failed
	// with a connection error or a 5xx response. Rate limited requests are
	// never retried.
	RetryMax int `json:"retryMax"`

	// RequestsPerSecond limits the number of requests per second each
	// client sends. A value <= 0 disables the limit.
	RequestsPerSecond float64 `json:"requestsPerSecond"`

	// Burst is the maximum burst size of the request limiter.
	Burst int `json:"burst"`

	// Tags restricts the checks visible to the client to those carrying all
	// of the given tags. Checks outside the filter show up as missing and
	// are rejected when an entry is created.
	Tags []string `json:"tags"`
}

// Timeout returns the request timeout as time.Duration.
func (c ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NewDefaultClientConfig creates a new default client config. The base URL
// can be overridden with the HEALTHCHECKS_URL environment variable.
func NewDefaultClientConfig() ClientConfig {
	url := os.Getenv("HEALTHCHECKS_URL")
	if url == "" {
		url = DefaultURL
	}

	return ClientConfig{
		URL:               url,
		TimeoutSeconds:    10,
		RetryMax:          2,
		RequestsPerSecond: 1,
		Burst:             5,
		Tags:              []string{},
	}
}

// ReadClientConfig reads the client configuration from given file.
func ReadClientConfig(filename string) (*ClientConfig, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var config ClientConfig

	err = yaml.Unmarshal(buf, &config)
	if err != nil {
		return nil, err
	}

	return &config, nil
}
