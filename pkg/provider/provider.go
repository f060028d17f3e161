package provider

import (
	"context"

	"github.com/bonial-oss/healthchecks-monitor/pkg/config"
	"github.com/bonial-oss/healthchecks-monitor/pkg/models"
	"github.com/bonial-oss/healthchecks-monitor/pkg/provider/healthchecksio"
	"github.com/bonial-oss/healthchecks-monitor/pkg/provider/null"
	"github.com/pkg/errors"
)

// Interface is the interface for a check provider bound to a single API key.
// All errors returned must be classified as *models.Error.
type Interface interface {
	// ListChecks lists all checks visible to the API key. Must return an
	// error of kind models.KindAuthFailure if the API key is invalid and
	// models.KindRateLimited if the rate limit was exceeded.
	ListChecks(ctx context.Context) ([]*models.Check, error)

	// GetCheck retrieves a single check by its identifier. In addition to
	// the errors of ListChecks it must return an error of kind
	// models.KindNotFound if the check does not exist.
	GetCheck(ctx context.Context, id string) (*models.Check, error)
}

// Factory creates a provider bound to apiKey.
type Factory func(apiKey string) Interface

// New creates a new provider factory by name. Returns an error if the named
// provider is not supported.
func New(name string, c config.ClientConfig) (Factory, error) {
	switch name {
	case config.ProviderHealthchecksio:
		return func(apiKey string) Interface {
			return healthchecksio.NewProvider(c, apiKey)
		}, nil
	case config.ProviderNull:
		return func(_ string) Interface {
			return &null.Provider{}
		}, nil
	default:
		return nil, errors.Errorf("unsupported provider %q", name)
	}
}
