package fake

import (
	"context"

	"github.com/bonial-oss/healthchecks-monitor/pkg/models"
	"github.com/stretchr/testify/mock"
)

// Provider is a fake provider that can be used in unit tests.
type Provider struct {
	mock.Mock
}

// ListChecks implements provider.Interface.
func (p *Provider) ListChecks(ctx context.Context) ([]*models.Check, error) {
	args := p.Called(ctx)
	if obj, ok := args.Get(0).([]*models.Check); ok {
		return obj, args.Error(1)
	}

	return nil, args.Error(1)
}

// GetCheck implements provider.Interface.
func (p *Provider) GetCheck(ctx context.Context, id string) (*models.Check, error) {
	args := p.Called(ctx, id)
	if obj, ok := args.Get(0).(*models.Check); ok {
		return obj, args.Error(1)
	}

	return nil, args.Error(1)
}
