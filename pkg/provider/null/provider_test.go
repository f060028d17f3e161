package null

import (
	"context"
	"testing"

	"github.com/bonial-oss/healthchecks-monitor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider(t *testing.T) {
	p := &Provider{}

	checks, err := p.ListChecks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, checks)

	check, err := p.GetCheck(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, &models.Check{ID: "abc", Name: "abc", Status: models.StatusNew, Tags: []string{}}, check)
}
