package models

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{
			name:     "unclassified errors are unexpected",
			err:      errors.New("boom"),
			expected: KindUnexpected,
		},
		{
			name:     "classified error",
			err:      NewError(KindAuthFailure, errors.New("invalid api key")),
			expected: KindAuthFailure,
		},
		{
			name:     "wrapped classified error",
			err:      errors.Wrap(Errorf(KindRateLimited, "slow down"), "failed to list checks"),
			expected: KindRateLimited,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, KindOf(test.err))
			assert.True(t, IsKind(test.err, test.expected) || test.expected == KindUnexpected)
		})
	}
}

func TestErrorKind_Transient(t *testing.T) {
	assert.False(t, KindAuthFailure.Transient())
	assert.False(t, KindNotFound.Transient())
	assert.True(t, KindRateLimited.Transient())
	assert.True(t, KindAPIFailure.Transient())
	assert.True(t, KindUnexpected.Transient())
}

func TestError_Error(t *testing.T) {
	assert.Equal(t, "not_found", NewError(KindNotFound, nil).Error())
	assert.Equal(t, "check abc not found", Errorf(KindNotFound, "check %s not found", "abc").Error())
}

func TestParseTags(t *testing.T) {
	assert.Equal(t, []string{}, ParseTags(""))
	assert.Equal(t, []string{"prod", "db"}, ParseTags(" prod  db "))
}
