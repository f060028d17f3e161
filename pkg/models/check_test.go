package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusNew, StatusStarted, StatusUp, StatusGrace, StatusDown, StatusPaused} {
		assert.True(t, s.Valid(), s)
	}

	assert.False(t, Status("").Valid())
	assert.False(t, Status("Down").Valid())
}
