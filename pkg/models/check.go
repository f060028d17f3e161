package models

import (
	"strings"
	"time"
)

// Status is the state of a check as reported by healthchecks.io.
type Status string

const (
	StatusNew     Status = "new"
	StatusStarted Status = "started"
	StatusUp      Status = "up"
	StatusGrace   Status = "grace"
	StatusDown    Status = "down"
	StatusPaused  Status = "paused"
)

// Valid returns true if s is one of the known check states.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusStarted, StatusUp, StatusGrace, StatusDown, StatusPaused:
		return true
	default:
		return false
	}
}

// Check is a container for a healthchecks.io check.
type Check struct {
	// ID is the UUID of the check. It is empty if the check was listed
	// with a read-only API key.
	ID string

	// Name is the display name of the check.
	Name string

	// Slug is the URL-friendly name of the check.
	Slug string

	// Description is the free-form description of the check.
	Description string

	// Status is the current state of the check.
	Status Status

	// Tags are the tags attached to the check.
	Tags []string

	// Schedule is the cron expression of the check. It is empty for checks
	// that use a simple period.
	Schedule string

	// Timezone is the timezone the Schedule is evaluated in.
	Timezone string

	// Timeout is the expected period between pings for simple checks.
	Timeout time.Duration

	// Grace is the grace period before a late check is considered down.
	Grace time.Duration

	// NumPings is the number of pings the check received so far.
	NumPings int

	// LastPing is the time of the last received ping, if any.
	LastPing *time.Time

	// NextPing is the time the next ping is expected at, if known.
	NextPing *time.Time
}

// ParseTags splits the space separated tag string used by the healthchecks.io
// API into a slice. Returns an empty slice for an empty string.
func ParseTags(tags string) []string {
	fields := strings.Fields(tags)
	if fields == nil {
		return []string{}
	}

	return fields
}
