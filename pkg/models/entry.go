package models

import "errors"

var (
	// ErrEntryNotFound is returned by entry stores if an entry does not
	// exist.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrEntryExists is returned by entry stores if an entry with the same
	// unique ID is already present.
	ErrEntryExists = errors.New("entry already exists")
)

// Entry is the persisted configuration record of a monitored check.
type Entry struct {
	// ID identifies the entry itself.
	ID string `json:"id"`

	// UniqueID is the trimmed check identifier. No two entries may share
	// the same UniqueID.
	UniqueID string `json:"uniqueID"`

	// Title is the display name of the check at the time the entry was
	// created.
	Title string `json:"title"`

	// APIKey is the healthchecks.io API key used to poll the check.
	APIKey string `json:"apiKey"`

	// CheckID is the identifier of the check to monitor.
	CheckID string `json:"checkID"`

	// Generation is incremented on every successful re-authentication, so
	// watchers of the store reload the entry even if the API key did not
	// change.
	Generation int64 `json:"generation,omitempty"`
}

// EntryState is the runtime state of an entry inside the integration
// manager. It is never persisted.
type EntryState string

const (
	EntryStateNotLoaded      EntryState = "not_loaded"
	EntryStateLoaded         EntryState = "loaded"
	EntryStateSetupRetry     EntryState = "setup_retry"
	EntryStateSetupError     EntryState = "setup_error"
	EntryStateReauthRequired EntryState = "reauth_required"
)
