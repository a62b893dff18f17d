package forward

import (
	"context"

	"relaybot/internal/session"
)

// Filters are the per-task text filter flags. All default to off.
type Filters struct {
	RawText           bool `json:"raw_text"`
	NumbersOnly       bool `json:"numbers_only"`
	AlphabetsOnly     bool `json:"alphabets_only"`
	RemovedAlphabetic bool `json:"removed_alphabetic"`
	RemovedNumeric    bool `json:"removed_numeric"`
	AddPrefixSuffix   bool `json:"add_prefix_suffix"`
}

// Settings is the per-(user,label) configuration driving classification.
// The in-memory copy is authoritative for the running process; persistence
// is asynchronous and best-effort.
type Settings struct {
	Outgoing   bool    `json:"outgoing"`
	ForwardTag bool    `json:"forward_tag"`
	Control    bool    `json:"control"`
	Filters    Filters `json:"filters"`
	Prefix     string  `json:"prefix"`
	Suffix     string  `json:"suffix"`
}

// DefaultSettings returns the documented defaults: toggles on, filters off.
func DefaultSettings() Settings {
	return Settings{
		Outgoing:   true,
		ForwardTag: true,
		Control:    true,
	}
}

// Toggleable field keys accepted by SettingsStore.Toggle.
const (
	FieldOutgoing          = "outgoing"
	FieldForwardTag        = "forward_tag"
	FieldControl           = "control"
	FieldRawText           = "raw_text"
	FieldNumbersOnly       = "numbers_only"
	FieldAlphabetsOnly     = "alphabets_only"
	FieldRemovedAlphabetic = "removed_alphabetic"
	FieldRemovedNumeric    = "removed_numeric"
	FieldAddPrefixSuffix   = "add_prefix_suffix"
)

// Task is a named forwarding rule owned by a user. Source and target sets
// are immutable after creation.
type Task struct {
	UserID  int64   `json:"user_id"`
	Label   string  `json:"label"`
	Sources []int64 `json:"sources"`
	Targets []int64 `json:"targets"`
	Active  bool    `json:"active"`
}

func (t Task) HasSource(chatID int64) bool {
	for _, id := range t.Sources {
		if id == chatID {
			return true
		}
	}
	return false
}

// TaskWithSettings pairs a task with its persisted settings for bulk reads.
type TaskWithSettings struct {
	Task     Task
	Settings Settings
}

// UserRecord is the persisted per-user session state.
type UserRecord struct {
	UserID     int64
	Name       string
	Credential string
	LoggedIn   bool
}

// Job is one ephemeral unit of send work. Either Relay references the
// original message (relay-original payload) or Text carries composed output.
// Jobs are consumed exactly once and never persisted.
type Job struct {
	UserID int64
	Client session.Client
	Target int64
	Text   string
	Relay  *session.MessageRef
}

// Store is the persistence collaborator as seen by the core. All calls are
// best-effort: a failed write is logged and never rolls back or blocks the
// corresponding in-memory state change.
type Store interface {
	UpsertUser(ctx context.Context, u UserRecord) error
	SetLoggedOut(ctx context.Context, userID int64) error
	SaveTask(ctx context.Context, t Task, s Settings) error
	DeleteTask(ctx context.Context, userID int64, label string) (bool, error)
	UpsertSettings(ctx context.Context, userID int64, label string, s Settings) error

	// ActiveTasks is the restart-recovery bulk read: all active tasks with
	// their persisted settings.
	ActiveTasks(ctx context.Context) ([]TaskWithSettings, error)
	LoggedInUsers(ctx context.Context) ([]UserRecord, error)
}
