package config

// Config is the full daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown fields are rejected so typos surface at load time instead of
// silently falling back to defaults.
type Config struct {
	Telegram  TelegramConfig   `json:"telegram"`
	Logging   LoggingConfig    `json:"logging"`
	Forward   ForwardConfig    `json:"forward"`
	Storage   StorageConfig    `json:"storage"`
	Reconcile *ReconcileConfig `json:"reconcile,omitempty"`
}

type TelegramConfig struct {
	// Token is the control-bot token (task management surface).
	Token string `json:"token"`
	// OwnerUserIDs may run everything, including /login for other users.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AllowedUserIDs may manage their own tasks and sessions.
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ForwardConfig controls the forwarding pipeline.
//
// Defaults (when fields are omitted/zero):
//   - workers: 15
//   - queue_size: 10000
//   - resolve_attempts: 3
//   - resolve_retry_delay: "30s"
//   - restore_batch: 5
//   - rate_per_sec: 0 (outbound limiter disabled)
type ForwardConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	ResolveAttempts int `json:"resolve_attempts,omitempty"`
	// ResolveRetryDelay is the fixed delay between background resolution attempts.
	ResolveRetryDelay string `json:"resolve_retry_delay,omitempty"`

	// RestoreBatch bounds how many sessions are restored (or torn down) at once.
	RestoreBatch int `json:"restore_batch,omitempty"`

	// RatePerSec caps outbound sends across all workers. 0 disables the limiter.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "path": "./relaybot.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// ReconcileConfig controls the periodic settings reconciliation job.
// Settings writes are fire-and-forget; the reconciler re-upserts the
// in-memory snapshot on a schedule so storage converges after failures.
//
// Schedule accepts a cron spec ("*/10 * * * *") or "@every 10m".
// If the whole section is omitted, reconciliation defaults to enabled
// with a 15 minute interval.
type ReconcileConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
}
