package config

// Config is racebot's single configuration document (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Reminder ReminderConfig `json:"reminder"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`

	// AnnounceChat is the chat reminders are announced to.
	AnnounceChat   int64 `json:"announce_chat"`
	AnnounceThread int   `json:"announce_thread,omitempty"`

	// OwnerUserIDs may use mutating commands (add/edit/delete).
	// Empty means everyone.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    FileLoggingConfig `json:"file"`
}

type FileLoggingConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the SQLite persistence layer.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ReminderConfig controls the reminder scheduling engine.
//
// Defaults (applied when fields are omitted/zero):
//   - timezone: "America/New_York"
//   - tick: "1m"
//   - offsets_days: [3, 2, 1]
//   - trigger_at: "16:00"
//   - dispatch_timeout: "15s"
//   - rate_per_sec: 3
//   - store_fail_threshold: 5
type ReminderConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// Timezone is the IANA reference zone all race times and triggers live in.
	Timezone string `json:"timezone,omitempty"`

	Tick string `json:"tick,omitempty"`

	// OffsetsDays lists the days-before-race offsets; each offset produces one
	// reminder per race at TriggerAt.
	OffsetsDays []int  `json:"offsets_days,omitempty"`
	TriggerAt   string `json:"trigger_at,omitempty"`

	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`

	// Mention is prepended to announcements (e.g. a role or group handle).
	Mention string `json:"mention,omitempty"`

	// StoreFailThreshold is the number of consecutive aborted ticks (store
	// unavailable) after which the scheduler reports itself degraded.
	StoreFailThreshold int `json:"store_fail_threshold,omitempty"`
}
