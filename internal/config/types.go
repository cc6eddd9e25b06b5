package config

import (
	"net/url"
	"strings"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Notifier  NotifierConfig  `json:"notifier,omitempty"`
	State     StateConfig     `json:"state"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Downloads DownloadsConfig `json:"downloads,omitempty"`

	// Settings is the global settings layer; groups and entities override it
	// field by field (see Resolve).
	Settings *SettingsOverride `json:"settings,omitempty"`

	// Groups holds the per-domain settings layer, keyed by hostname suffix
	// (e.g. "example.com" matches "www.example.com").
	Groups map[string]GroupConfig `json:"groups,omitempty"`

	Entities []Entity `json:"entities"`
}

// DownloadsConfig locates acquired items on disk.
type DownloadsConfig struct {
	Dir string `json:"dir,omitempty"`
}

type GroupConfig struct {
	Settings *SettingsOverride `json:"settings,omitempty"`
}

// Entity is one tracked source. Immutable for the run; changes arrive only
// through a full config reload.
type Entity struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Credentials string `json:"credentials,omitempty"`

	// Trigger is either a wall-clock time of day ("HH:MM", 24-hour) or a
	// standard 5-field cron expression.
	Trigger string `json:"trigger"`

	Settings *SettingsOverride `json:"settings,omitempty"`
}

// Key returns the identifier used for state-store entries and events.
func (e Entity) Key() string {
	if n := strings.TrimSpace(e.Name); n != "" {
		return n
	}
	return e.URL
}

// Domain returns the hostname of the entity URL. Entities sharing a domain
// share one sequential check queue.
func (e Entity) Domain() string {
	u, err := url.Parse(strings.TrimSpace(e.URL))
	if err != nil || u.Hostname() == "" {
		return strings.TrimSpace(e.URL)
	}
	return strings.ToLower(u.Hostname())
}

// StateConfig selects the processed-state backend.
//
// Driver values:
//   - "file" (default): pretty-printed JSON, one object per state file
//   - "sqlite": SQLite database (build tag `sqlite`)
type StateConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path"`
}

type SchedulerConfig struct {
	// Timezone is an IANA TZ name for trigger evaluation (default: local).
	Timezone string `json:"timezone,omitempty"`

	// WaitForDrain makes the scheduler wait for every check queue to go idle
	// after a batch fires before re-entering its wait loop.
	WaitForDrain bool `json:"wait_for_drain,omitempty"`
}

// NotifierConfig controls the leveled notification sink.
type NotifierConfig struct {
	Enabled    bool                   `json:"enabled"`
	RatePerSec int                    `json:"rate_per_sec,omitempty"`
	Telegram   TelegramNotifierConfig `json:"telegram,omitempty"`
}

type TelegramNotifierConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	MinLevel string `json:"min_level,omitempty"`
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
