package config

// Config is the root configuration, loaded from YAML or JSON.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "5m");
// parse them with ParseDurationField.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Quotes    QuotesConfig    `json:"quotes"`
	Broadcast BroadcastConfig `json:"broadcast"`
	RateLimit RateLimitConfig `json:"rate_limit"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminChatID is the only user allowed to run admin commands
	// (/export, /subscribers, /sendnow).
	AdminChatID int64 `json:"admin_chat_id"`
	// PollTimeout is the long-poll timeout, default "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type QuotesConfig struct {
	// BaseURL defaults to the exchangerate.host convert endpoint.
	BaseURL   string `json:"base_url,omitempty"`
	AccessKey string `json:"access_key"`
	// Target is the quote currency, default "RUB".
	Target  string `json:"target,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// BroadcastConfig controls the daily fan-out.
type BroadcastConfig struct {
	// At is the local wall-clock firing time, "HH:MM". Default "10:00".
	At string `json:"at,omitempty"`
	// Timezone is an IANA TZ name for At, e.g. "Europe/Moscow".
	Timezone string `json:"timezone,omitempty"`
	// RatePerSec paces outgoing sends, default 10.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// Feeds are the currency symbols users may subscribe to.
	Feeds []string `json:"feeds,omitempty"`
}

// RateLimitConfig controls per-user command admission.
type RateLimitConfig struct {
	// Limit is the max accepted commands per user per window, default 100.
	Limit int `json:"limit,omitempty"`
	// Period is the sliding window length, default "5m".
	Period string `json:"period,omitempty"`
	// SweepEvery is the idle-identity eviction interval, default "10m".
	SweepEvery string `json:"sweep_every,omitempty"`
}

// DefaultFeeds is used when broadcast.feeds is omitted.
var DefaultFeeds = []string{"USD", "EUR"}

// Feeds returns the configured feed allowlist, falling back to DefaultFeeds.
func (c BroadcastConfig) FeedList() []string {
	if len(c.Feeds) > 0 {
		return c.Feeds
	}
	return DefaultFeeds
}
