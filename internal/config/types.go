package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "15m"). Second ranges
// accept either a two-element array ([20, 40]) or a "min,max" string.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Dedup   DedupConfig   `json:"dedup"`
	Quota   QuotaConfig   `json:"quota"`

	// Actions maps an action kind ("like", "follow") to its pacing.
	Actions map[string]ActionConfig `json:"actions"`
	// Priority orders kinds within one item. Kinds not listed run after, by name.
	Priority []string `json:"priority,omitempty"`

	MicroBreak MicroBreakConfig `json:"micro_break"`
	Sessions   SessionsConfig   `json:"sessions"`
	Filters    FiltersConfig    `json:"filters"`
	Source     SourceConfig     `json:"source"`
	Loop       LoopConfig       `json:"loop"`
	X          XConfig          `json:"x"`
	Metrics    MetricsConfig    `json:"metrics"`
	Notify     NotifyConfig     `json:"notify"`

	// Simulation gates every action normally but never calls the executor.
	Simulation bool `json:"simulation"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/cadencebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite | none
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type DedupConfig struct {
	// Scope is "per_kind" (like and follow recorded separately) or "global"
	// (the first action on an item blocks every later one).
	Scope string `json:"scope"`
}

type QuotaConfig struct {
	// Persist keeps daily counts across restarts.
	Persist *bool `json:"persist,omitempty"`
	// ResetSchedule is a 5-field cron expression evaluated in sessions.timezone.
	ResetSchedule string `json:"reset_schedule,omitempty"`
}

type ActionConfig struct {
	Enabled         *bool        `json:"enabled,omitempty"`
	IntervalSeconds SecondsRange `json:"interval_seconds"`
	// DailyCap limits executions per reset period. 0 allows none.
	DailyCap *int `json:"daily_cap,omitempty"`
	// RatePerMinute is an optional hard request ceiling on top of cadence. 0 disables it.
	RatePerMinute float64 `json:"rate_per_minute,omitempty"`
}

type MicroBreakConfig struct {
	// TriggerCount is the per-kind execution count that starts a pause. 0 disables.
	TriggerCount *int         `json:"trigger_count,omitempty"`
	Seconds      SecondsRange `json:"seconds"`
}

// SessionsConfig restricts actions to time-of-day windows.
//
// Windows and Blackout are "HH:MM-HH:MM" ranges; a range whose end is before
// its start wraps past midnight.
type SessionsConfig struct {
	Enabled  bool     `json:"enabled"`
	Timezone string   `json:"timezone,omitempty"` // IANA name; default UTC
	Windows  []string `json:"windows,omitempty"`
	Blackout string   `json:"blackout,omitempty"`
}

type FiltersConfig struct {
	MinFollowers    int      `json:"min_followers,omitempty"`
	MaxFollowers    int      `json:"max_followers,omitempty"`
	Languages       []string `json:"languages,omitempty"`
	MaxAgeHours     float64  `json:"max_age_hours,omitempty"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty"`
	SkipRetweets    *bool    `json:"skip_retweets,omitempty"`
	SkipReplies     *bool    `json:"skip_replies,omitempty"`
}

type SourceConfig struct {
	// QueriesPath is a .txt (one per line) or .csv ("query" column) file.
	QueriesPath string `json:"queries_path,omitempty"`
	// Queries is used when QueriesPath is empty.
	Queries []string `json:"queries,omitempty"`

	MaxPages         int          `json:"max_pages,omitempty"`
	PageDelaySeconds SecondsRange `json:"page_delay_seconds"`
	// RetryMax is the number of retries after the first attempt. 0 disables retries.
	RetryMax         *int         `json:"retry_max,omitempty"`
	RetryBase        string       `json:"retry_base,omitempty"`
	RetryMaxDelay    string       `json:"retry_max_delay,omitempty"`
	PagesPerMinute   float64      `json:"pages_per_minute,omitempty"`
}

type LoopConfig struct {
	PollInterval      string       `json:"poll_interval,omitempty"`
	MinSleep          string       `json:"min_sleep,omitempty"`
	IdleJitterSeconds SecondsRange `json:"idle_jitter_seconds"`
	MaxCycles         int          `json:"max_cycles,omitempty"`
}

type XConfig struct {
	CookiesPath   string `json:"cookies_path"`
	Headless      *bool  `json:"headless,omitempty"`
	UserDataDir   string `json:"user_data_dir,omitempty"`
	ActionTimeout string `json:"action_timeout,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
//
// Prefer binding to localhost; the endpoint has no authentication.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Path    string `json:"path,omitempty"` // default "/metrics"
	// Pprof also serves net/http/pprof under /debug/pprof/ on the same address.
	Pprof bool `json:"pprof,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	// RatePerMinute bounds outgoing messages. Default 20.
	RatePerMinute float64 `json:"rate_per_minute,omitempty"`
	// Events selects which events are forwarded. Default: auth failures,
	// halts, micro-breaks and cycle summaries with activity.
	Events []string `json:"events,omitempty"`
}
