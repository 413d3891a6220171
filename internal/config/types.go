package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m"). Empty or
// zero values fall back to the component defaults.
type Config struct {
	Telegram   TelegramConfig             `json:"telegram"`
	Logging    LoggingConfig              `json:"logging"`
	Storage    StorageConfig              `json:"storage"`
	Provider   ProviderConfig             `json:"provider"`
	RateLimits map[string]RateLimitConfig `json:"rate_limits,omitempty"`
	Cache      CacheConfig                `json:"cache,omitempty"`
	Poll       PollConfig                 `json:"poll"`
	Stream     StreamConfig               `json:"stream"`
	Fanout     FanoutConfig               `json:"fanout,omitempty"`
	Render     RenderConfig               `json:"render,omitempty"`
	Scheduler  SchedulerConfig            `json:"scheduler,omitempty"`

	// Notifier controls the operator alert pipeline. If omitted it defaults
	// to enabled with the pipeline defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Debug    DebugConfig     `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AlertChat receives operator alerts and the log sink. 0 disables both.
	AlertChat   int64 `json:"alert_chat,omitempty"`
	AlertThread int   `json:"alert_thread,omitempty"`
	// Offline skips the Bot API handshake.
	Offline bool   `json:"offline,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the relational store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./feedwatch.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type ProviderConfig struct {
	BaseURL     string `json:"base_url,omitempty"`
	BearerToken string `json:"bearer_token"`
	// UserToken authorizes user-context endpoints (home timeline, follow).
	UserToken  string `json:"user_token,omitempty"`
	SelfUserID string `json:"self_user_id,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
}

// RateLimitConfig overrides one operation class (keyed by class name, e.g.
// "home_timeline").
type RateLimitConfig struct {
	Capacity     int    `json:"capacity"`
	Period       string `json:"period"`
	DelayedStart string `json:"delayed_start,omitempty"`
	Wait         string `json:"wait,omitempty"`
}

type CacheConfig struct {
	Posts    int `json:"posts,omitempty"`
	Accounts int `json:"accounts,omitempty"`
}

type PollConfig struct {
	Enabled          bool   `json:"enabled"`
	Interval         string `json:"interval,omitempty"`
	PageSize         int    `json:"page_size,omitempty"`
	RateLimitBackoff string `json:"rate_limit_backoff,omitempty"`
	RateLimitRetries int    `json:"rate_limit_retries,omitempty"`
	NetworkRetries   int    `json:"network_retries,omitempty"`
}

type StreamConfig struct {
	Enabled        bool   `json:"enabled"`
	MaxRules       int    `json:"max_rules,omitempty"`
	MaxRuleLen     int    `json:"max_rule_len,omitempty"`
	ResyncDelay    string `json:"resync_delay,omitempty"`
	ReconnectDelay string `json:"reconnect_delay,omitempty"`
	ErrorWindow    string `json:"error_window,omitempty"`
	ErrorThreshold int    `json:"error_threshold,omitempty"`
}

type FanoutConfig struct {
	// RelevanceFollowers is the follower count above which a mentioned
	// account qualifies for mention relay.
	RelevanceFollowers int    `json:"relevance_followers,omitempty"`
	FollowerWindow     int    `json:"follower_window,omitempty"`
	FollowerNoise      int    `json:"follower_noise,omitempty"`
	StaleAfter         string `json:"stale_after,omitempty"`
	TranslateTo        string `json:"translate_to,omitempty"`
	PostURL            string `json:"post_url,omitempty"`
}

type RenderConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DurationWindow int    `json:"duration_window,omitempty"`
	ArtifactDir    string `json:"artifact_dir,omitempty"`
	ArtifactMaxAge string `json:"artifact_max_age,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	PostURL        string `json:"post_url,omitempty"`
	ChromePath     string `json:"chrome_path,omitempty"`
}

// SchedulerConfig holds the maintenance job schedules. Each entry accepts a
// cron spec ("*/5 * * * *", "@hourly"), a Go duration ("55m") or HH:MM
// ("02:30"). An empty schedule uses the default; "off" disables the job.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
	Resync   string `json:"resync,omitempty"`
	Cleanup  string `json:"cleanup,omitempty"`
	Health   string `json:"health,omitempty"`
}

// NotifierConfig controls the async operator alert pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (/metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
