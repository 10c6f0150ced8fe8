package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("30s", "10m", "7h").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Sources    []SourceConfig   `json:"sources"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Classifier ClassifierConfig `json:"classifier"`
	Criteria   CriteriaConfig   `json:"criteria"`
	Notifier   NotifierConfig   `json:"notifier"`
	Browser    BrowserConfig    `json:"browser"`
	Events     EventsConfig     `json:"events"`
	Debug      DebugConfig      `json:"debug"`
}

// TelegramConfig is the delivery destination. The token may come from
// RENTWATCH_TELEGRAM_TOKEN instead of the file.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// LogChatID receives WARN+ log lines when logging.telegram is enabled.
	// Defaults to ChatID.
	LogChatID   int64  `json:"log_chat_id,omitempty"`
	LogThreadID int    `json:"log_thread_id,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	// APIURL overrides the Bot API base URL (self-hosted servers, tests).
	APIURL string `json:"api_url,omitempty"`
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

// StorageConfig selects the item store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./rentwatch.db", "retention": "720h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Retention prunes completed items older than this, once a day.
	// Empty or "0s" keeps everything.
	Retention string `json:"retention,omitempty"`
}

type SourceConfig struct {
	ID  string `json:"id"`
	URL string `json:"url"`
	// Enabled defaults to true when omitted.
	Enabled  *bool `json:"enabled,omitempty"`
	MaxItems int   `json:"max_items,omitempty"`
}

func (s SourceConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// PipelineConfig controls cycle timing.
//
// Interval accepts a duration ("15m"), HH:MM ("00:30") or a cron expression
// ("*/20 7-23 * * *", "@hourly").
type PipelineConfig struct {
	Interval             string         `json:"interval"`
	MaxItemsPerSource    int            `json:"max_items_per_source"`
	SourceDelay          string         `json:"source_delay,omitempty"`
	Timezone             string         `json:"timezone,omitempty"`
	Downtime             DowntimeConfig `json:"downtime"`
	PendingLimit         int            `json:"pending_limit,omitempty"`
	SummaryNotifications bool           `json:"summary_notifications,omitempty"`
	ErrorNotifications   bool           `json:"error_notifications,omitempty"`
}

// DowntimeConfig is a daily quiet window, e.g. start "23:00", duration "7h".
type DowntimeConfig struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"`
	Duration string `json:"duration"`
}

type ClassifierConfig struct {
	// Enabled defaults to true; false always uses the offline heuristic.
	Enabled     *bool         `json:"enabled,omitempty"`
	Endpoint    string        `json:"endpoint"`
	Model       string        `json:"model"`
	Timeout     string        `json:"timeout,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Circuit     CircuitConfig `json:"circuit"`
}

func (c ClassifierConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// CircuitConfig controls the backend circuit breaker. trip_failures < 0
// disables it.
type CircuitConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

// CriteriaConfig is what the operator is looking for. Every field is
// optional.
type CriteriaConfig struct {
	MaxPrice         float64  `json:"max_price,omitempty"`
	MinRooms         float64  `json:"min_rooms,omitempty"`
	RequiredKeywords []string `json:"required_keywords,omitempty"`
	ExcludedKeywords []string `json:"excluded_keywords,omitempty"`
	Intent           string   `json:"intent,omitempty"`
}

// NotifierConfig controls delivery pacing and retries.
//
// retry_max counts retries after the first attempt: the default 2 gives
// three attempts; a negative value disables retries.
type NotifierConfig struct {
	RatePerSec    int     `json:"rate_per_sec,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	MaxRetryAfter string  `json:"max_retry_after,omitempty"`
	ExcerptRunes  int     `json:"excerpt_runes,omitempty"`
}

type BrowserConfig struct {
	// Headless defaults to true.
	Headless          *bool  `json:"headless,omitempty"`
	UserDataDir       string `json:"user_data_dir"`
	Bin               string `json:"bin,omitempty"`
	ControlURL        string `json:"control_url,omitempty"`
	NavigationTimeout string `json:"navigation_timeout,omitempty"`
	ScrollRounds      int    `json:"scroll_rounds,omitempty"`
	ScrollPause       string `json:"scroll_pause,omitempty"`
	MinContentRunes   int    `json:"min_content_runes,omitempty"`
	// StopAfterKnown stops scrolling once that many trailing posts are
	// already stored; negative disables it.
	StopAfterKnown int `json:"stop_after_known,omitempty"`
}

func (b BrowserConfig) IsHeadless() bool { return b.Headless == nil || *b.Headless }

// EventsConfig enables the NATS event bridge when NatsURL is set.
type EventsConfig struct {
	NatsURL       string `json:"nats_url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}

// DebugConfig enables the operator HTTP endpoint (/healthz, /status,
// /debug/pprof/). A non-loopback addr needs a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
