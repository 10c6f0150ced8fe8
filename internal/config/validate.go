package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"rentwatch/internal/observability/debugsrv"
	"rentwatch/internal/schedule"
)

const (
	EnvTelegramToken = "RENTWATCH_TELEGRAM_TOKEN"

	DefaultInterval          = "30m"
	DefaultMaxItemsPerSource = 50
	DefaultSourceDelay       = "5s"
	DefaultModel             = "llama3.2:3b"
	DefaultClassifierTimeout = "30s"
	DefaultStoragePath       = "./data/rentwatch.db"
	DefaultFileStorePath     = "./data/rentwatch_store"
	DefaultUserDataDir       = "./browser_data"
)

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}
	if tok := strings.TrimSpace(getenv(EnvTelegramToken)); tok != "" {
		c.Telegram.Token = tok
	}
}

// Normalize trims values and fills defaults for omitted fields.
func (c *Config) Normalize() {
	c.Telegram.Token = strings.TrimSpace(c.Telegram.Token)

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		switch c.Storage.Driver {
		case "file":
			c.Storage.Path = DefaultFileStorePath
		case "sqlite", "sqlite3":
			c.Storage.Path = DefaultStoragePath
		}
	}

	for i := range c.Sources {
		c.Sources[i].ID = strings.TrimSpace(c.Sources[i].ID)
		c.Sources[i].URL = strings.TrimSpace(c.Sources[i].URL)
		if c.Sources[i].ID == "" {
			c.Sources[i].ID = sourceIDFromURL(c.Sources[i].URL, i)
		}
	}

	if strings.TrimSpace(c.Pipeline.Interval) == "" {
		c.Pipeline.Interval = DefaultInterval
	}
	if c.Pipeline.MaxItemsPerSource <= 0 {
		c.Pipeline.MaxItemsPerSource = DefaultMaxItemsPerSource
	}
	if strings.TrimSpace(c.Pipeline.SourceDelay) == "" {
		c.Pipeline.SourceDelay = DefaultSourceDelay
	}

	if strings.TrimSpace(c.Classifier.Model) == "" {
		c.Classifier.Model = DefaultModel
	}
	if strings.TrimSpace(c.Classifier.Timeout) == "" {
		c.Classifier.Timeout = DefaultClassifierTimeout
	}

	if strings.TrimSpace(c.Browser.UserDataDir) == "" {
		c.Browser.UserDataDir = DefaultUserDataDir
	}
	if c.Telegram.LogChatID == 0 {
		c.Telegram.LogChatID = c.Telegram.ChatID
	}
}

// sourceIDFromURL derives a readable id from a group URL
// (".../groups/tlv_rentals/" -> "tlv_rentals").
func sourceIDFromURL(raw string, idx int) string {
	if u, err := url.Parse(raw); err == nil {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i := 0; i+1 < len(parts); i++ {
			if parts[i] == "groups" && parts[i+1] != "" {
				return parts[i+1]
			}
		}
	}
	return fmt.Sprintf("source-%d", idx+1)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if c.Telegram.Token == "" {
		add(fmt.Errorf("telegram.token is required (or set %s)", EnvTelegramToken))
	}
	if c.Telegram.ChatID == 0 {
		add(errors.New("telegram.chat_id is required"))
	}
	_, err := ParseDurationField("telegram.send_timeout", c.Telegram.SendTimeout)
	add(err)

	switch c.Storage.Driver {
	case "sqlite", "sqlite3", "file", "memory", "mem":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	add(err)
	_, err = ParseDurationField("storage.retention", c.Storage.Retention)
	add(err)

	seen := map[string]bool{}
	enabled := 0
	for i, s := range c.Sources {
		if s.URL == "" {
			add(fmt.Errorf("sources[%d].url is required", i))
		} else if u, err := url.Parse(s.URL); err != nil || u.Host == "" {
			add(fmt.Errorf("sources[%d].url %q is not an absolute URL", i, s.URL))
		}
		if seen[s.ID] {
			add(fmt.Errorf("sources[%d].id %q is duplicated", i, s.ID))
		}
		seen[s.ID] = true
		if s.MaxItems < 0 {
			add(fmt.Errorf("sources[%d].max_items must be >= 0", i))
		}
		if s.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		add(errors.New("sources: at least one enabled source is required"))
	}

	if _, err := schedule.Parse(c.Pipeline.Interval); err != nil {
		add(fmt.Errorf("pipeline.interval: %w", err))
	}
	_, err = ParseDurationField("pipeline.source_delay", c.Pipeline.SourceDelay)
	add(err)
	if _, err := c.Location(); err != nil {
		add(err)
	}
	if c.Pipeline.Downtime.Enabled {
		if _, err := schedule.ParseDowntime(c.Pipeline.Downtime.Start, c.Pipeline.Downtime.Duration, time.UTC); err != nil {
			add(fmt.Errorf("pipeline.downtime: %w", err))
		}
	}
	if c.Pipeline.PendingLimit < 0 {
		add(errors.New("pipeline.pending_limit must be >= 0"))
	}

	if c.Classifier.IsEnabled() && strings.TrimSpace(c.Classifier.Endpoint) != "" {
		if u, err := url.Parse(c.Classifier.Endpoint); err != nil || u.Host == "" {
			add(fmt.Errorf("classifier.endpoint %q is not an absolute URL", c.Classifier.Endpoint))
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"classifier.timeout", c.Classifier.Timeout},
		{"classifier.circuit.base_delay", c.Classifier.Circuit.BaseDelay},
		{"classifier.circuit.max_delay", c.Classifier.Circuit.MaxDelay},
		{"classifier.circuit.reset_after", c.Classifier.Circuit.ResetAfter},
		{"notifier.retry_base", c.Notifier.RetryBase},
		{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
		{"notifier.max_retry_after", c.Notifier.MaxRetryAfter},
		{"browser.navigation_timeout", c.Browser.NavigationTimeout},
		{"browser.scroll_pause", c.Browser.ScrollPause},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}

	if c.Criteria.MaxPrice < 0 || c.Criteria.MinRooms < 0 {
		add(errors.New("criteria: max_price and min_rooms must be >= 0"))
	}
	if c.Debug.Enabled {
		add(debugsrv.CheckBind(debugsrv.Config{Addr: c.Debug.Addr, Token: c.Debug.Token, AllowInsecure: c.Debug.AllowInsecure}))
	}
	if c.Notifier.RatePerSec < 0 {
		add(errors.New("notifier.rate_per_sec must be >= 0"))
	}

	return errors.Join(errs...)
}

// Location returns the pipeline timezone (local time when unset).
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Pipeline.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("pipeline.timezone: %w", err)
	}
	return loc, nil
}

// ParseDurationField parses an optional non-negative duration. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// MustDuration is for fields already checked by Validate.
func MustDuration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}
