package app

import (
	"fmt"
	"time"

	"rentwatch/internal/classifier"
	"rentwatch/internal/config"
	"rentwatch/internal/fetch"
	"rentwatch/internal/fetch/browser"
	"rentwatch/internal/notifier"
	"rentwatch/internal/pipeline"
	"rentwatch/internal/schedule"
	"rentwatch/internal/storage"
	kit "rentwatch/internal/transport"
	"rentwatch/internal/transport/telegram"
	logx "rentwatch/pkg/logx"
)

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:   cfg.Telegram.Token,
		APIURL:  cfg.Telegram.APIURL,
		Timeout: timeout,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.LogChatID,
			ThreadID:   cfg.Telegram.LogThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapOllamaConfig(cfg *config.Config) classifier.OllamaConfig {
	oc := classifier.OllamaConfig{
		Endpoint: cfg.Classifier.Endpoint,
		Model:    cfg.Classifier.Model,
	}
	if cfg.Classifier.Temperature != nil {
		oc.Temperature = *cfg.Classifier.Temperature
	}
	return oc
}

func mapGatewayConfig(cfg *config.Config) (classifier.Config, error) {
	c := cfg.Classifier
	timeout, err := config.ParseDurationOrDefault("classifier.timeout", c.Timeout, classifier.DefaultTimeout)
	if err != nil {
		return classifier.Config{}, err
	}
	base, err := config.ParseDurationField("classifier.circuit.base_delay", c.Circuit.BaseDelay)
	if err != nil {
		return classifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("classifier.circuit.max_delay", c.Circuit.MaxDelay)
	if err != nil {
		return classifier.Config{}, err
	}
	reset, err := config.ParseDurationField("classifier.circuit.reset_after", c.Circuit.ResetAfter)
	if err != nil {
		return classifier.Config{}, err
	}
	return classifier.Config{
		Enabled: c.IsEnabled(),
		Timeout: timeout,
		Breaker: classifier.BreakerConfig{
			TripFailures: c.Circuit.TripFailures,
			BaseDelay:    base,
			MaxDelay:     maxDelay,
			ResetAfter:   reset,
		},
	}, nil
}

func mapCriteria(cfg *config.Config) classifier.Criteria {
	c := cfg.Criteria
	return classifier.Criteria{
		MaxPrice:         c.MaxPrice,
		MinRooms:         c.MinRooms,
		RequiredKeywords: append([]string(nil), c.RequiredKeywords...),
		ExcludedKeywords: append([]string(nil), c.ExcludedKeywords...),
		Intent:           c.Intent,
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	loc, err := cfg.Location()
	if err != nil {
		return notifier.Config{}, err
	}
	nc := notifier.Config{
		Target:       kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
		RatePerSec:   n.RatePerSec,
		RetryMax:     n.RetryMax,
		ExcerptRunes: n.ExcerptRunes,
		Location:     loc,
	}
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"notifier.retry_base", n.RetryBase, &nc.RetryBase},
		{"notifier.retry_max_delay", n.RetryMaxDelay, &nc.RetryMaxDelay},
		{"notifier.max_retry_after", n.MaxRetryAfter, &nc.MaxRetryAfter},
		{"telegram.send_timeout", cfg.Telegram.SendTimeout, &nc.SendTimeout},
	} {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return notifier.Config{}, err
		}
		*f.dst = d
	}
	return nc, nil
}

func mapBrowserConfig(cfg *config.Config) (browser.Config, error) {
	b := cfg.Browser
	nav, err := config.ParseDurationField("browser.navigation_timeout", b.NavigationTimeout)
	if err != nil {
		return browser.Config{}, err
	}
	pause, err := config.ParseDurationField("browser.scroll_pause", b.ScrollPause)
	if err != nil {
		return browser.Config{}, err
	}
	return browser.Config{
		Headless:          b.IsHeadless(),
		UserDataDir:       b.UserDataDir,
		Bin:               b.Bin,
		ControlURL:        b.ControlURL,
		NavigationTimeout: nav,
		ScrollRounds:      b.ScrollRounds,
		ScrollPause:       pause,
		MinContentRunes:   b.MinContentRunes,
		StopAfterKnown:    b.StopAfterKnown,
	}, nil
}

func mapSources(cfg *config.Config) []fetch.Source {
	out := make([]fetch.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if !s.IsEnabled() {
			continue
		}
		out = append(out, fetch.Source{ID: s.ID, URL: s.URL, MaxItems: s.MaxItems})
	}
	return out
}

func mapPipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	p := cfg.Pipeline
	loc, err := cfg.Location()
	if err != nil {
		return pipeline.Config{}, err
	}
	spec, err := schedule.Parse(p.Interval)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("pipeline.interval: %w", err)
	}
	var dt schedule.Downtime
	if p.Downtime.Enabled {
		dt, err = schedule.ParseDowntime(p.Downtime.Start, p.Downtime.Duration, loc)
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("pipeline.downtime: %w", err)
		}
	}
	delay, err := config.ParseDurationField("pipeline.source_delay", p.SourceDelay)
	if err != nil {
		return pipeline.Config{}, err
	}
	retention, err := config.ParseDurationField("storage.retention", cfg.Storage.Retention)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		Sources:           mapSources(cfg),
		MaxItemsPerSource: p.MaxItemsPerSource,
		Schedule:          spec,
		Downtime:          dt,
		Location:          loc,
		SourceDelay:       delay,
		Criteria:          mapCriteria(cfg),
		PendingLimit:      p.PendingLimit,
		Summary:           p.SummaryNotifications,
		ErrorNotices:      p.ErrorNotifications,
		Retention:         retention,
	}, nil
}
