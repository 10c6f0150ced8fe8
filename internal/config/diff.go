package config

import (
	"reflect"
	"strings"

	logx "rentwatch/pkg/logx"
)

// SummarizeChange returns (1) the changed sections, (2) safe structured
// attrs for logging (never the token), and (3) the changed sections that
// only take effect after a restart.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		// The chat targets apply live; the bot client does not.
		if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
			oldCfg.Telegram.APIURL != newCfg.Telegram.APIURL ||
			oldCfg.Telegram.SendTimeout != newCfg.Telegram.SendTimeout {
			restart = append(restart, "telegram")
		}
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage.Driver != newCfg.Storage.Driver ||
		oldCfg.Storage.Path != newCfg.Storage.Path ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	// Sources and cycle settings are applied by replanning the orchestrator.
	if !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources) {
		changed = append(changed, "sources")
		enabled := 0
		for _, s := range newCfg.Sources {
			if s.IsEnabled() {
				enabled++
			}
		}
		attrs = append(attrs, logx.Int("sources.enabled", enabled))
	}

	if oldCfg.Pipeline != newCfg.Pipeline || oldCfg.Storage.Retention != newCfg.Storage.Retention {
		changed = append(changed, "pipeline")
		attrs = append(attrs,
			logx.String("pipeline.interval", strings.TrimSpace(newCfg.Pipeline.Interval)),
			logx.Bool("pipeline.downtime", newCfg.Pipeline.Downtime.Enabled),
			logx.String("storage.retention", newCfg.Storage.Retention),
		)
	}

	if !reflect.DeepEqual(oldCfg.Criteria, newCfg.Criteria) {
		changed = append(changed, "criteria")
		attrs = append(attrs,
			logx.Float64("criteria.max_price", newCfg.Criteria.MaxPrice),
			logx.Float64("criteria.min_rooms", newCfg.Criteria.MinRooms),
		)
	}

	if !reflect.DeepEqual(oldCfg.Classifier, newCfg.Classifier) {
		changed = append(changed, "classifier")
		if oldCfg.Classifier.Endpoint != newCfg.Classifier.Endpoint ||
			oldCfg.Classifier.Model != newCfg.Classifier.Model ||
			!reflect.DeepEqual(oldCfg.Classifier.Temperature, newCfg.Classifier.Temperature) {
			restart = append(restart, "classifier")
		}
		attrs = append(attrs,
			logx.Bool("classifier.enabled", newCfg.Classifier.IsEnabled()),
			logx.String("classifier.model", newCfg.Classifier.Model),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs, logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax))
	}

	if !reflect.DeepEqual(oldCfg.Browser, newCfg.Browser) {
		changed = append(changed, "browser")
		restart = append(restart, "browser")
	}

	if oldCfg.Events != newCfg.Events {
		changed = append(changed, "events")
		restart = append(restart, "events")
		attrs = append(attrs, logx.Bool("events.nats", strings.TrimSpace(newCfg.Events.NatsURL) != ""))
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		restart = append(restart, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	return changed, attrs, restart
}
