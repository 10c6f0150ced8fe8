package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const minimalJSON = `{
  "telegram": {"token": "123:abc", "chat_id": -1001},
  "sources": [{"url": "https://www.facebook.com/groups/tlv_rentals/"}]
}`

const minimalYAML = `
telegram:
  token: "123:abc"
  chat_id: -1001
sources:
  - url: https://www.facebook.com/groups/tlv_rentals/
    max_items: 10
criteria:
  max_price: 6500
  excluded_keywords: [sublet, roommate]
pipeline:
  interval: "*/20 7-23 * * *"
  downtime:
    enabled: true
    start: "23:00"
    duration: 7h
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func noEnv(string) string { return "" }

func TestDecodeJSONAndDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", minimalJSON))
	m.SetGetenv(noEnv)
	cfg, err := m.Load()
	require.NoError(t, err)

	require.Equal(t, "tlv_rentals", cfg.Sources[0].ID)
	require.True(t, cfg.Sources[0].IsEnabled())
	require.Equal(t, DefaultInterval, cfg.Pipeline.Interval)
	require.Equal(t, DefaultMaxItemsPerSource, cfg.Pipeline.MaxItemsPerSource)
	require.Equal(t, DefaultModel, cfg.Classifier.Model)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, DefaultStoragePath, cfg.Storage.Path)
	require.Equal(t, int64(-1001), cfg.Telegram.LogChatID)
	require.True(t, cfg.Classifier.IsEnabled())
	require.True(t, cfg.Browser.IsHeadless())
	require.Same(t, cfg, m.Get())
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(minimalYAML))
	require.NoError(t, err)
	cfg.Normalize()
	require.NoError(t, cfg.Validate())

	require.Equal(t, 10, cfg.Sources[0].MaxItems)
	require.Equal(t, 6500.0, cfg.Criteria.MaxPrice)
	require.Equal(t, []string{"sublet", "roommate"}, cfg.Criteria.ExcludedKeywords)
	require.True(t, cfg.Pipeline.Downtime.Enabled)
	require.Equal(t, "7h", cfg.Pipeline.Downtime.Duration)
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, path, body, want string
	}{
		{"unknown json", "c.json", `{"telegram":{"tokn":"x"}}`, "unknown field"},
		{"trailing", "c.json", `{} {}`, "trailing data"},
		{"unknown yaml", "c.yml", "pipeline:\n  intervall: 5m\n", "unknown field"},
		{"bad yaml", "c.yaml", "a: [1,\n", "yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tc.path, []byte(tc.body))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestEnvOverridesToken(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{
  "telegram": {"chat_id": 5},
  "sources": [{"id": "a", "url": "https://example.com/groups/a"}]
}`))
	m.SetGetenv(func(k string) string {
		if k == EnvTelegramToken {
			return " 999:env "
		}
		return ""
	})
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "999:env", cfg.Telegram.Token)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()
	off := false
	cfg := &Config{
		Sources: []SourceConfig{
			{ID: "x", URL: "not a url"},
			{ID: "x", URL: "https://example.com", Enabled: &off},
		},
		Storage:  StorageConfig{Driver: "postgres"},
		Pipeline: PipelineConfig{Interval: "whenever", Timezone: "Mars/Olympus"},
		Notifier: NotifierConfig{RetryBase: "-1s"},
		Criteria: CriteriaConfig{MaxPrice: -1},
	}
	cfg.Normalize()
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"telegram.token",
		"telegram.chat_id",
		"storage.driver",
		"sources[0].url",
		"sources[1].id",
		"pipeline.interval",
		"pipeline.timezone",
		"notifier.retry_base",
		"criteria",
	} {
		require.Contains(t, msg, want)
	}
}

func TestSourceIDFromURL(t *testing.T) {
	t.Parallel()
	require.Equal(t, "haifa", sourceIDFromURL("https://www.facebook.com/groups/haifa/?sorting=CHRONOLOGICAL", 0))
	require.Equal(t, "source-3", sourceIDFromURL("https://example.com/feed", 2))
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a, err := Decode("a.json", []byte(minimalJSON))
	require.NoError(t, err)
	a.Normalize()
	b := *a
	b.Telegram.Token = "456:def"
	b.Pipeline.Interval = "10m"
	b.Criteria.MaxPrice = 5000

	changed, attrs, restart := SummarizeChange(a, &b)
	require.Equal(t, []string{"telegram", "pipeline", "criteria"}, changed)
	require.Equal(t, []string{"telegram"}, restart)
	require.NotEmpty(t, attrs)

	changed, _, restart = SummarizeChange(a, a)
	require.Empty(t, changed)
	require.Empty(t, restart)
}

func TestWatchPublishesValidReloads(t *testing.T) {
	path := writeFile(t, "config.json", minimalJSON)
	m := NewManager(path)
	m.SetGetenv(noEnv)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)

	// Invalid content is rejected and never published.
	require.NoError(t, os.WriteFile(path, []byte(`{"telegram":`), 0o600))
	select {
	case cfg := <-ch:
		t.Fatalf("unexpected publish: %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}

	updated := strings.Replace(minimalJSON, `"chat_id": -1001`, `"chat_id": -1002`, 1)
	deadline := time.After(5 * time.Second)
	for {
		require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
		select {
		case cfg := <-ch:
			require.Equal(t, int64(-1002), cfg.Telegram.ChatID)
			require.Equal(t, int64(-1002), m.Get().Telegram.ChatID)
			return
		case <-time.After(500 * time.Millisecond):
		case <-deadline:
			t.Fatal("reload not published")
		}
	}
}
