package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rentwatch/internal/config"
	"rentwatch/internal/eventbus"
	"rentwatch/internal/fetch"
	"rentwatch/internal/post"
)

const testToken = "123:abc"

type botAPI struct {
	mu    sync.Mutex
	texts []string
}

func (b *botAPI) sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.texts...)
}

func (b *botAPI) serve(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/bot" + testToken + "/getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"rw","username":"rentwatch_bot"}}`))
		case "/bot" + testToken + "/sendMessage":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			text, _ := body["text"].(string)
			b.mu.Lock()
			b.texts = append(b.texts, text)
			b.mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":1700000000,"chat":{"id":100,"type":"group"},"text":"ok"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// keywordBackend answers "no match" for sublets and "match" otherwise.
type keywordBackend struct{ calls atomic.Int32 }

func (k *keywordBackend) Generate(_ context.Context, prompt string) (string, error) {
	k.calls.Add(1)
	if strings.Contains(strings.ToLower(prompt), "sublet") {
		return "no match", nil
	}
	return "match", nil
}

func feed(items ...post.RawItem) fetch.Func {
	return func(_ context.Context, _ fetch.Source, max int) ([]post.RawItem, error) {
		if max > 0 && len(items) > max {
			return items[:max], nil
		}
		return items, nil
	}
}

var listings = []post.RawItem{
	{Content: "3 rooms in Florentin, 5,500 ₪ per month", Link: "https://www.facebook.com/groups/tlv/posts/1/"},
	{Content: "Summer sublet, 2 rooms, 4,000 ₪", Link: "https://www.facebook.com/groups/tlv/posts/2/"},
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func writeConfig(t *testing.T, apiURL string, extra string) string {
	t.Helper()
	body := fmt.Sprintf(`{
  "telegram": {"token": %q, "chat_id": 100, "api_url": %q, "send_timeout": "2s"},
  "logging": {"level": "error"},
  "storage": {"driver": "memory"%s},
  "sources": [{"id": "tlv", "url": "https://www.facebook.com/groups/tlv/"}],
  "pipeline": {"interval": "30m", "source_delay": "0s", "timezone": "UTC"},
  "classifier": {"timeout": "2s"},
  "notifier": {"retry_base": "1ms", "retry_max_delay": "2ms"}
}`, testToken, apiURL, extra)
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func newTestApp(t *testing.T, extra string, opts ...Option) (*App, *botAPI) {
	t.Helper()
	api := &botAPI{}
	srv := api.serve(t)
	base := []Option{
		WithGetenv(func(string) string { return "" }),
		WithBackend(&keywordBackend{}),
		WithFetcher(feed(listings...)),
	}
	a, err := New(writeConfig(t, srv.URL, extra), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background(), StopCompleted) })
	return a, api
}

func TestOnceClassifiesAndDelivers(t *testing.T) {
	t.Parallel()
	a, api := newTestApp(t, "")
	ctx := context.Background()

	rep, err := a.Once(ctx)
	require.NoError(t, err)
	tot := rep.Totals()
	require.Equal(t, 2, tot.New)
	require.Equal(t, 1, tot.Notified)
	require.Equal(t, 1, tot.Suppressed)
	require.Len(t, api.sent(), 1)
	require.Contains(t, api.sent()[0], "Florentin")

	// A second cycle sees the same posts as known and sends nothing.
	rep, err = a.Once(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Totals().Known)
	require.Len(t, api.sent(), 1)

	st, err := a.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.Total)
	require.Equal(t, 1, st.Notified)
	require.Equal(t, 1, st.Suppressed)
}

func TestSelfTestReportsEveryComponent(t *testing.T) {
	t.Parallel()
	a, api := newTestApp(t, "")

	checks := a.SelfTest(context.Background(), true)
	names := make([]string, 0, len(checks))
	for _, c := range checks {
		names = append(names, c.Name)
		require.Truef(t, c.OK, "%s: %s", c.Name, c.Detail)
	}
	require.Equal(t, []string{"storage", "classifier", "telegram", "sources", "schedule", "test message"}, names)
	require.True(t, Passed(checks))
	require.Len(t, api.sent(), 1)
	require.Contains(t, checks[2].Detail, "@rentwatch_bot")
}

func TestPruneUsesRetentionOrAge(t *testing.T) {
	t.Parallel()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a, _ := newTestApp(t, "", WithClock(clk.Now))
	ctx := context.Background()

	_, err := a.Prune(ctx, 0)
	require.Error(t, err)

	_, err = a.Once(ctx)
	require.NoError(t, err)

	n, err := a.Prune(ctx, time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Add(2 * time.Hour)
	n, err = a.Prune(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"sources": []}`), 0o600))
	_, err := New(p, WithGetenv(func(string) string { return "" }))
	require.Error(t, err)
	require.Contains(t, err.Error(), "telegram.token")
}

func TestApplyPublishesConfigEvent(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, "")
	events, unsub := a.bus.Subscribe(8)
	defer unsub()

	prev := a.Config()
	next := *prev
	next.Criteria = config.CriteriaConfig{MaxPrice: 5000}
	next.Storage.Path = "./elsewhere.db"
	a.apply(prev, &next)

	select {
	case e := <-events:
		require.Equal(t, eventbus.TypeConfigApplied, e.Type)
		ce, ok := e.Data.(eventbus.ConfigEvent)
		require.True(t, ok)
		require.Contains(t, ce.Changed, "criteria")
		require.Equal(t, []string{"storage"}, ce.Restart)
	case <-time.After(2 * time.Second):
		t.Fatal("no config event")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	a, api := newTestApp(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return len(api.sent()) == 1 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}
