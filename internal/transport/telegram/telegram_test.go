package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	kit "rentwatch/internal/transport"
	logx "rentwatch/pkg/logx"
)

const testToken = "123:abc"

type fakeAPI struct {
	mu    sync.Mutex
	texts []string
	reply func(text string) (int, string)
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bot" + testToken + "/getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":123,"is_bot":true,"first_name":"rw","username":"rentwatch_bot"}}`))
			return
		case "/bot" + testToken + "/sendMessage":
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		text, _ := body["text"].(string)
		f.mu.Lock()
		f.texts = append(f.texts, text)
		f.mu.Unlock()

		code, resp := http.StatusOK, `{"ok":true,"result":{"message_id":42,"date":1700000000,"chat":{"id":100,"type":"private"},"text":"ok"}}`
		if f.reply != nil {
			code, resp = f.reply(text)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(resp))
	})
}

func newTestAdapter(t *testing.T, f *fakeAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: testToken, APIURL: srv.URL, Timeout: 2 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestSendTextAndMe(t *testing.T) {
	t.Parallel()
	f := &fakeAPI{}
	a := newTestAdapter(t, f)

	ref, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 100}, "<b>hi</b>", &kit.SendOptions{ParseMode: "HTML"})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref.MessageID != 42 || ref.ChatID != 100 {
		t.Fatalf("ref=%+v", ref)
	}
	me, err := a.Me(context.Background())
	if err != nil || me.Username != "rentwatch_bot" || me.ID != 123 {
		t.Fatalf("Me=%+v err=%v", me, err)
	}
}

func TestSendTextSplitsLongMessages(t *testing.T) {
	t.Parallel()
	f := &fakeAPI{}
	a := newTestAdapter(t, f)

	line := strings.Repeat("x", 99) + "\n"
	if _, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 100}, strings.Repeat(line, 90), nil); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) != 3 {
		t.Fatalf("sent %d chunks, want 3", len(f.texts))
	}
	for _, s := range f.texts {
		if n := len([]rune(s)); n > textLimit {
			t.Fatalf("chunk of %d runes", n)
		}
	}
}

func TestSendTextErrorKinds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		code  int
		body  string
		check func(error) bool
	}{
		{"flood", http.StatusTooManyRequests,
			`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`,
			func(err error) bool {
				var ra *kit.RetryAfterError
				return errors.As(err, &ra) && ra.After == 3*time.Second
			}},
		{"blocked", http.StatusForbidden,
			`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`,
			func(err error) bool { return errors.Is(err, kit.ErrRejected) }},
		{"chat not found", http.StatusBadRequest,
			`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
			func(err error) bool { return errors.Is(err, kit.ErrRejected) }},
		{"bad markup", http.StatusBadRequest,
			`{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities: Unsupported start tag \"x\" at byte offset 0"}`,
			func(err error) bool { return errors.Is(err, kit.ErrBadMarkup) && !errors.Is(err, kit.ErrRejected) }},
		{"server error is transient", http.StatusInternalServerError,
			`{"ok":false,"error_code":500,"description":"Internal Server Error"}`,
			func(err error) bool {
				var ra *kit.RetryAfterError
				return err != nil && !errors.Is(err, kit.ErrRejected) && !errors.Is(err, kit.ErrBadMarkup) && !errors.As(err, &ra)
			}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeAPI{reply: func(string) (int, string) { return tc.code, tc.body }}
			a := newTestAdapter(t, f)
			_, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 100}, "hi", nil)
			if !tc.check(err) {
				t.Fatalf("unexpected error classification: %v", err)
			}
		})
	}
}

func TestSendTextRespectsCancelledContext(t *testing.T) {
	t.Parallel()
	f := &fakeAPI{}
	a := newTestAdapter(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.SendText(ctx, kit.ChatTarget{ChatID: 100}, "hi", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if len(f.texts) != 0 {
		t.Fatalf("message sent despite cancelled context")
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: " "}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestSplitTextAvoidsHTMLTags(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 8) + "<b>bold</b>"
	chunks := splitText(s, 10, "HTML")
	if len(chunks) < 2 || chunks[0] != strings.Repeat("a", 8) {
		t.Fatalf("chunks=%q", chunks)
	}
	if got := splitText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short=%q", got)
	}
}
