package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"rentwatch/internal/post"
	logx "rentwatch/pkg/logx"
)

type backendFunc func(ctx context.Context, prompt string) (string, error)

func (f backendFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

var testCriteria = Criteria{MaxPrice: 5900, MinRooms: 3, ExcludedKeywords: []string{"למכירה"}}

func item(content string) post.Item {
	return post.Item{Fingerprint: "c:test", Content: content, State: post.StateNew}
}

func TestGatewayPrimaryPath(t *testing.T) {
	t.Parallel()
	g := NewGateway(backendFunc(func(context.Context, string) (string, error) {
		return "Match", nil
	}), Config{Enabled: true, Timeout: time.Second}, logx.Nop())

	res := g.Classify(context.Background(), item("4 rooms, 5,500 ₪"), testCriteria)
	if !res.Verdict.Match || res.Verdict.Path != post.PathPrimary || res.Verdict.FallbackCause != "" {
		t.Fatalf("verdict=%+v", res.Verdict)
	}
	if len(res.Matched) != 2 {
		t.Fatalf("matched=%v", res.Matched)
	}
	if !res.Facts.HasPrice || res.Facts.Price != 5500 {
		t.Fatalf("facts=%+v", res.Facts)
	}
}

func TestGatewayFallbackCauses(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		backend Backend
		enabled bool
		cause   string
	}{
		{"disabled", backendFunc(func(context.Context, string) (string, error) { return "match", nil }), false, CauseDisabled},
		{"unavailable", backendFunc(func(context.Context, string) (string, error) {
			return "", errors.New("connection refused")
		}), true, CauseUnavailable},
		{"malformed answer", backendFunc(func(context.Context, string) (string, error) { return "perhaps", nil }), true, CauseMalformed},
		{"negative prose", backendFunc(func(context.Context, string) (string, error) { return "Doesn't match.", nil }), true, CauseMalformed},
		{"malformed body", backendFunc(func(context.Context, string) (string, error) { return "", ErrMalformed }), true, CauseMalformed},
		{"timeout", backendFunc(func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}), true, CauseTimeout},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g := NewGateway(tc.backend, Config{Enabled: tc.enabled, Timeout: 20 * time.Millisecond}, logx.Nop())
			res := g.Classify(context.Background(), item("3 rooms, price negotiable"), testCriteria)
			v := res.Verdict
			if v.Path != post.PathFallback || v.FallbackCause != tc.cause {
				t.Fatalf("verdict=%+v want fallback/%s", v, tc.cause)
			}
			// Unknown price and no excluded keyword: fallback accepts.
			if !v.Match {
				t.Fatalf("fallback rejected: %+v", v)
			}
		})
	}
}

func TestGatewayBreakerSkipsBackend(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	g := NewGateway(backendFunc(func(context.Context, string) (string, error) {
		calls.Add(1)
		return "", errors.New("down")
	}), Config{Enabled: true, Timeout: time.Second, Breaker: BreakerConfig{TripFailures: 2, BaseDelay: time.Minute}}, logx.Nop())
	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if c := g.Classify(context.Background(), item("x"), testCriteria).Verdict.FallbackCause; c != CauseUnavailable {
			t.Fatalf("call %d cause=%s", i, c)
		}
	}
	res := g.Classify(context.Background(), item("x"), testCriteria)
	if res.Verdict.FallbackCause != CauseCircuitOpen {
		t.Fatalf("cause=%s want circuit_open", res.Verdict.FallbackCause)
	}
	if calls.Load() != 2 {
		t.Fatalf("backend calls=%d want 2", calls.Load())
	}

	now = now.Add(2 * time.Minute)
	g.Classify(context.Background(), item("x"), testCriteria)
	if calls.Load() != 3 {
		t.Fatalf("backend not retried after cooldown: calls=%d", calls.Load())
	}
}

func TestGatewayCancelledCallerDoesNotTripBreaker(t *testing.T) {
	t.Parallel()
	g := NewGateway(backendFunc(func(ctx context.Context, _ string) (string, error) {
		return "", ctx.Err()
	}), Config{Enabled: true, Breaker: BreakerConfig{TripFailures: 1}}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g.Classify(ctx, item("x"), testCriteria)
	if open, _ := g.br.isOpen(time.Now()); open {
		t.Fatalf("breaker opened on caller cancellation")
	}
}

func TestOllamaBackend(t *testing.T) {
	t.Parallel()
	var gotReq generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"model":"llama3:8b","response":" no match","done":true}`))
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"mistral:latest"},{"name":"llama3:8b"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{Endpoint: srv.URL + "/", Model: "llama3"})
	g := NewGateway(o, Config{Enabled: true, Timeout: 2 * time.Second}, logx.Nop())
	res := g.Classify(context.Background(), item("2 rooms for rent"), testCriteria)
	if res.Verdict.Match || res.Verdict.Path != post.PathPrimary {
		t.Fatalf("verdict=%+v", res.Verdict)
	}
	if gotReq.Model != "llama3" || gotReq.Stream || gotReq.Options.Temperature != 0 || gotReq.Options.Seed == 0 {
		t.Fatalf("request=%+v", gotReq)
	}
	if err := g.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}

	missing := NewGateway(NewOllama(OllamaConfig{Endpoint: srv.URL, Model: "qwen2"}), Config{Enabled: true}, logx.Nop())
	if err := missing.Check(context.Background()); err == nil {
		t.Fatalf("Check succeeded for a missing model")
	}
}

func TestOllamaStatusErrorFallsBack(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{Endpoint: srv.URL, Model: "llama3"})
	_, err := o.Generate(context.Background(), "p")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("err=%v want StatusError 404", err)
	}

	g := NewGateway(o, Config{Enabled: true, Timeout: time.Second}, logx.Nop())
	res := g.Classify(context.Background(), item("4 rooms, 9,000 ₪"), testCriteria)
	if res.Verdict.Path != post.PathFallback || res.Verdict.FallbackCause != CauseUnavailable || res.Verdict.Match {
		t.Fatalf("verdict=%+v", res.Verdict)
	}
}
