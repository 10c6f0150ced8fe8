package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"rentwatch/internal/eventbus"
	"rentwatch/internal/post"
	kit "rentwatch/internal/transport"
	logx "rentwatch/pkg/logx"
)

type sendCall struct {
	text string
	opt  kit.SendOptions
}

// scriptedSender returns the scripted errors in order, then succeeds.
type scriptedSender struct {
	mu     sync.Mutex
	errs   []error
	calls  []sendCall
	always error
}

func (s *scriptedSender) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sendCall{text: text, opt: *opt})
	if s.always != nil {
		return kit.MessageRef{}, s.always
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(s.calls)}, nil
}

func testDispatcher(s kit.Sender, bus eventbus.Bus) (*Dispatcher, *[]time.Duration) {
	d := New(Config{
		Target:     kit.ChatTarget{ChatID: 100},
		RatePerSec: 1000,
		RetryBase:  time.Second,
	}, s, logx.Nop(), bus)
	var slept []time.Duration
	d.sleep = func(ctx context.Context, dd time.Duration) error {
		slept = append(slept, dd)
		return ctx.Err()
	}
	return d, &slept
}

var matched = post.Item{
	Fingerprint: "l:abc",
	SourceID:    "tlv",
	Content:     "4 rooms, 5,500 ₪, ברחוב הרצל",
	Author:      "Dana",
	Link:        "https://www.facebook.com/groups/tel_aviv_rentals/posts/1/",
	FirstSeen:   time.Unix(1_700_000_000, 0),
	State:       post.StateAnalyzed,
}

var matchVerdict = post.Verdict{Match: true, Path: post.PathPrimary, Reason: "backend answered \"match\""}

func TestNotifyDeliversAndPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	s := &scriptedSender{}
	d, _ := testDispatcher(s, bus)

	res := d.Notify(context.Background(), matched, matchVerdict)
	if !res.Delivered || res.Attempts != 1 || res.Err != nil {
		t.Fatalf("res=%+v", res)
	}
	if len(s.calls) != 1 || s.calls[0].opt.ParseMode != "HTML" {
		t.Fatalf("calls=%+v", s.calls)
	}
	e := <-events
	if e.Type != eventbus.TypeDeliverySent {
		t.Fatalf("event=%s", e.Type)
	}
}

func TestNotifyRetryPolicy(t *testing.T) {
	t.Parallel()
	transient := errors.New("connection reset")
	cases := []struct {
		name      string
		sender    *scriptedSender
		delivered bool
		attempts  int
		sleeps    int
	}{
		{"transient then success", &scriptedSender{errs: []error{transient, transient}}, true, 3, 2},
		{"exhausted", &scriptedSender{always: transient}, false, 3, 2},
		{"rejected stops", &scriptedSender{always: kit.ErrRejected}, false, 1, 0},
		{"flood wait too long", &scriptedSender{always: &kit.RetryAfterError{After: 5 * time.Minute}}, false, 1, 0},
		{"bad markup resent as plain", &scriptedSender{errs: []error{kit.ErrBadMarkup}}, true, 2, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d, slept := testDispatcher(tc.sender, nil)
			res := d.Notify(context.Background(), matched, matchVerdict)
			if res.Delivered != tc.delivered || res.Attempts != tc.attempts {
				t.Fatalf("res=%+v want delivered=%v attempts=%d", res, tc.delivered, tc.attempts)
			}
			if len(*slept) != tc.sleeps {
				t.Fatalf("slept %v want %d sleeps", *slept, tc.sleeps)
			}
			if !tc.delivered && !errors.Is(res.Err, ErrDeliveryFailed) {
				t.Fatalf("err=%v want ErrDeliveryFailed", res.Err)
			}
		})
	}
}

func TestNotifyPlainTextFallbackDropsMarkup(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{errs: []error{kit.ErrBadMarkup}}
	d, _ := testDispatcher(s, nil)
	d.Notify(context.Background(), matched, matchVerdict)
	if len(s.calls) != 2 {
		t.Fatalf("calls=%d", len(s.calls))
	}
	second := s.calls[1]
	if second.opt.ParseMode != "" || strings.Contains(second.text, "<b>") {
		t.Fatalf("second attempt still formatted: %+v", second)
	}
}

func TestNotifyPlainTextResendOutsideRetryBudget(t *testing.T) {
	t.Parallel()
	for _, retryMax := range []int{-1, 1} {
		// Every formatted attempt fails transiently except the last, which
		// is rejected for its markup.
		var errs []error
		for i := 0; i < retryMax; i++ {
			errs = append(errs, errors.New("connection reset"))
		}
		errs = append(errs, kit.ErrBadMarkup)
		s := &scriptedSender{errs: errs}
		d, _ := testDispatcher(s, nil)
		cfg, _ := d.snapshot()
		cfg.RetryMax = retryMax
		d.Apply(cfg)

		res := d.Notify(context.Background(), matched, matchVerdict)
		if !res.Delivered {
			t.Fatalf("retry_max=%d: res=%+v", retryMax, res)
		}
		last := s.calls[len(s.calls)-1]
		if last.opt.ParseMode != "" {
			t.Fatalf("retry_max=%d: last send still formatted: %+v", retryMax, last)
		}
		if want := max(retryMax, 0) + 2; len(s.calls) != want {
			t.Fatalf("retry_max=%d: calls=%d want %d", retryMax, len(s.calls), want)
		}
	}
}

func TestNotifyHonorsRetryAfter(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{errs: []error{&kit.RetryAfterError{After: 30 * time.Second}}}
	d, slept := testDispatcher(s, nil)
	res := d.Notify(context.Background(), matched, matchVerdict)
	if !res.Delivered || len(*slept) != 1 || (*slept)[0] != 30*time.Second {
		t.Fatalf("res=%+v slept=%v", res, *slept)
	}
}

func TestNotifyCancelled(t *testing.T) {
	t.Parallel()
	s := &scriptedSender{always: errors.New("down")}
	d, _ := testDispatcher(s, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := d.Notify(ctx, matched, matchVerdict)
	if res.Delivered || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("res=%+v", res)
	}
}

func TestNotifyWithoutTarget(t *testing.T) {
	t.Parallel()
	d := New(Config{}, &scriptedSender{}, logx.Nop(), nil)
	res := d.Notify(context.Background(), matched, matchVerdict)
	if res.Delivered || res.Attempts != 0 || !errors.Is(res.Err, ErrDeliveryFailed) {
		t.Fatalf("res=%+v", res)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 5 * time.Second}
	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second} {
		for i := 0; i < 20; i++ {
			d := retryDelay(cfg, attempt)
			lo := time.Duration(float64(want) * 0.7)
			hi := time.Duration(float64(want) * 1.3)
			if hi > cfg.RetryMaxDelay {
				hi = cfg.RetryMaxDelay
			}
			if d < lo || d > hi {
				t.Fatalf("attempt %d delay %v outside [%v,%v]", attempt, d, lo, hi)
			}
		}
	}
	if d := retryDelay(cfg, 10); d > cfg.RetryMaxDelay {
		t.Fatalf("delay %v above cap", d)
	}
}
