package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rentwatch/internal/classifier"
	"rentwatch/internal/eventbus"
	"rentwatch/internal/post"
	kit "rentwatch/internal/transport"
	logx "rentwatch/pkg/logx"
	"rentwatch/pkg/tgui"
)

// Dispatcher formats and delivers notifications. It is safe for concurrent
// use, although the pipeline calls it from a single goroutine.
type Dispatcher struct {
	mu      sync.Mutex
	sender  kit.Sender
	cfg     Config
	limiter *rate.Limiter
	log     logx.Logger
	bus     eventbus.Bus

	// sleep waits between attempts; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{sender: sender, log: log, bus: bus, sleep: sleepCtx}
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	if d.limiter == nil || d.cfg.RatePerSec != cfg.RatePerSec {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	d.cfg = cfg
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// Notify delivers a matched item. Delivered=false leaves the decision to
// retry with the caller.
func (d *Dispatcher) Notify(ctx context.Context, it post.Item, v post.Verdict) Result {
	cfg, _ := d.snapshot()
	msg := FormatItem(it, v, classifier.Extract(it.Content), cfg)
	res := d.deliver(ctx, msg)

	ev := eventbus.DeliveryEvent{
		Fingerprint: it.Fingerprint,
		Kind:        "item",
		ChatID:      cfg.Target.ChatID,
		ThreadID:    cfg.Target.ThreadID,
		Attempts:    res.Attempts,
		At:          time.Now(),
	}
	if res.Delivered {
		d.log.Info("notification delivered",
			logx.String("fp", it.Fingerprint), logx.Int("attempts", res.Attempts), logx.Int("message_id", res.Ref.MessageID))
		eventbus.Publish(d.bus, eventbus.TypeDeliverySent, ev)
		return res
	}
	ev.Error = errString(res.Err)
	d.log.Warn("notification not delivered",
		logx.String("fp", it.Fingerprint), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
	eventbus.Publish(d.bus, eventbus.TypeDeliveryFailed, ev)
	return res
}

// NotifySummary sends the cycle digest.
func (d *Dispatcher) NotifySummary(ctx context.Context, s Summary) Result {
	cfg, _ := d.snapshot()
	return d.deliver(ctx, FormatSummary(s, cfg))
}

// NotifyError reports a source or cycle failure to the chat.
func (d *Dispatcher) NotifyError(ctx context.Context, scope string, err error) Result {
	cfg, _ := d.snapshot()
	return d.deliver(ctx, FormatError(scope, err, time.Now(), cfg))
}

// SendTest sends a short message proving the destination works.
func (d *Dispatcher) SendTest(ctx context.Context) Result {
	h := tgui.JoinH("\n",
		tgui.B("rentwatch test message"),
		tgui.Esc("Notifications will arrive in this chat."),
	)
	return d.deliver(ctx, Message{HTML: h, Plain: tgui.Plain(h)})
}

// deliver sends msg with pacing and bounded retries.
//
// Rejections (bad token, unknown chat) stop immediately. Markup errors are
// retried at once as plain text; that resend does not count against
// RetryMax. Flood waits are honored up to MaxRetryAfter.
func (d *Dispatcher) deliver(ctx context.Context, msg Message) Result {
	cfg, lim := d.snapshot()
	if d.sender == nil || cfg.Target.IsZero() {
		return Result{Err: fmt.Errorf("%w: no destination configured", ErrDeliveryFailed)}
	}

	text := msg.HTML.String()
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	maxAttempts := 1 + max(cfg.RetryMax, 0)

	var (
		res     Result
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			res.Err = err
			return res
		}

		res.Attempts = attempt
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		ref, err := d.sender.SendText(callCtx, cfg.Target, text, opt)
		cancel()
		if err == nil {
			res.Delivered, res.Ref = true, ref
			return res
		}
		lastErr = err
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}
		d.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if errors.Is(err, kit.ErrBadMarkup) && opt.ParseMode != "" {
			text, opt = msg.Plain, &kit.SendOptions{DisablePreview: true}
			maxAttempts++
			continue
		}
		if errors.Is(err, kit.ErrRejected) || attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		var ra *kit.RetryAfterError
		if errors.As(err, &ra) {
			if ra.After > cfg.MaxRetryAfter {
				break
			}
			if ra.After > delay {
				delay = ra.After
			}
		}
		if err := d.sleep(ctx, delay); err != nil {
			res.Err = err
			return res
		}
	}
	res.Err = fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr)
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryDelay is the wait before the attempt after `attempt` (1-based):
// base * 2^(attempt-1), jittered by 0.7..1.3 and capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = time.Second
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
