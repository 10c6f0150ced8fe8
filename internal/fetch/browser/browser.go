// Package browser fetches group posts with a real Chrome driven over the
// DevTools protocol (go-rod). A persistent profile directory keeps the
// logged-in session between runs.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"rentwatch/internal/fetch"
	"rentwatch/internal/post"
	logx "rentwatch/pkg/logx"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultScrollRounds      = 5
	defaultScrollPause       = 2 * time.Second
	defaultMinContentRunes   = 15
	defaultStopAfterKnown    = 5
)

type Config struct {
	Headless    bool
	UserDataDir string
	// Bin is the Chrome binary; empty lets the launcher find or download one.
	Bin string
	// ControlURL connects to an already running browser instead of launching.
	ControlURL string

	NavigationTimeout time.Duration
	ScrollRounds      int
	ScrollPause       time.Duration
	MinContentRunes   int
	// StopAfterKnown ends scrolling early once this many of the last loaded
	// posts are already stored. Negative disables the check.
	StopAfterKnown int
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = defaultNavigationTimeout
	}
	if c.ScrollRounds < 0 {
		c.ScrollRounds = 0
	} else if c.ScrollRounds == 0 {
		c.ScrollRounds = defaultScrollRounds
	}
	if c.ScrollPause <= 0 {
		c.ScrollPause = defaultScrollPause
	}
	if c.MinContentRunes <= 0 {
		c.MinContentRunes = defaultMinContentRunes
	}
	if c.StopAfterKnown == 0 {
		c.StopAfterKnown = defaultStopAfterKnown
	}
	return c
}

// Fetcher implements fetch.Fetcher. The browser starts lazily on the first
// fetch and is reused across cycles.
type Fetcher struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	launch  *launcher.Launcher
	browser *rod.Browser
}

var _ fetch.Fetcher = (*Fetcher)(nil)

func New(cfg Config, log logx.Logger) *Fetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{cfg: cfg.withDefaults(), log: log}
}

// Fetch opens the source in a fresh tab, scrolls to load the feed and
// returns up to max posts in page order.
func (f *Fetcher) Fetch(ctx context.Context, src fetch.Source, max int) ([]post.RawItem, error) {
	if src.URL == "" {
		return nil, fetch.Unavailable(src.ID, errors.New("source url is empty"))
	}
	b, err := f.ensure(ctx)
	if err != nil {
		return nil, fetch.Unavailable(src.ID, err)
	}

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		f.reset()
		return nil, fetch.Unavailable(src.ID, fmt.Errorf("open tab: %w", err))
	}
	defer func() { _ = page.Close() }()

	items, err := f.scrape(ctx, page, src, max)
	if err != nil {
		return nil, fetch.Unavailable(src.ID, err)
	}
	return items, nil
}

func (f *Fetcher) scrape(ctx context.Context, page *rod.Page, src fetch.Source, max int) ([]post.RawItem, error) {
	start := time.Now()
	p := page.Context(ctx)
	if err := p.Timeout(f.cfg.NavigationTimeout).Navigate(src.URL); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if err := p.Timeout(f.cfg.NavigationTimeout).WaitLoad(); err != nil {
		f.log.Warn("page load wait failed, continuing", logx.String("source", src.ID), logx.Err(err))
	}

	rounds := 0
	for ; rounds < f.cfg.ScrollRounds; rounds++ {
		if rounds > 0 && f.seenEnough(p, src, max) {
			break
		}
		if _, err := p.Evaluate(&rod.EvalOptions{JS: scrollJS}); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.log.Debug("scroll failed", logx.String("source", src.ID), logx.Int("round", rounds), logx.Err(err))
			break
		}
		if err := pause(ctx, f.cfg.ScrollPause); err != nil {
			return nil, err
		}
	}

	arts, err := collect(p)
	if err != nil {
		return nil, err
	}

	items := toRawItems(arts, max, f.cfg.MinContentRunes)
	f.log.Info("source scraped",
		logx.String("source", src.ID),
		logx.Int("articles", len(arts)),
		logx.Int("scrolls", rounds),
		logx.Int("items", len(items)),
		logx.Duration("took", time.Since(start)),
	)
	return items, nil
}

// seenEnough reports whether the page already holds max items or ends in
// a run of stored posts, so further scrolling would find nothing new.
func (f *Fetcher) seenEnough(p *rod.Page, src fetch.Source, max int) bool {
	if src.Known == nil || f.cfg.StopAfterKnown < 0 {
		return false
	}
	arts, err := collect(p)
	if err != nil {
		return false
	}
	items := toRawItems(arts, 0, f.cfg.MinContentRunes)
	if max > 0 && len(items) >= max {
		return true
	}
	if known := fetch.KnownTail(src, items); known >= f.cfg.StopAfterKnown {
		f.log.Debug("reached stored posts, stop scrolling", logx.String("source", src.ID), logx.Int("known", known))
		return true
	}
	return false
}

func collect(p *rod.Page) ([]article, error) {
	res, err := p.Evaluate(&rod.EvalOptions{JS: collectJS, ByValue: true})
	if err != nil {
		return nil, fmt.Errorf("collect articles: %w", err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("collect articles: %w", err)
	}
	var arts []article
	if err := json.Unmarshal(raw, &arts); err != nil {
		return nil, fmt.Errorf("decode articles: %w", err)
	}
	return arts, nil
}

// ensure returns a live browser, launching or reconnecting as needed.
func (f *Fetcher) ensure(ctx context.Context) (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browser != nil {
		if _, err := f.browser.Version(); err == nil {
			return f.browser, nil
		}
		f.log.Warn("stale browser connection, reconnecting")
		f.closeLocked()
	}

	controlURL := f.cfg.ControlURL
	if controlURL == "" {
		if f.cfg.UserDataDir != "" {
			if err := os.MkdirAll(f.cfg.UserDataDir, 0o700); err != nil {
				return nil, fmt.Errorf("profile dir: %w", err)
			}
		}
		l := launcher.New().Headless(f.cfg.Headless).
			Set(flags.Flag("disable-blink-features"), "AutomationControlled").
			Set(flags.Flag("no-sandbox"))
		if f.cfg.Bin != "" {
			l = l.Bin(f.cfg.Bin)
		}
		if f.cfg.UserDataDir != "" {
			l = l.UserDataDir(f.cfg.UserDataDir)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		f.launch = l
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(context.WithoutCancel(ctx))
	if err := b.Connect(); err != nil {
		f.killLocked()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	f.browser = b
	f.log.Info("browser connected", logx.Bool("headless", f.cfg.Headless), logx.String("profile", f.cfg.UserDataDir))
	return b, nil
}

func (f *Fetcher) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
}

func (f *Fetcher) closeLocked() error {
	var err error
	if f.browser != nil {
		err = f.browser.Close()
		f.browser = nil
	}
	f.killLocked()
	return err
}

func (f *Fetcher) killLocked() {
	if f.launch != nil {
		f.launch.Kill()
		f.launch = nil
	}
}

// Close shuts the browser down. The fetcher may be used again afterwards.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeLocked()
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
