// Package app wires configuration, storage, classification, delivery and
// fetching into one pipeline process and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"rentwatch/internal/classifier"
	"rentwatch/internal/config"
	"rentwatch/internal/eventbus"
	"rentwatch/internal/eventbus/natsbridge"
	"rentwatch/internal/fetch"
	"rentwatch/internal/fetch/browser"
	"rentwatch/internal/notifier"
	"rentwatch/internal/observability/debugsrv"
	"rentwatch/internal/pipeline"
	"rentwatch/internal/runtime/supervisor"
	"rentwatch/internal/storage"
	"rentwatch/internal/transport/telegram"
	logx "rentwatch/pkg/logx"
	"rentwatch/pkg/systemd"
)

type App struct {
	cfgm *config.Manager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	gateway *classifier.Gateway
	notif   *notifier.Dispatcher
	fetcher fetch.Fetcher
	orch    *pipeline.Orchestrator

	now func() time.Time
}

type options struct {
	getenv  func(string) string
	fetcher fetch.Fetcher
	backend classifier.Backend
	now     func() time.Time
}

type Option func(*options)

// WithFetcher replaces the browser fetcher.
func WithFetcher(f fetch.Fetcher) Option { return func(o *options) { o.fetcher = f } }

// WithBackend replaces the Ollama classification backend.
func WithBackend(b classifier.Backend) Option { return func(o *options) { o.backend = b } }

func WithGetenv(fn func(string) string) Option { return func(o *options) { o.getenv = fn } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New loads the config and builds every component. Nothing runs until Run,
// Once or SelfTest is called.
func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{getenv: os.Getenv, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfgm.SetGetenv(o.getenv)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tgCfg, logx.NewConsole("INFO").Comp("telegram"))
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg), ad)
	log := root.Comp("app")

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: ad,
		now:     o.now,
	}
	if err := a.build(cfg, root, o); err != nil {
		_ = a.Close(context.Background(), StopFatalError)
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger, o options) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	sc.Now = o.now
	st, err := storage.Open(sc, root.Comp("storage"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	gwCfg, err := mapGatewayConfig(cfg)
	if err != nil {
		return err
	}
	backend := o.backend
	if backend == nil {
		backend = classifier.NewOllama(mapOllamaConfig(cfg))
	}
	a.gateway = classifier.NewGateway(backend, gwCfg, root.Comp("classifier"))

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(nc, a.adapter, root.Comp("notifier"), a.bus)

	a.fetcher = o.fetcher
	if a.fetcher == nil {
		bc, err := mapBrowserConfig(cfg)
		if err != nil {
			return err
		}
		a.fetcher = browser.New(bc, root.Comp("browser"))
	}

	pc, err := mapPipelineConfig(cfg)
	if err != nil {
		return err
	}
	a.orch, err = pipeline.New(pc, pipeline.Deps{
		Store:      a.store,
		Fetcher:    a.fetcher,
		Classifier: a.gateway,
		Notifier:   a.notif,
		Bus:        a.bus,
		Log:        root.Comp("pipeline"),
		Now:        o.now,
	})
	return err
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Once runs a single cycle.
func (a *App) Once(ctx context.Context) (pipeline.Report, error) {
	rep := a.orch.RunCycle(ctx)
	if rep.Cancelled {
		return rep, ctx.Err()
	}
	return rep, nil
}

// Run runs the pipeline loop with hot reload until ctx is cancelled or a
// supervised loop fails. A clean shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.Comp("supervisor")), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.Comp("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapPipelineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		_, err := mapGatewayConfig(cfg)
		return err
	})

	sup.Go("pipeline", a.orch.Run)
	sup.Go("config.watch", a.cfgm.Watch)
	sup.Go0("config.apply", a.applyLoop)
	sup.Go0("eventbus.log", a.eventLoop)

	if ec := a.cfgm.Get().Events; strings.TrimSpace(ec.NatsURL) != "" {
		nlog := a.log.Comp("natsbridge")
		sup.GoRestart("events.nats", func(c context.Context) error {
			b, err := natsbridge.Connect(natsbridge.Config{
				URL:           ec.NatsURL,
				SubjectPrefix: ec.SubjectPrefix,
				Name:          "rentwatch",
			}, nlog)
			if err != nil {
				return err
			}
			defer b.Close()
			return b.Run(c, a.bus)
		}, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	if dc := a.cfgm.Get().Debug; dc.Enabled {
		ds := debugsrv.New(debugsrv.Config{Addr: dc.Addr, Token: dc.Token, AllowInsecure: dc.AllowInsecure},
			a.log.Comp("debug"), func(c context.Context) (any, error) { return a.status(c, sup) })
		sup.GoRestart("debug.http", ds.Serve, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c, func() bool { return c.Err() == nil }); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Int("sources", len(mapSources(a.cfgm.Get()))))

	<-sup.Done()
	reason := StopSignal
	if sup.Err() != nil {
		reason = StopFatalError
	}
	_, _ = systemd.Stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))

	waitCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := sup.Wait(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("supervised loops did not stop in time", logx.Any("loops", sup.Snapshot()))
		return nil
	}
	return err
}

// applyLoop fans validated config reloads out to the live components.
func (a *App) applyLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)

	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(last, next)
			last = next
		}
	}
}

func (a *App) apply(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLogConfig(next))

	if gc, err := mapGatewayConfig(next); err != nil {
		a.log.Warn("invalid classifier config; keeping previous", logx.Err(err))
	} else {
		a.gateway.Apply(gc)
	}
	if nc, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(nc)
	}
	if pc, err := mapPipelineConfig(next); err != nil {
		a.log.Warn("invalid pipeline config; keeping previous", logx.Err(err))
	} else if err := a.orch.Apply(pc); err != nil {
		a.log.Warn("pipeline config rejected", logx.Err(err))
	}

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}
	eventbus.Publish(a.bus, eventbus.TypeConfigApplied, eventbus.ConfigEvent{Changed: sections, Restart: restart})
	a.log.Info("config reloaded", fields...)
}

// eventLoop logs bus traffic at debug level and mirrors cycle results into
// the systemd status line.
func (a *App) eventLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			if ce, ok := e.Data.(eventbus.CycleEvent); ok && e.Type == eventbus.TypeCycleFinished {
				_, _ = systemd.Status("last cycle %s: %d new, %d notified, %d pending",
					ce.Start.Format("15:04"), ce.New, ce.Notified, ce.Pending)
			}
		}
	}
}

// Status is the document served by the debug endpoint.
type Status struct {
	Items   storage.Stats          `json:"items"`
	Loops   []supervisor.LoopStats `json:"loops"`
	Bus     uint64                 `json:"bus_dropped"`
	Sources []string               `json:"sources"`
}

func (a *App) status(ctx context.Context, sup *supervisor.Supervisor) (Status, error) {
	st, err := a.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	var ids []string
	for _, s := range mapSources(a.cfgm.Get()) {
		ids = append(ids, s.ID)
	}
	return Status{Items: st, Loops: sup.Snapshot(), Bus: eventbus.Dropped(a.bus), Sources: ids}, nil
}

// Stats returns item counts per lifecycle position.
func (a *App) Stats(ctx context.Context) (storage.Stats, error) {
	return a.store.Stats(ctx)
}

// Prune deletes completed items older than olderThan, or than the
// configured retention when olderThan is zero.
func (a *App) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		r, err := config.ParseDurationField("storage.retention", a.cfgm.Get().Storage.Retention)
		if err != nil {
			return 0, err
		}
		olderThan = r
	}
	if olderThan <= 0 {
		return 0, errors.New("no age given and storage.retention is not set")
	}
	n, err := a.store.Prune(ctx, a.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	a.log.Info("pruned completed items", logx.Int("deleted", n), logx.Duration("older_than", olderThan))
	return n, nil
}

// Close releases the fetcher, the store and the log sinks. Each step is
// bounded so one component cannot stall shutdown.
func (a *App) Close(ctx context.Context, reason StopReason) error {
	a.log.Debug("closing", logx.String("reason", string(reason)))
	var errs []error
	step := func(name string, max time.Duration, fn func() error) {
		done := make(chan error, 1)
		go func() { done <- fn() }()
		t := time.NewTimer(max)
		defer t.Stop()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("close step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		case <-t.C:
			a.log.Warn("close step deadline reached (continuing)", logx.String("name", name), logx.Duration("max", max))
		case <-ctx.Done():
			a.log.Warn("close step abandoned", logx.String("name", name), logx.Err(ctx.Err()))
		}
	}

	if c, ok := a.fetcher.(io.Closer); ok {
		step("fetcher", 5*time.Second, c.Close)
	}
	if a.store != nil {
		step("storage", 2*time.Second, a.store.Close)
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
