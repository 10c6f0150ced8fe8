// Package pipeline runs the post processing cycle: fetch each source, dedup
// through the store, classify new items and deliver the matches, then sleep
// until the next scheduled start outside the downtime window.
//
// One orchestrator owns one store. Sources are processed one at a time and
// items one at a time in fetch order. Store commits run detached from the
// caller's context so a shutdown never leaves a half-applied transition.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"rentwatch/internal/eventbus"
	"rentwatch/internal/fetch"
	"rentwatch/internal/notifier"
	"rentwatch/internal/post"
	"rentwatch/internal/schedule"
	logx "rentwatch/pkg/logx"
)

const pruneEvery = 24 * time.Hour

var tracer = otel.Tracer("rentwatch/pipeline")

type Orchestrator struct {
	mu  sync.RWMutex
	cfg Config

	deps   Deps
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
	replan chan struct{}

	cycleMu   sync.Mutex
	lastPrune time.Time
}

func New(cfg Config, d Deps) (*Orchestrator, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case d.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case d.Classifier == nil:
		return nil, errors.New("pipeline: classifier is required")
	case d.Notifier == nil:
		return nil, errors.New("pipeline: notifier is required")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   d,
		log:    d.Log,
		bus:    d.Bus,
		now:    d.Now,
		replan: make(chan struct{}, 1),
	}, nil
}

func validate(cfg Config) error {
	if cfg.Schedule.Kind == schedule.KindInterval && cfg.Schedule.Every <= 0 {
		return errors.New("pipeline: schedule interval must be > 0")
	}
	if err := cfg.Downtime.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}

// Apply swaps the configuration. The running cycle keeps its snapshot; a
// sleeping Run loop recomputes its wake time.
func (o *Orchestrator) Apply(cfg Config) error {
	if err := validate(cfg); err != nil {
		return err
	}
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
	select {
	case o.replan <- struct{}{}:
	default:
	}
	o.log.Info("pipeline config applied",
		logx.Int("sources", len(cfg.Sources)),
		logx.String("schedule", cfg.Schedule.String()),
		logx.String("downtime", cfg.Downtime.String()),
	)
	return nil
}

func (o *Orchestrator) config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

func (o *Orchestrator) localNow(cfg Config) time.Time {
	now := o.now()
	if cfg.Location != nil {
		now = now.In(cfg.Location)
	}
	return now
}

// Run repeats cycles until ctx is cancelled. Cancellation interrupts the
// sleep between cycles at once; inside a cycle the current item step
// finishes first. A clean shutdown returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("pipeline loop started")
	defer o.log.Info("pipeline loop stopped")

	for {
		cfg := o.config()
		now := o.localNow(cfg)
		if cfg.Downtime.Contains(now) {
			until := cfg.Downtime.End(now)
			o.log.Info("in downtime, waiting", logx.Time("until", until))
			if err := o.sleepUntil(ctx, until); err != nil && !errors.Is(err, errReplan) {
				return nil
			}
			continue
		}

		rep := o.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err := o.sleepUntilWake(ctx, rep.Start); err != nil {
			return nil
		}
	}
}

// sleepUntilWake sleeps until the next start after a cycle that began at
// start, recomputing the target when the config changes.
func (o *Orchestrator) sleepUntilWake(ctx context.Context, start time.Time) error {
	for {
		cfg := o.config()
		if cfg.Location != nil {
			start = start.In(cfg.Location)
		}
		wake := schedule.NextWake(start, cfg.Schedule, cfg.Downtime)
		err := o.sleepUntil(ctx, wake)
		if errors.Is(err, errReplan) {
			continue
		}
		return err
	}
}

var errReplan = errors.New("replan")

func (o *Orchestrator) sleepUntil(ctx context.Context, until time.Time) error {
	d := until.Sub(o.now())
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.replan:
		return errReplan
	case <-t.C:
		return nil
	}
}

// RunCycle performs one pass: unfinished items first, then every source.
// Cycles never overlap.
func (o *Orchestrator) RunCycle(ctx context.Context) Report {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	cfg := o.config()
	rep := Report{Start: o.localNow(cfg)}

	ctx, span := tracer.Start(ctx, "pipeline.cycle")
	defer span.End()

	o.log.Info("cycle started", logx.Int("sources", len(cfg.Sources)))
	eventbus.Publish(o.bus, eventbus.TypeCycleStarted, eventbus.CycleEvent{Start: rep.Start})

	rep.Resumed = o.resumePending(ctx, cfg)

	for i, src := range cfg.Sources {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && cfg.SourceDelay > 0 {
			if err := pause(ctx, cfg.SourceDelay); err != nil {
				break
			}
		}
		sr := o.runSource(ctx, cfg, src)
		rep.Sources = append(rep.Sources, sr)
		if sr.Err != nil && !isCancel(sr.Err) {
			eventbus.Publish(o.bus, eventbus.TypeSourceFailed, eventbus.SourceEvent{SourceID: src.ID, Error: sr.Err.Error()})
			if cfg.ErrorNotices {
				o.deps.Notifier.NotifyError(ctx, "source "+src.ID, sr.Err)
			}
		}
	}
	rep.Cancelled = ctx.Err() != nil

	commit := context.WithoutCancel(ctx)
	if !rep.Cancelled {
		rep.Pruned = o.maybePrune(commit, cfg)
	}
	if st, err := o.deps.Store.Stats(commit); err == nil {
		rep.Backlog = st.New + st.Analyzed
	} else {
		o.log.Warn("store stats failed", logx.Err(err))
	}
	rep.NextWake = schedule.NextWake(rep.Start, cfg.Schedule, cfg.Downtime)
	rep.Took = o.now().Sub(rep.Start)

	tot := rep.Totals()
	span.SetAttributes(
		attribute.Int("cycle.fetched", tot.Fetched),
		attribute.Int("cycle.new", tot.New),
		attribute.Int("cycle.notified", tot.Notified),
		attribute.Int("cycle.errors", tot.Errors),
	)
	if tot.Errors > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d errors", tot.Errors))
	}

	o.log.Info("cycle finished",
		logx.Int("fetched", tot.Fetched),
		logx.Int("new", tot.New),
		logx.Int("known", tot.Known),
		logx.Int("notified", tot.Notified),
		logx.Int("suppressed", tot.Suppressed),
		logx.Int("pending", rep.Backlog),
		logx.Int("fallback", tot.Fallback),
		logx.Int("errors", tot.Errors),
		logx.Bool("cancelled", rep.Cancelled),
		logx.Duration("took", rep.Took),
		logx.Time("next_wake", rep.NextWake),
	)
	eventbus.Publish(o.bus, eventbus.TypeCycleFinished, eventbus.CycleEvent{
		Start:      rep.Start,
		Took:       rep.Took,
		Fetched:    tot.Fetched,
		New:        tot.New,
		Notified:   tot.Notified,
		Suppressed: tot.Suppressed,
		Pending:    rep.Backlog,
		Errors:     tot.Errors,
		NextWake:   rep.NextWake,
	})

	if cfg.Summary && !rep.Cancelled {
		o.deps.Notifier.NotifySummary(ctx, notifier.Summary{
			Start:      rep.Start,
			Took:       rep.Took,
			Sources:    len(cfg.Sources),
			Failed:     rep.Failed(),
			Fetched:    tot.Fetched,
			New:        tot.New,
			Notified:   tot.Notified,
			Suppressed: tot.Suppressed,
			Pending:    rep.Backlog,
			Fallback:   tot.Fallback,
			NextWake:   rep.NextWake,
		})
	}
	return rep
}

// runSource fetches one source and drives its new items through the
// lifecycle. A fetch failure is confined to this source.
func (o *Orchestrator) runSource(ctx context.Context, cfg Config, src fetch.Source) SourceReport {
	ctx, span := tracer.Start(ctx, "pipeline.source")
	span.SetAttributes(attribute.String("source.id", src.ID))
	defer span.End()

	start := o.now()
	sr := SourceReport{Source: src.ID}
	log := o.log.With(logx.String("source", src.ID))

	max := src.MaxItems
	if max <= 0 {
		max = cfg.MaxItemsPerSource
	}
	src.Known = func(raw post.RawItem) bool {
		ok, err := o.deps.Store.Exists(ctx, post.Fingerprint(raw))
		return err == nil && ok
	}
	raws, err := o.deps.Fetcher.Fetch(ctx, src, max)
	if err != nil {
		sr.Err = fetch.Unavailable(src.ID, err)
		sr.Took = o.now().Sub(start)
		if !isCancel(err) {
			span.SetStatus(codes.Error, err.Error())
			log.Warn("source failed", logx.Err(err), logx.Duration("took", sr.Took))
		}
		return sr
	}
	if max > 0 && len(raws) > max {
		raws = raws[:max]
	}
	sr.Fetched = len(raws)

	commit := context.WithoutCancel(ctx)
	for _, raw := range raws {
		if ctx.Err() != nil {
			break
		}
		inserted, it, err := o.deps.Store.RegisterIfNew(commit, raw, src.ID)
		if err != nil {
			sr.Errors++
			log.Error("register failed", logx.String("link", raw.Link), logx.Err(err))
			continue
		}
		if !inserted {
			sr.Known++
			continue
		}
		sr.New++
		eventbus.Publish(o.bus, eventbus.TypeItemRegistered, eventbus.ItemEvent{
			Fingerprint: it.Fingerprint, SourceID: it.SourceID, Link: it.Link,
		})
		o.advance(ctx, cfg, it, &sr)
	}

	sr.Took = o.now().Sub(start)
	span.SetAttributes(attribute.Int("source.fetched", sr.Fetched), attribute.Int("source.new", sr.New))
	log.Info("source done",
		logx.Int("fetched", sr.Fetched),
		logx.Int("new", sr.New),
		logx.Int("known", sr.Known),
		logx.Int("matched", sr.Matched),
		logx.Int("notified", sr.Notified),
		logx.Int("suppressed", sr.Suppressed),
		logx.Int("errors", sr.Errors),
		logx.Duration("took", sr.Took),
	)
	return sr
}

// resumePending finishes items a previous cycle or process left behind:
// New items are classified, Analyzed items are delivered or suppressed.
func (o *Orchestrator) resumePending(ctx context.Context, cfg Config) SourceReport {
	sr := SourceReport{Source: ResumeSource}
	start := o.now()
	items, err := o.deps.Store.Pending(ctx, cfg.PendingLimit)
	if err != nil {
		if !isCancel(err) {
			sr.Errors++
			o.log.Error("list pending items failed", logx.Err(err))
		}
		return sr
	}
	if len(items) == 0 {
		return sr
	}
	o.log.Info("resuming unfinished items", logx.Int("count", len(items)))
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		o.advance(ctx, cfg, it, &sr)
	}
	sr.Took = o.now().Sub(start)
	return sr
}

// advance moves one item as far along the lifecycle as it can go in this
// cycle. Store contract errors abort the item, never the cycle.
func (o *Orchestrator) advance(ctx context.Context, cfg Config, it post.Item, sr *SourceReport) {
	commit := context.WithoutCancel(ctx)
	log := o.log.With(logx.String("fp", it.Fingerprint))

	var v post.Verdict
	switch it.State {
	case post.StateNew:
		if ctx.Err() != nil {
			return
		}
		res := o.deps.Classifier.Classify(ctx, it, cfg.Criteria)
		// A verdict produced only because we are shutting down is not
		// recorded; the item is classified again on the next run.
		if ctx.Err() != nil && res.Verdict.Path == post.PathFallback {
			return
		}
		v = res.Verdict
		if err := o.deps.Store.RecordClassification(commit, it.Fingerprint, v, res.Matched); err != nil {
			sr.Errors++
			log.Error("record classification failed", logx.Err(err))
			return
		}
		it.Verdict = &v
		it.MatchedCriteria = res.Matched
		it.State = post.StateAnalyzed
		if v.Path == post.PathFallback {
			sr.Fallback++
		}
		eventbus.Publish(o.bus, eventbus.TypeItemClassified, eventbus.ItemEvent{
			Fingerprint: it.Fingerprint, SourceID: it.SourceID, Link: it.Link,
			Match: v.Match, Path: string(v.Path), FallbackCause: v.FallbackCause,
		})
	case post.StateAnalyzed:
		if it.Verdict == nil {
			sr.Errors++
			log.Error("analyzed item has no verdict")
			return
		}
		v = *it.Verdict
	default:
		return
	}

	if !v.Match {
		if err := o.deps.Store.MarkSuppressed(commit, it.Fingerprint); err != nil {
			sr.Errors++
			log.Error("suppress failed", logx.Err(err))
			return
		}
		sr.Suppressed++
		eventbus.Publish(o.bus, eventbus.TypeItemSuppressed, eventbus.ItemEvent{
			Fingerprint: it.Fingerprint, SourceID: it.SourceID, Link: it.Link, Path: string(v.Path),
		})
		return
	}

	sr.Matched++
	if ctx.Err() != nil {
		sr.Pending++
		return
	}
	res := o.deps.Notifier.Notify(ctx, it, v)
	if !res.Delivered {
		sr.Pending++
		log.Warn("delivery deferred to next cycle", logx.Int("attempts", res.Attempts), logx.Err(res.Err))
		return
	}
	if err := o.deps.Store.MarkNotified(commit, it.Fingerprint); err != nil {
		sr.Errors++
		log.Error("mark notified failed", logx.Err(err))
		return
	}
	sr.Notified++
	eventbus.Publish(o.bus, eventbus.TypeItemNotified, eventbus.ItemEvent{
		Fingerprint: it.Fingerprint, SourceID: it.SourceID, Link: it.Link, Match: true, Path: string(v.Path),
	})
}

func (o *Orchestrator) maybePrune(ctx context.Context, cfg Config) int {
	if cfg.Retention <= 0 {
		return 0
	}
	now := o.now()
	if !o.lastPrune.IsZero() && now.Sub(o.lastPrune) < pruneEvery {
		return 0
	}
	o.lastPrune = now
	n, err := o.deps.Store.Prune(ctx, now.Add(-cfg.Retention))
	if err != nil {
		o.log.Warn("prune failed", logx.Err(err))
		return 0
	}
	if n > 0 {
		o.log.Info("pruned completed items", logx.Int("count", n), logx.Duration("retention", cfg.Retention))
	}
	return n
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
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
