// Package classifier decides whether a post matches the operator's criteria.
//
// The Gateway asks a backend (Ollama) for a binary answer within a timeout
// and falls back to an offline heuristic when the backend times out, is
// unreachable, or answers something it cannot parse. Classification never
// returns an error: the Verdict records which path produced it.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rentwatch/internal/post"
	logx "rentwatch/pkg/logx"
)

// Fallback causes recorded on post.Verdict.FallbackCause.
const (
	CauseTimeout     = "timeout"
	CauseMalformed   = "malformed"
	CauseUnavailable = "unavailable"
	CauseCircuitOpen = "circuit_open"
	CauseDisabled    = "disabled"
)

const DefaultTimeout = 30 * time.Second

// Backend produces a free-text answer for a prompt.
type Backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ModelChecker is implemented by backends that can confirm the configured
// model is installed.
type ModelChecker interface {
	HasModel(ctx context.Context) (bool, error)
}

type Config struct {
	Enabled bool
	Timeout time.Duration
	Breaker BreakerConfig
}

// Result is a verdict plus what the gateway learned on the way.
type Result struct {
	Verdict post.Verdict
	Matched []string
	Facts   Facts
}

type Gateway struct {
	mu      sync.RWMutex
	backend Backend
	cfg     Config
	br      *breaker
	log     logx.Logger
	now     func() time.Time
}

func NewGateway(backend Backend, cfg Config, log logx.Logger) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{
		backend: backend,
		cfg:     cfg,
		br:      newBreaker(cfg.Breaker),
		log:     log,
		now:     time.Now,
	}
}

// Apply swaps the runtime settings. The breaker keeps its failure history.
func (g *Gateway) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	g.br.apply(cfg.Breaker)
}

func (g *Gateway) config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Classify decides one item. It always returns a verdict.
func (g *Gateway) Classify(ctx context.Context, it post.Item, c Criteria) Result {
	ctx, span := otel.Tracer("rentwatch/classifier").Start(ctx, "classifier.classify")
	defer span.End()

	res := Result{Facts: Extract(it.Content)}
	res.Verdict = g.decide(ctx, it, c, res.Facts)
	if res.Verdict.Match {
		res.Matched = c.Matched(it.Content, res.Facts)
	}

	span.SetAttributes(
		attribute.String("item.fingerprint", it.Fingerprint),
		attribute.String("classifier.path", string(res.Verdict.Path)),
		attribute.Bool("classifier.match", res.Verdict.Match),
	)
	if res.Verdict.FallbackCause != "" {
		span.SetAttributes(attribute.String("classifier.fallback_cause", res.Verdict.FallbackCause))
	}

	fields := []logx.Field{
		logx.String("fp", it.Fingerprint),
		logx.String("path", string(res.Verdict.Path)),
		logx.Bool("match", res.Verdict.Match),
		logx.String("reason", res.Verdict.Reason),
	}
	if res.Verdict.Path == post.PathFallback {
		g.log.Info("classified by fallback", append(fields, logx.String("cause", res.Verdict.FallbackCause))...)
	} else {
		g.log.Debug("classified", fields...)
	}
	return res
}

func (g *Gateway) decide(ctx context.Context, it post.Item, c Criteria, f Facts) post.Verdict {
	cfg := g.config()
	if !cfg.Enabled || g.backend == nil {
		return fallback(it.Content, c, f, CauseDisabled)
	}
	if open, until := g.br.isOpen(g.now()); open {
		g.log.Debug("classifier circuit open", logx.Time("until", until))
		return fallback(it.Content, c, f, CauseCircuitOpen)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	answer, err := g.backend.Generate(callCtx, BuildPrompt(it.Content, c))
	cancel()

	if err != nil {
		cause := CauseUnavailable
		switch {
		case errors.Is(err, ErrMalformed):
			cause = CauseMalformed
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
			cause = CauseTimeout
		}
		// A shutdown is not the backend's fault.
		if ctx.Err() == nil && cause != CauseMalformed {
			g.br.record(g.now(), true)
		}
		if ctx.Err() == nil {
			trace.SpanFromContext(ctx).SetStatus(codes.Error, err.Error())
		}
		g.log.Warn("classifier backend failed", logx.String("fp", it.Fingerprint), logx.String("cause", cause), logx.Err(err))
		return fallback(it.Content, c, f, cause)
	}

	g.br.record(g.now(), false)
	match, err := ParseDecision(answer)
	if err != nil {
		g.log.Warn("classifier answer unusable", logx.String("fp", it.Fingerprint), logx.Err(err))
		return fallback(it.Content, c, f, CauseMalformed)
	}
	return post.Verdict{
		Match:  match,
		Reason: fmt.Sprintf("backend answered %q", truncate(answer, 40)),
		Path:   post.PathPrimary,
	}
}

func fallback(content string, c Criteria, f Facts, cause string) post.Verdict {
	match, reason := Heuristic(content, c, f)
	return post.Verdict{
		Match:         match,
		Reason:        reason,
		Path:          post.PathFallback,
		FallbackCause: cause,
	}
}

// Check probes the backend for the self-test: reachability and, when the
// backend supports it, model presence.
func (g *Gateway) Check(ctx context.Context) error {
	cfg := g.config()
	if !cfg.Enabled || g.backend == nil {
		return errors.New("classifier disabled")
	}
	mc, ok := g.backend.(ModelChecker)
	if !ok {
		return nil
	}
	found, err := mc.HasModel(ctx)
	if err != nil {
		return err
	}
	if !found {
		return errors.New("model not installed on the backend")
	}
	return nil
}
