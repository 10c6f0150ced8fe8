package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rentwatch/internal/schedule"
	logx "rentwatch/pkg/logx"
)

// Check is one line of the self-test report.
type Check struct {
	Name   string
	OK     bool
	Detail string
}

const selfTestProbeTimeout = 10 * time.Second

// SelfTest verifies the store, the classification backend, the Telegram
// credentials and the schedule without running a cycle. When send is true
// it also delivers a test message to the destination chat.
func (a *App) SelfTest(ctx context.Context, send bool) []Check {
	cfg := a.cfgm.Get()
	var out []Check
	add := func(name string, err error, detail string) {
		c := Check{Name: name, OK: err == nil, Detail: detail}
		if err != nil {
			c.Detail = err.Error()
		}
		out = append(out, c)
	}
	probe := func(fn func(ctx context.Context) error) error {
		pctx, cancel := context.WithTimeout(ctx, selfTestProbeTimeout)
		defer cancel()
		return fn(pctx)
	}

	st, err := a.store.Stats(ctx)
	add("storage", err, fmt.Sprintf("%s: %d items (%d new, %d analyzed, %d notified, %d suppressed)",
		cfg.Storage.Driver, st.Total, st.New, st.Analyzed, st.Notified, st.Suppressed))

	if !cfg.Classifier.IsEnabled() {
		add("classifier", nil, "disabled; the keyword and price heuristic decides every item")
	} else {
		err = probe(a.gateway.Check)
		add("classifier", err, fmt.Sprintf("model %s reachable", cfg.Classifier.Model))
	}

	var bot string
	err = probe(func(c context.Context) error {
		me, err := a.adapter.Me(c)
		bot = me.Username
		return err
	})
	add("telegram", err, "bot @"+bot)

	srcs := mapSources(cfg)
	ids := make([]string, 0, len(srcs))
	for _, s := range srcs {
		ids = append(ids, s.ID)
	}
	if len(srcs) == 0 {
		add("sources", fmt.Errorf("no enabled sources"), "")
	} else {
		add("sources", nil, fmt.Sprintf("%d enabled: %s", len(srcs), strings.Join(ids, ", ")))
	}

	pc, err := mapPipelineConfig(cfg)
	if err != nil {
		add("schedule", err, "")
	} else {
		now := a.now().In(pc.Location)
		state := "inactive"
		if pc.Downtime.Contains(now) {
			state = "active until " + pc.Downtime.End(now).Format("15:04")
		}
		next := schedule.NextWake(now, pc.Schedule, pc.Downtime)
		add("schedule", nil, fmt.Sprintf("%s; downtime %s (%s); next cycle after one now would be %s",
			pc.Schedule, pc.Downtime, state, next.Format(time.RFC3339)))
	}

	if send {
		res := a.notif.SendTest(ctx)
		add("test message", res.Err, fmt.Sprintf("delivered after %d attempt(s)", res.Attempts))
	}

	failed := 0
	for _, c := range out {
		if !c.OK {
			failed++
		}
	}
	a.log.Info("self-test finished", logx.Int("checks", len(out)), logx.Int("failed", failed))
	return out
}

// Passed reports whether every check succeeded.
func Passed(checks []Check) bool {
	for _, c := range checks {
		if !c.OK {
			return false
		}
	}
	return true
}
