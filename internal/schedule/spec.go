// Package schedule decides when the next pipeline cycle starts: a fixed
// interval or a cron expression, pushed out of the daily downtime window.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind int

const (
	KindInterval Kind = iota
	KindCron
)

// Spec is a parsed cycle schedule.
//
// Supported forms:
//   - Interval duration: "15m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - Cron: "*/20 7-23 * * *", "@hourly", "@every 20m"
//
// Prefixes "cron:", "interval:" and "every:" force the kind.
type Spec struct {
	Kind   Kind
	Every  time.Duration
	Cron   string
	Source string // "duration" | "hhmm" | "cron"

	sched cron.Schedule
}

// Next returns the first start strictly after t, ignoring downtime.
func (s Spec) Next(t time.Time) time.Time {
	if s.Kind == KindCron && s.sched != nil {
		return s.sched.Next(t)
	}
	return t.Add(s.Every)
}

func (s Spec) String() string {
	if s.Kind == KindCron {
		return "cron " + s.Cron
	}
	return "every " + s.Every.String()
}

// Every returns an interval spec.
func Every(d time.Duration) Spec {
	return Spec{Kind: KindInterval, Every: d, Source: "duration"}
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// cronParser accepts both 5-field and 6-field (with seconds) specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse parses a schedule string.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	spec, err := parseInterval(s)
	if err != nil {
		return Spec{}, fmt.Errorf(
			"invalid schedule %q (use a duration like '15m', HH:MM like '00:30', or cron like '*/20 * * * *')", raw)
	}
	return spec, nil
}

func parseCron(expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Spec{Kind: KindCron, Cron: expr, Source: "cron", sched: sched}, nil
}

func parseInterval(v string) (Spec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Spec{}, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := ParseClock(v)
		if err != nil {
			return Spec{}, err
		}
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be > 0")
		}
		return Spec{Kind: KindInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '15m')", v)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0")
	}
	return Spec{Kind: KindInterval, Every: d, Source: "duration"}, nil
}

// ParseClock parses "HH:MM" into an offset (hours up to 999, minutes 0..59).
func ParseClock(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}
