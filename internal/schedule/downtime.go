package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Downtime is a daily window during which no cycle may start. It begins
// at Start (wall-clock time of day) and lasts Length; it may wrap past
// midnight. Windows are half-open: the end instant is outside.
type Downtime struct {
	Enabled bool
	Start   time.Duration
	Length  time.Duration
	Loc     *time.Location
}

// ParseDowntime builds a window from "HH:MM" and a Go duration.
func ParseDowntime(start, length string, loc *time.Location) (Downtime, error) {
	off, err := ParseClock(strings.TrimSpace(start))
	if err != nil {
		return Downtime{}, fmt.Errorf("downtime start: %w", err)
	}
	if off >= 24*time.Hour {
		return Downtime{}, fmt.Errorf("downtime start %q is not a time of day", start)
	}
	d, err := time.ParseDuration(strings.TrimSpace(length))
	if err != nil {
		return Downtime{}, fmt.Errorf("downtime duration: %w", err)
	}
	dt := Downtime{Enabled: true, Start: off, Length: d, Loc: loc}
	return dt, dt.Validate()
}

func (d Downtime) Validate() error {
	if !d.Enabled {
		return nil
	}
	if d.Start < 0 || d.Start >= 24*time.Hour {
		return fmt.Errorf("downtime start must be within a day")
	}
	if d.Length <= 0 || d.Length >= 24*time.Hour {
		return fmt.Errorf("downtime duration must be > 0 and < 24h")
	}
	return nil
}

func (d Downtime) active() bool {
	return d.Enabled && d.Length > 0 && d.Length < 24*time.Hour
}

func (d Downtime) loc() *time.Location {
	if d.Loc == nil {
		return time.Local
	}
	return d.Loc
}

// window returns the window that contains t, if any.
func (d Downtime) window(t time.Time) (start, end time.Time, ok bool) {
	if !d.active() {
		return time.Time{}, time.Time{}, false
	}
	lt := t.In(d.loc())
	hh := int(d.Start / time.Hour)
	mm := int(d.Start % time.Hour / time.Minute)
	ss := int(d.Start % time.Minute / time.Second)
	// Today's window, or yesterday's when it wraps past midnight. The start
	// is a wall-clock time, so DST days keep it at the configured hour.
	for _, back := range []int{0, -1} {
		ws := time.Date(lt.Year(), lt.Month(), lt.Day()+back, hh, mm, ss, 0, d.loc())
		we := ws.Add(d.Length)
		if !t.Before(ws) && t.Before(we) {
			return ws, we, true
		}
	}
	return time.Time{}, time.Time{}, false
}

// Contains reports whether t falls inside a downtime window.
func (d Downtime) Contains(t time.Time) bool {
	_, _, ok := d.window(t)
	return ok
}

// End returns the end of the window containing t, or t itself when t is
// outside downtime.
func (d Downtime) End(t time.Time) time.Time {
	if _, end, ok := d.window(t); ok {
		return end
	}
	return t
}

func (d Downtime) String() string {
	if !d.active() {
		return "off"
	}
	h, m := int(d.Start.Hours()), int(d.Start.Minutes())%60
	return fmt.Sprintf("%02d:%02d for %s (%s)", h, m, d.Length, d.loc())
}

// NextWake is the next cycle start after a cycle that started at start:
// the schedule's next time, moved to the end of the downtime window when it
// falls inside one.
func NextWake(start time.Time, spec Spec, dt Downtime) time.Time {
	return dt.End(spec.Next(start))
}
