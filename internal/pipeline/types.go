package pipeline

import (
	"context"
	"time"

	"rentwatch/internal/classifier"
	"rentwatch/internal/eventbus"
	"rentwatch/internal/fetch"
	"rentwatch/internal/notifier"
	"rentwatch/internal/post"
	"rentwatch/internal/schedule"
	"rentwatch/internal/storage"
	logx "rentwatch/pkg/logx"
)

// Classifier is satisfied by *classifier.Gateway.
type Classifier interface {
	Classify(ctx context.Context, it post.Item, c classifier.Criteria) classifier.Result
}

// Notifier is satisfied by *notifier.Dispatcher.
type Notifier interface {
	Notify(ctx context.Context, it post.Item, v post.Verdict) notifier.Result
	NotifySummary(ctx context.Context, s notifier.Summary) notifier.Result
	NotifyError(ctx context.Context, scope string, err error) notifier.Result
}

// Config is the hot-reloadable part of the orchestrator. A cycle works on
// the snapshot taken when it starts.
type Config struct {
	Sources           []fetch.Source
	MaxItemsPerSource int
	Schedule          schedule.Spec
	Downtime          schedule.Downtime
	// Location is the zone cron schedules are evaluated in.
	Location    *time.Location
	SourceDelay time.Duration
	Criteria    classifier.Criteria

	// PendingLimit caps how many unfinished items one cycle resumes.
	// 0 means all of them.
	PendingLimit int
	Summary      bool
	ErrorNotices bool
	// Retention > 0 prunes completed items older than it, once a day.
	Retention time.Duration
}

// Deps are the collaborators. Store, Fetcher, Classifier and Notifier are
// required.
type Deps struct {
	Store      storage.Store
	Fetcher    fetch.Fetcher
	Classifier Classifier
	Notifier   Notifier
	Bus        eventbus.Bus
	Log        logx.Logger
	Now        func() time.Time
}

// SourceReport is the outcome of one source within a cycle. The resume pass
// over unfinished items is reported the same way under ResumeSource.
type SourceReport struct {
	Source     string
	Fetched    int
	New        int
	Known      int
	Matched    int
	Notified   int
	Suppressed int
	// Pending counts matches whose delivery failed; they stay Analyzed.
	Pending  int
	Fallback int
	Errors   int
	Err      error
	Took     time.Duration
}

const ResumeSource = "(pending)"

func (s *SourceReport) add(o SourceReport) {
	s.Fetched += o.Fetched
	s.New += o.New
	s.Known += o.Known
	s.Matched += o.Matched
	s.Notified += o.Notified
	s.Suppressed += o.Suppressed
	s.Pending += o.Pending
	s.Fallback += o.Fallback
	s.Errors += o.Errors
}

// Report is the transient record of one cycle.
type Report struct {
	Start    time.Time
	Took     time.Duration
	Resumed  SourceReport
	Sources  []SourceReport
	NextWake time.Time
	// Backlog is the number of items still New or Analyzed after the cycle.
	Backlog   int
	Pruned    int
	Cancelled bool
}

// Totals sums the resume pass and all sources.
func (r Report) Totals() SourceReport {
	t := SourceReport{Source: "total"}
	t.add(r.Resumed)
	for _, s := range r.Sources {
		t.add(s)
		if s.Err != nil {
			t.Errors++
		}
	}
	return t
}

// Failed lists the sources whose fetch failed.
func (r Report) Failed() []string {
	var out []string
	for _, s := range r.Sources {
		if s.Err != nil {
			out = append(out, s.Source)
		}
	}
	return out
}
