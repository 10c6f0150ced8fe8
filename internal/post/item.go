package post

import (
	"slices"
	"time"
)

// RawItem is what a source fetcher yields for one post.
// Timestamp is zero when the source does not expose a publication time.
type RawItem struct {
	Content   string
	Author    string
	Timestamp time.Time
	Link      string
}

// Path tells which classifier produced a verdict.
type Path string

const (
	PathPrimary  Path = "primary"
	PathFallback Path = "fallback"
)

// Verdict is the classification result for one item.
// FallbackCause is set on the fallback path (timeout, malformed, ...).
type Verdict struct {
	Match         bool   `json:"match"`
	Reason        string `json:"reason,omitempty"`
	Path          Path   `json:"path"`
	FallbackCause string `json:"fallback_cause,omitempty"`
}

// Item is the persisted record of one observed post.
type Item struct {
	Fingerprint     string    `json:"fingerprint"`
	SourceID        string    `json:"source_id"`
	Content         string    `json:"content"`
	Author          string    `json:"author,omitempty"`
	Link            string    `json:"link,omitempty"`
	SourceTimestamp time.Time `json:"source_ts,omitzero"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`

	State   State `json:"state"`
	Outcome State `json:"outcome,omitempty"`

	Verdict         *Verdict  `json:"verdict,omitempty"`
	MatchedCriteria []string  `json:"matched_criteria,omitempty"`
	ClassifiedAt    time.Time `json:"classified_at,omitzero"`

	Notified    bool      `json:"notified"`
	NotifiedAt  time.Time `json:"notified_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// NewItem builds the initial record for a freshly registered raw item.
func NewItem(raw RawItem, sourceID string, now time.Time) Item {
	return Item{
		Fingerprint:     Fingerprint(raw),
		SourceID:        sourceID,
		Content:         raw.Content,
		Author:          raw.Author,
		Link:            raw.Link,
		SourceTimestamp: raw.Timestamp,
		FirstSeen:       now,
		LastSeen:        now,
		State:           StateNew,
	}
}

// Refresh records a repeated sighting. The latest content wins for display;
// lifecycle fields are untouched.
func (it *Item) Refresh(raw RawItem, now time.Time) {
	if raw.Content != "" {
		it.Content = raw.Content
	}
	if raw.Author != "" {
		it.Author = raw.Author
	}
	if raw.Link != "" && it.Link == "" {
		it.Link = raw.Link
	}
	it.LastSeen = now
}

// Classify applies a verdict. It moves New -> Analyzed and is a no-op when
// the same decision is recorded again. A differing decision after analysis
// is a state conflict. changed reports whether the item was modified.
func (it *Item) Classify(v Verdict, matched []string, now time.Time) (changed bool, err error) {
	if it.State == StateNew {
		vv := v
		it.Verdict = &vv
		it.MatchedCriteria = slices.Clone(matched)
		it.ClassifiedAt = now
		it.State = StateAnalyzed
		return true, nil
	}
	if it.Verdict != nil && it.Verdict.Match == v.Match {
		return false, nil
	}
	return false, &TransitionError{
		Fingerprint: it.Fingerprint,
		From:        it.State,
		To:          StateAnalyzed,
		Detail:      "already classified with a different verdict",
	}
}

// MarkNotified moves a matching Analyzed item through Notified to Completed.
func (it *Item) MarkNotified(now time.Time) error {
	if it.State != StateAnalyzed {
		return &TransitionError{Fingerprint: it.Fingerprint, From: it.State, To: StateNotified}
	}
	if it.Verdict == nil || !it.Verdict.Match {
		return &TransitionError{Fingerprint: it.Fingerprint, From: it.State, To: StateNotified, Detail: "item did not match"}
	}
	it.Notified = true
	it.NotifiedAt = now
	it.complete(StateNotified, now)
	return nil
}

// MarkSuppressed moves a non-matching Analyzed item through Suppressed to
// Completed. Matching items cannot be suppressed: their notification is
// still owed.
func (it *Item) MarkSuppressed(now time.Time) error {
	if it.State != StateAnalyzed {
		return &TransitionError{Fingerprint: it.Fingerprint, From: it.State, To: StateSuppressed}
	}
	if it.Verdict == nil || it.Verdict.Match {
		return &TransitionError{Fingerprint: it.Fingerprint, From: it.State, To: StateSuppressed, Detail: "item matched"}
	}
	it.complete(StateSuppressed, now)
	return nil
}

func (it *Item) complete(via State, now time.Time) {
	it.Outcome = via
	it.State = StateCompleted
	it.CompletedAt = now
}

// Pending reports whether the item still needs pipeline work.
func (it Item) Pending() bool {
	return it.State == StateNew || it.State == StateAnalyzed
}
