package eventbus

import "time"

// Event types published by the pipeline components.
const (
	TypeItemRegistered = "item.registered"
	TypeItemClassified = "item.classified"
	TypeItemNotified   = "item.notified"
	TypeItemSuppressed = "item.suppressed"
	TypeDeliverySent   = "notifier.sent"
	TypeDeliveryFailed = "notifier.failed"
	TypeSourceFailed   = "source.failed"
	TypeCycleStarted   = "cycle.started"
	TypeCycleFinished  = "cycle.finished"
	TypeConfigApplied  = "config.applied"
)

// ItemEvent describes a lifecycle step of one item.
type ItemEvent struct {
	Fingerprint   string `json:"fingerprint"`
	SourceID      string `json:"source_id"`
	Link          string `json:"link,omitempty"`
	Match         bool   `json:"match"`
	Path          string `json:"path,omitempty"`
	FallbackCause string `json:"fallback_cause,omitempty"`
}

// DeliveryEvent is emitted by the dispatcher after a delivery attempt run.
type DeliveryEvent struct {
	Fingerprint string    `json:"fingerprint,omitempty"`
	Kind        string    `json:"kind"`
	ChatID      int64     `json:"chat_id"`
	ThreadID    int       `json:"thread_id,omitempty"`
	Attempts    int       `json:"attempts"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}

// SourceEvent reports a per-source failure inside a cycle.
type SourceEvent struct {
	SourceID string `json:"source_id"`
	Error    string `json:"error"`
}

// CycleEvent marks cycle boundaries. Counters are zero on cycle.started.
type CycleEvent struct {
	Start      time.Time     `json:"start"`
	Took       time.Duration `json:"took,omitempty"`
	Fetched    int           `json:"fetched"`
	New        int           `json:"new"`
	Notified   int           `json:"notified"`
	Suppressed int           `json:"suppressed"`
	Pending    int           `json:"pending"`
	Errors     int           `json:"errors"`
	NextWake   time.Time     `json:"next_wake,omitzero"`
}

// ConfigEvent is published after a reload was applied.
type ConfigEvent struct {
	Changed []string `json:"changed"`
	Restart []string `json:"restart,omitempty"`
}

// Publish is a nil-safe helper for optional buses.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}
