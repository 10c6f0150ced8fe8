package notifier

import (
	"errors"
	"time"

	kit "rentwatch/internal/transport"
)

// ErrDeliveryFailed wraps the last transport error once retries are exhausted.
var ErrDeliveryFailed = errors.New("notification not delivered")

type Config struct {
	Target kit.ChatTarget

	RatePerSec int
	// RetryMax is the number of retries after the first attempt; zero
	// means the default of two, negative disables retries.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// MaxRetryAfter caps how long a flood-wait may delay a retry; longer
	// waits give up so the cycle can move on.
	MaxRetryAfter time.Duration
	SendTimeout   time.Duration

	ExcerptRunes int
	Location     *time.Location
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	switch {
	case c.RetryMax == 0:
		c.RetryMax = 2
	case c.RetryMax < 0:
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.ExcerptRunes <= 0 {
		c.ExcerptRunes = 1000
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Result reports one delivery. Err wraps ErrDeliveryFailed when Delivered
// is false because the channel kept failing, or is the context error when
// the caller gave up.
type Result struct {
	Delivered bool
	Attempts  int
	Ref       kit.MessageRef
	Err       error
}

// Summary is the per-cycle digest sent when summary notifications are on.
type Summary struct {
	Start      time.Time
	Took       time.Duration
	Sources    int
	Failed     []string
	Fetched    int
	New        int
	Notified   int
	Suppressed int
	Pending    int
	Fallback   int
	NextWake   time.Time
}
