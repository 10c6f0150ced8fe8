package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string // "HTML" or "" for plain text
	DisablePreview bool
}

// Sender delivers a text message to a chat.
//
// Implementations classify failures with the errors below so callers can
// decide between retrying, degrading the markup, or giving up.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotInfo describes the identity behind a Sender.
type BotInfo struct {
	ID       int64
	Username string
}

// Prober is implemented by senders that can verify their credentials.
type Prober interface {
	Me(ctx context.Context) (BotInfo, error)
}

var (
	// ErrRejected marks failures that will not succeed on retry
	// (bad token, unknown chat, bot blocked or kicked).
	ErrRejected = errors.New("message rejected by channel")
	// ErrBadMarkup marks a message whose formatting the channel refused to parse.
	ErrBadMarkup = errors.New("message markup rejected")
)

// RetryAfterError is returned when the channel asks the caller to back off.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rate limited: retry after %s", e.After)
	}
	return fmt.Sprintf("rate limited: retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }
