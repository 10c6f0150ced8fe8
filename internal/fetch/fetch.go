// Package fetch defines the source fetcher port. Adapters live in
// subpackages (browser).
package fetch

import (
	"context"
	"errors"
	"fmt"

	"rentwatch/internal/post"
)

// ErrSourceUnavailable marks a per-source failure: the source could not be
// reached or parsed this cycle. Other sources are unaffected.
var ErrSourceUnavailable = errors.New("source unavailable")

// Source is one configured content source.
type Source struct {
	ID       string
	URL      string
	MaxItems int // 0 means the pipeline default

	// Known reports whether an item is already stored. Adapters may use it
	// to stop paging once they reach posts seen in earlier cycles. Nil means
	// nothing is known.
	Known func(raw post.RawItem) bool
}

// KnownTail counts the trailing items of a page-ordered list that src
// already knows. Feeds list newest first, so a long known tail means
// further paging only reaches older, already stored posts.
func KnownTail(src Source, items []post.RawItem) int {
	if src.Known == nil {
		return 0
	}
	n := 0
	for i := len(items) - 1; i >= 0; i-- {
		if !src.Known(items[i]) {
			break
		}
		n++
	}
	return n
}

// Fetcher pulls up to max raw items from a source, in source order.
type Fetcher interface {
	Fetch(ctx context.Context, src Source, max int) ([]post.RawItem, error)
}

// Func adapts a function to Fetcher.
type Func func(ctx context.Context, src Source, max int) ([]post.RawItem, error)

func (f Func) Fetch(ctx context.Context, src Source, max int) ([]post.RawItem, error) {
	return f(ctx, src, max)
}

// Error wraps a fetch failure with its source. It matches
// ErrSourceUnavailable with errors.Is unless the cause is a context error.
type Error struct {
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *Error) Unwrap() []error {
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
		return []error{e.Err}
	}
	return []error{ErrSourceUnavailable, e.Err}
}

// Unavailable wraps err as a source failure. A nil err stays nil.
func Unavailable(source string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Source == source {
		return err
	}
	return &Error{Source: source, Err: err}
}
