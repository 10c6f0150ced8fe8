package post

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("item not found")
	ErrStateConflict = errors.New("item state conflict")
)

// TransitionError describes a rejected lifecycle transition.
// It matches ErrStateConflict with errors.Is.
type TransitionError struct {
	Fingerprint string
	From        State
	To          State
	Detail      string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("item %s: cannot move %s -> %s", e.Fingerprint, e.From, e.To)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrStateConflict }
