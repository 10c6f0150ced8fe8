package post

import (
	"fmt"
	"strings"
)

// State is an item's position in the processing lifecycle.
//
//	New -> Analyzed -> {Notified | Suppressed} -> Completed
//
// Transitions only move forward. Notified and Suppressed are passed through
// in the same store operation that reaches Completed; they are kept as the
// item's Outcome.
type State int

const (
	StateNew State = iota + 1
	StateAnalyzed
	StateNotified
	StateSuppressed
	StateCompleted
)

var stateNames = map[State]string{
	StateNew:        "new",
	StateAnalyzed:   "analyzed",
	StateNotified:   "notified",
	StateSuppressed: "suppressed",
	StateCompleted:  "completed",
}

var transitions = map[State][]State{
	StateNew:        {StateAnalyzed},
	StateAnalyzed:   {StateNotified, StateSuppressed},
	StateNotified:   {StateCompleted},
	StateSuppressed: {StateCompleted},
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted }

// CanTransition reports whether the lifecycle allows moving from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseState is the inverse of State.String. The empty string maps to 0.
func ParseState(s string) (State, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	for st, name := range stateNames {
		if name == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown item state %q", s)
}

// MarshalText stores states by name so persisted records stay readable.
func (s State) MarshalText() ([]byte, error) {
	if s == 0 {
		return []byte{}, nil
	}
	if !s.Valid() {
		return nil, fmt.Errorf("invalid item state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}
