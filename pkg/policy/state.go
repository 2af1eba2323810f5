// Package policy is the dialogue state machine: a closed set of states and a
// total transition function from (state, trigger) to (state, act).
package policy

import (
	"fmt"
	"strings"
)

// State is the active policy state of a session.
type State int

const (
	Greeting State = iota
	Eliciting
	Resolving
	Clarifying
	Presenting
	AwaitingFeedback
	Relaxing
	Confirming
	Closing
)

var stateNames = [...]string{
	Greeting:         "Greeting",
	Eliciting:        "Eliciting",
	Resolving:        "Resolving",
	Clarifying:       "Clarifying",
	Presenting:       "Presenting",
	AwaitingFeedback: "AwaitingFeedback",
	Relaxing:         "Relaxing",
	Confirming:       "Confirming",
	Closing:          "Closing",
}

// States returns every state in declaration order.
func States() []State {
	out := make([]State, len(stateNames))
	for i := range stateNames {
		out[i] = State(i)
	}
	return out
}

func (s State) Valid() bool { return s >= Greeting && s <= Closing }

func (s State) String() string {
	if !s.Valid() {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Resting reports whether the engine waits for user input in s.
func (s State) Resting() bool {
	switch s {
	case Greeting, Eliciting, Clarifying, AwaitingFeedback, Confirming, Closing:
		return true
	}
	return false
}

func (s State) Terminal() bool { return s == Closing }

// ParseState accepts state names case-insensitively.
func ParseState(raw string) (State, error) {
	for i, name := range stateNames {
		if strings.EqualFold(name, strings.TrimSpace(raw)) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown policy state %q", raw)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid policy state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
