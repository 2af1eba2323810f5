package policy

import "fmt"

// Trigger is an outcome observed by the turn controller.
type Trigger int

const (
	Input Trigger = iota
	ConstraintsUpdated
	NoConstraints
	Conflict
	ConflictResolved
	ZeroResults
	RelaxationExhausted
	TooManyResults
	Results
	Presented
	Accept
	RejectAll
	RejectSome
	AmbiguousFeedback
	Relaxed
	RecommendRequested
	ResolverUnavailable
	ResolverExhausted
	Quit
	Restart
	Unresponsive
)

var triggerNames = [...]string{
	Input:               "Input",
	ConstraintsUpdated:  "ConstraintsUpdated",
	NoConstraints:       "NoConstraints",
	Conflict:            "Conflict",
	ConflictResolved:    "ConflictResolved",
	ZeroResults:         "ZeroResults",
	RelaxationExhausted: "RelaxationExhausted",
	TooManyResults:      "TooManyResults",
	Results:             "Results",
	Presented:           "Presented",
	Accept:              "Accept",
	RejectAll:           "RejectAll",
	RejectSome:          "RejectSome",
	AmbiguousFeedback:   "AmbiguousFeedback",
	Relaxed:             "Relaxed",
	RecommendRequested:  "RecommendRequested",
	ResolverUnavailable: "ResolverUnavailable",
	ResolverExhausted:   "ResolverExhausted",
	Quit:                "Quit",
	Restart:             "Restart",
	Unresponsive:        "Unresponsive",
}

// Triggers returns every trigger in declaration order.
func Triggers() []Trigger {
	out := make([]Trigger, len(triggerNames))
	for i := range triggerNames {
		out[i] = Trigger(i)
	}
	return out
}

func (t Trigger) String() string {
	if t < 0 || int(t) >= len(triggerNames) {
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
	return triggerNames[t]
}
