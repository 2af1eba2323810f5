package policy

// Options adjusts optional branches of the transition table.
type Options struct {
	// ConfirmBeforeClose routes an accept through Confirming so the user
	// affirms the pick before the session closes.
	ConfirmBeforeClose bool
}

// Decision is the outcome of one transition.
type Decision struct {
	From    State   `json:"from"`
	To      State   `json:"to"`
	Trigger Trigger `json:"trigger"`
	Act     ActType `json:"act,omitempty"`
}

// Changed reports whether the decision moved the state or emitted an act.
func (d Decision) Changed() bool { return d.From != d.To || d.Act != ActNone }

type edge struct {
	to  State
	act ActType
}

// Policy evaluates the transition table. It holds no per-session state and
// is safe for concurrent use.
type Policy struct {
	opts  Options
	table map[State]map[Trigger]edge
}

func New(opts Options) *Policy {
	p := &Policy{opts: opts}
	p.table = p.buildTable()
	return p
}

func (p *Policy) Options() Options { return p.opts }

// Next is total: pairs without a row keep the state and emit nothing.
func (p *Policy) Next(from State, t Trigger) Decision {
	d := Decision{From: from, To: from, Trigger: t}
	if !from.Valid() {
		d.To = Closing
		d.Act = ActFarewell
		return d
	}
	if from == Closing {
		d.Act = ActFarewell
		return d
	}
	if e, ok := global(t); ok {
		d.To, d.Act = e.to, e.act
		return d
	}
	if e, ok := p.table[from][t]; ok {
		d.To, d.Act = e.to, e.act
	}
	return d
}

// global holds the rows that apply in every non-terminal state.
func global(t Trigger) (edge, bool) {
	switch t {
	case Quit, Unresponsive:
		return edge{Closing, ActFarewell}, true
	case Restart:
		return edge{Eliciting, ActElicitPreference}, true
	case Conflict:
		return edge{Clarifying, ActAskClarifyingQuestion}, true
	case ResolverExhausted:
		return edge{Closing, ActNoViableRecommendation}, true
	}
	return edge{}, false
}

func (p *Policy) buildTable() map[State]map[Trigger]edge {
	accept := edge{Closing, ActConfirmRecommendation}
	if p.opts.ConfirmBeforeClose {
		accept = edge{Confirming, ActConfirmRecommendation}
	}
	rejectAll := edge{Eliciting, ActElicitMorePreference}
	rejectSome := edge{Presenting, ActPresentCandidates}
	reelicit := edge{Eliciting, ActElicitPreference}
	reenter := edge{Eliciting, ActNone}
	resolve := edge{Resolving, ActNone}

	return map[State]map[Trigger]edge{
		Greeting: {
			Input:              reelicit,
			NoConstraints:      reelicit,
			ConstraintsUpdated: reenter,
			RecommendRequested: resolve,
		},
		Eliciting: {
			ConstraintsUpdated: resolve,
			NoConstraints:      reelicit,
			RecommendRequested: resolve,
		},
		Resolving: {
			ZeroResults:         {Relaxing, ActInformRelaxing},
			RelaxationExhausted: {Closing, ActNoViableRecommendation},
			TooManyResults:      {Clarifying, ActAskClarifyingQuestion},
			Results:             {Presenting, ActPresentCandidates},
			ResolverUnavailable: {Eliciting, ActAskRetryOrRelax},
			Accept:              accept,
		},
		Relaxing: {
			Relaxed: resolve,
		},
		Clarifying: {
			ConstraintsUpdated: reenter,
			ConflictResolved:   reenter,
			NoConstraints:      reelicit,
			RecommendRequested: resolve,
		},
		Presenting: {
			Presented: {AwaitingFeedback, ActNone},
		},
		AwaitingFeedback: {
			Accept:             accept,
			RejectAll:          rejectAll,
			RejectSome:         rejectSome,
			ConstraintsUpdated: reenter,
			NoConstraints:      reelicit,
			AmbiguousFeedback:  {AwaitingFeedback, ActAskClarifyingQuestion},
			RecommendRequested: resolve,
		},
		Confirming: {
			Accept:             {Closing, ActFarewell},
			RejectAll:          rejectAll,
			RejectSome:         rejectSome,
			ConstraintsUpdated: reenter,
			NoConstraints:      reelicit,
			RecommendRequested: resolve,
		},
	}
}
