package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_TotalOverGrid(t *testing.T) {
	for _, opts := range []Options{{}, {ConfirmBeforeClose: true}} {
		p := New(opts)
		for _, s := range States() {
			for _, tr := range Triggers() {
				d := p.Next(s, tr)
				if !d.To.Valid() {
					t.Fatalf("opts=%+v: Next(%s, %s) produced invalid state %d", opts, s, tr, int(d.To))
				}
				if d.From != s || d.Trigger != tr {
					t.Fatalf("Next(%s, %s) echoed %s/%s", s, tr, d.From, d.Trigger)
				}
				if s == Closing {
					assert.Equal(t, Closing, d.To, "Closing must absorb %s", tr)
					assert.Equal(t, ActFarewell, d.Act)
				}
			}
		}
	}
}

func TestNext_RequiredRows(t *testing.T) {
	p := New(Options{})
	cases := []struct {
		from State
		tr   Trigger
		to   State
		act  ActType
	}{
		{Greeting, Input, Eliciting, ActElicitPreference},
		{Eliciting, ConstraintsUpdated, Resolving, ActNone},
		{Resolving, ZeroResults, Relaxing, ActInformRelaxing},
		{Resolving, RelaxationExhausted, Closing, ActNoViableRecommendation},
		{Resolving, TooManyResults, Clarifying, ActAskClarifyingQuestion},
		{Resolving, Results, Presenting, ActPresentCandidates},
		{Presenting, Presented, AwaitingFeedback, ActNone},
		{AwaitingFeedback, Accept, Closing, ActConfirmRecommendation},
		{AwaitingFeedback, RejectAll, Eliciting, ActElicitMorePreference},
		{AwaitingFeedback, ConstraintsUpdated, Eliciting, ActNone},
		{Relaxing, Relaxed, Resolving, ActNone},

		{Clarifying, ConstraintsUpdated, Eliciting, ActNone},
		{Clarifying, ConflictResolved, Eliciting, ActNone},
		{Clarifying, RecommendRequested, Resolving, ActNone},
		{Eliciting, NoConstraints, Eliciting, ActElicitPreference},
		{AwaitingFeedback, RejectSome, Presenting, ActPresentCandidates},
		{AwaitingFeedback, AmbiguousFeedback, AwaitingFeedback, ActAskClarifyingQuestion},
		{Resolving, ResolverUnavailable, Eliciting, ActAskRetryOrRelax},
	}
	for _, tc := range cases {
		d := p.Next(tc.from, tc.tr)
		assert.Equal(t, tc.to, d.To, "%s + %s", tc.from, tc.tr)
		assert.Equal(t, tc.act, d.Act, "%s + %s", tc.from, tc.tr)
	}
}

func TestNext_GlobalRows(t *testing.T) {
	p := New(Options{})
	for _, s := range States() {
		if s == Closing {
			continue
		}
		assert.Equal(t, Decision{From: s, To: Closing, Trigger: Quit, Act: ActFarewell}, p.Next(s, Quit))
		assert.Equal(t, Closing, p.Next(s, Unresponsive).To)
		assert.Equal(t, ActNoViableRecommendation, p.Next(s, ResolverExhausted).Act)
		assert.Equal(t, Eliciting, p.Next(s, Restart).To)

		conflict := p.Next(s, Conflict)
		assert.Equal(t, Clarifying, conflict.To)
		assert.Equal(t, ActAskClarifyingQuestion, conflict.Act)
	}
}

func TestNext_UnlistedPairKeepsState(t *testing.T) {
	p := New(Options{})
	d := p.Next(Eliciting, Accept)
	assert.Equal(t, Eliciting, d.To)
	assert.Equal(t, ActNone, d.Act)
	assert.False(t, d.Changed())
}

func TestNext_ConfirmBeforeClose(t *testing.T) {
	p := New(Options{ConfirmBeforeClose: true})

	d := p.Next(AwaitingFeedback, Accept)
	assert.Equal(t, Confirming, d.To)
	assert.Equal(t, ActConfirmRecommendation, d.Act)

	d = p.Next(Confirming, Accept)
	assert.Equal(t, Closing, d.To)
	assert.Equal(t, ActFarewell, d.Act)

	assert.Equal(t, Presenting, p.Next(Confirming, RejectSome).To)
	assert.Equal(t, Eliciting, p.Next(Confirming, RejectAll).To)
}

func TestEveryNonTerminalStateCanReachClosing(t *testing.T) {
	p := New(Options{})
	for _, s := range States() {
		reached := map[State]bool{s: true}
		frontier := []State{s}
		for len(frontier) > 0 {
			cur := frontier[0]
			frontier = frontier[1:]
			for _, tr := range Triggers() {
				next := p.Next(cur, tr).To
				if !reached[next] {
					reached[next] = true
					frontier = append(frontier, next)
				}
			}
		}
		assert.True(t, reached[Closing], "%s cannot reach Closing", s)
	}
}

func TestStateTextRoundTrip(t *testing.T) {
	for _, s := range States() {
		b, err := json.Marshal(s)
		require.NoError(t, err)

		var got State
		require.NoError(t, json.Unmarshal(b, &got))
		assert.Equal(t, s, got)
	}

	_, err := ParseState("Limbo")
	assert.Error(t, err)
	_, err = State(42).MarshalText()
	assert.Error(t, err)
}

func TestRestingStates(t *testing.T) {
	var resting []State
	for _, s := range States() {
		if s.Resting() {
			resting = append(resting, s)
		}
	}
	assert.Equal(t, []State{Greeting, Eliciting, Clarifying, AwaitingFeedback, Confirming, Closing}, resting)
	assert.True(t, Closing.Terminal())
}
