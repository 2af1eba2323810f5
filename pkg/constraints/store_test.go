package constraints

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inc(a Attribute, v string) Slot { return Slot{Attribute: a, Value: v} }

func exc(a Attribute, v string) Slot { return Slot{Attribute: a, Operator: OpExcludes, Value: v} }

func TestApply_SingleValuedSupersedes(t *testing.T) {
	s := NewSet(nil)

	_, err := s.Apply(Update{Turn: 1, Slots: []Slot{inc(AttrDecade, "1980s")}})
	require.NoError(t, err)
	res, err := s.Apply(Update{Turn: 2, Slots: []Slot{inc(AttrDecade, "1990s")}})
	require.NoError(t, err)

	assert.Equal(t, []Attribute{AttrDecade}, res.Changed)
	got := s.Includes()
	require.Len(t, got, 1)
	assert.Equal(t, "1990s", got[0].Value)
	assert.Equal(t, 2, got[0].Turn)
}

func TestApply_MultiValuedAccumulates(t *testing.T) {
	s := NewSet(nil)

	_, err := s.Apply(Update{Turn: 1, Slots: []Slot{inc(AttrGenre, "comedy")}})
	require.NoError(t, err)
	_, err = s.Apply(Update{Turn: 2, Slots: []Slot{inc(AttrGenre, "Romance")}})
	require.NoError(t, err)

	assert.Len(t, s.Includes(), 2)
}

func TestApply_ExcludesAccumulateAndAreNeverSuperseded(t *testing.T) {
	s := NewSet(nil)

	_, err := s.Apply(Update{Turn: 1, Slots: []Slot{exc(AttrDirector, "Bay")}})
	require.NoError(t, err)
	_, err = s.Apply(Update{Turn: 2, Slots: []Slot{exc(AttrDirector, "Snyder"), inc(AttrDirector, "Nolan")}})
	require.NoError(t, err)

	assert.Len(t, s.Excludes(), 2)
	assert.Len(t, s.Includes(), 1)
}

func TestApply_ExcludeNegatesInclude(t *testing.T) {
	s := NewSet(nil)
	_, err := s.Apply(Update{Turn: 1, Slots: []Slot{inc(AttrGenre, "horror")}})
	require.NoError(t, err)

	changed, err := s.Negate(AttrGenre, "horror", 2)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, s.Includes())
	require.Len(t, s.Excludes(), 1)
	assert.Equal(t, OpExcludes, s.Excludes()[0].Operator)
}

func TestApply_ConflictLeavesBeliefStateUnchanged(t *testing.T) {
	s := NewSet(nil)
	_, err := s.Apply(Update{Turn: 1, Slots: []Slot{exc(AttrActor, "X"), inc(AttrGenre, "drama")}})
	require.NoError(t, err)
	before := s.Snapshot()

	res, err := s.Apply(Update{Turn: 2, Slots: []Slot{inc(AttrDecade, "1990s"), inc(AttrActor, "x")}})
	require.NoError(t, err)

	assert.True(t, res.Conflict)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "X", res.Conflicts[0].Existing.Value)
	assert.True(t, errors.Is(res.Err(), ErrConflictingConstraint))
	if diff := cmp.Diff(before, s.Snapshot()); diff != "" {
		t.Fatalf("belief state changed on conflict (-before +after):\n%s", diff)
	}
}

func TestApply_IdempotentOnRepeatedUpdate(t *testing.T) {
	updates := []Update{
		{Turn: 1, Slots: []Slot{inc(AttrGenre, "comedy"), inc(AttrDecade, "1980s"), inc(AttrDecade, "1990s")}},
		{Turn: 2, Slots: []Slot{exc(AttrActor, "Y"), {Attribute: AttrRating, Range: &Range{Min: 7, Max: 10}}}},
		{Turn: 3, Slots: []Slot{inc(AttrGenre, "comedy"), exc(AttrGenre, "comedy")}},
		{Turn: 4, Slots: []Slot{{Attribute: AttrDirector, Value: "Lynch", Mandatory: true}}},
	}

	for _, u := range updates {
		s := NewSet(nil)
		_, err := s.Apply(u)
		require.NoError(t, err)
		once := s.Snapshot()

		res, err := s.Apply(u)
		require.NoError(t, err)
		if diff := cmp.Diff(once, s.Snapshot()); diff != "" {
			t.Fatalf("turn %d: second apply changed state (-once +twice):\n%s", u.Turn, diff)
		}
		assert.Empty(t, res.Changed, "turn %d", u.Turn)
	}
}

func TestApply_RejectsUnknownAttributeAtomically(t *testing.T) {
	s := NewSet(nil)
	_, err := s.Apply(Update{Turn: 1, Slots: []Slot{inc(AttrGenre, "comedy"), {Attribute: "budget", Value: "low"}}})

	assert.ErrorIs(t, err, ErrUnknownAttribute)
	assert.Zero(t, s.Len())
}

func TestApply_InvalidShapes(t *testing.T) {
	cases := []struct {
		name string
		slot Slot
	}{
		{"empty value", Slot{Attribute: AttrGenre}},
		{"range without bounds", Slot{Attribute: AttrRating, Operator: OpInRange}},
		{"inverted range", Slot{Attribute: AttrYear, Range: &Range{Min: 2000, Max: 1990}}},
		{"bad operator", Slot{Attribute: AttrGenre, Operator: "like", Value: "x"}},
		{"bad polarity", Slot{Attribute: AttrGenre, Polarity: "maybe", Value: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSet(nil).Apply(Update{Slots: []Slot{tc.slot}})
			assert.ErrorIs(t, err, ErrInvalidSlot)
		})
	}
}

func TestRelax_LeastRecentFirst(t *testing.T) {
	s := NewSet(nil)
	_, _ = s.Apply(Update{Turn: 1, Slots: []Slot{inc(AttrGenre, "comedy")}})
	_, _ = s.Apply(Update{Turn: 2, Slots: []Slot{inc(AttrDecade, "1990s")}})
	_, _ = s.Apply(Update{Turn: 3, Slots: []Slot{exc(AttrActor, "Y")}})

	removed, err := s.Relax(StrategyLeastRecent)
	require.NoError(t, err)
	assert.Equal(t, AttrGenre, removed.Attribute)

	removed, err = s.Relax(StrategyAuto)
	require.NoError(t, err)
	assert.Equal(t, AttrDecade, removed.Attribute)

	_, err = s.Relax(StrategyAuto)
	assert.ErrorIs(t, err, ErrNoRelaxableConstraint)
	assert.Len(t, s.Excludes(), 1, "excludes are never relaxed")
}

func TestRelax_LowestPriorityWithTurnTieBreak(t *testing.T) {
	s := NewSet(nil)
	_, _ = s.Apply(Update{Turn: 1, Slots: []Slot{{Attribute: AttrGenre, Value: "comedy", Priority: 5}}})
	_, _ = s.Apply(Update{Turn: 2, Slots: []Slot{{Attribute: AttrDecade, Value: "1990s", Priority: 1}}})
	_, _ = s.Apply(Update{Turn: 3, Slots: []Slot{{Attribute: AttrMood, Value: "light", Priority: 1}}})

	removed, err := s.Relax(StrategyAuto)
	require.NoError(t, err)
	assert.Equal(t, AttrDecade, removed.Attribute, "equal priority: earliest turn goes first")

	removed, err = s.Relax(StrategyLowestPriority)
	require.NoError(t, err)
	assert.Equal(t, AttrMood, removed.Attribute)
}

func TestRelax_NeverRemovesMandatory(t *testing.T) {
	s := NewSet(nil)
	_, _ = s.Apply(Update{Turn: 1, Slots: []Slot{{Attribute: AttrDirector, Value: "Kubrick", Mandatory: true}}})
	_, _ = s.Apply(Update{Turn: 2, Slots: []Slot{inc(AttrGenre, "war")}})

	removed, err := s.Relax(StrategyLeastRecent)
	require.NoError(t, err)
	assert.Equal(t, AttrGenre, removed.Attribute)

	_, err = s.Relax(StrategyLeastRecent)
	assert.ErrorIs(t, err, ErrNoRelaxableConstraint)
	assert.True(t, s.Has(AttrDirector))
}

func TestRelax_EmptySet(t *testing.T) {
	_, err := NewSet(nil).Relax(StrategyAuto)
	assert.ErrorIs(t, err, ErrNoRelaxableConstraint)
}

func TestSnapshotRestore_ValueSemantics(t *testing.T) {
	s := NewSet(nil)
	_, _ = s.Apply(Update{Turn: 1, Slots: []Slot{{Attribute: AttrRating, Range: &Range{Min: 7, Max: 9}}}})
	snap := s.Snapshot()

	snap.Constraints[0].Range.Min = 1
	assert.Equal(t, float64(7), s.Includes()[0].Range.Min)

	_, _ = s.Apply(Update{Turn: 2, Slots: []Slot{inc(AttrGenre, "noir")}})
	s.Restore(s.Snapshot())
	clean := s.Snapshot()
	s.Clear()
	assert.Zero(t, s.Len())
	s.Restore(clean)
	assert.Equal(t, 2, s.Len())
}

func TestRemoveAndResolveConflict(t *testing.T) {
	s := NewSet(nil)
	_, _ = s.Apply(Update{Turn: 1, Slots: []Slot{exc(AttrActor, "X"), exc(AttrActor, "Z")}})

	res, err := s.Apply(Update{Turn: 2, Slots: []Slot{inc(AttrActor, "X")}})
	require.NoError(t, err)
	require.True(t, res.Conflict)

	assert.True(t, s.ResolveConflict(res.Conflicts[0]))
	assert.True(t, s.Has(AttrActor))
	assert.Len(t, s.Excludes(), 1)

	assert.Equal(t, 1, s.Remove(AttrActor, "z"))
	assert.Empty(t, s.Excludes())
	assert.Equal(t, 1, s.RemoveAttribute(AttrActor))
	assert.Zero(t, s.Len())
}

func TestMerge_SkipsConflicts(t *testing.T) {
	base := NewSet(nil)
	_, _ = base.Apply(Update{Turn: 1, Slots: []Slot{exc(AttrGenre, "horror")}})

	other := NewSet(nil)
	_, _ = other.Apply(Update{Turn: 1, Slots: []Slot{inc(AttrGenre, "horror"), inc(AttrLanguage, "fr")}})

	res := base.Merge(other)
	assert.True(t, res.Conflict)
	assert.Equal(t, []Attribute{AttrLanguage}, res.Changed)
	assert.True(t, base.Has(AttrLanguage))
	assert.False(t, base.Has(AttrGenre))
}

func TestUnconstrained(t *testing.T) {
	s := NewSet(nil)
	_, _ = s.Apply(Update{Turn: 1, Slots: []Slot{inc(AttrGenre, "comedy"), exc(AttrActor, "Y")}})

	got := s.Unconstrained([]Attribute{AttrGenre, AttrDecade, AttrActor})
	assert.Equal(t, []Attribute{AttrDecade, AttrActor}, got)
}

func TestParseAttribute(t *testing.T) {
	a, err := ParseAttribute(" Genre ")
	require.NoError(t, err)
	assert.Equal(t, AttrGenre, a)

	_, err = ParseAttribute("budget")
	assert.ErrorIs(t, err, ErrUnknownAttribute)
}
