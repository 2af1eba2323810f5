// Package constraints holds the belief state of a conversation: the typed
// preference constraints a user has stated so far.
//
// Supersession rules:
//   - a single-valued attribute keeps at most one include; a newer one replaces it
//   - multi-valued attributes accumulate include values
//   - excludes accumulate and are only dropped by an explicit Remove, Clear or
//     ResolveConflict
//   - an include that matches an active exclude is a conflict and nothing in
//     the update is committed
package constraints

import "sort"

// Strategy selects which constraint Relax removes.
type Strategy string

const (
	// StrategyAuto uses lowest_priority when any relaxable constraint has a
	// priority, least_recent otherwise.
	StrategyAuto           Strategy = "auto"
	StrategyLeastRecent    Strategy = "least_recent"
	StrategyLowestPriority Strategy = "lowest_priority"
)

// ParseStrategy returns StrategyAuto for unknown names.
func ParseStrategy(raw string) Strategy {
	switch Strategy(raw) {
	case StrategyLeastRecent, StrategyLowestPriority:
		return Strategy(raw)
	default:
		return StrategyAuto
	}
}

// Snapshot is a value copy of a Set.
type Snapshot struct {
	Constraints []Constraint `json:"constraints"`
	Seq         int          `json:"seq"`
}

// Set is the mutable constraint store of one session. It is not safe for
// concurrent use; the owning session serialises access.
type Set struct {
	items []Constraint
	multi map[Attribute]bool
	seq   int
}

// NewSet creates an empty set. A nil multiValued uses DefaultMultiValued.
func NewSet(multiValued []Attribute) *Set {
	if multiValued == nil {
		multiValued = DefaultMultiValued
	}
	multi := make(map[Attribute]bool, len(multiValued))
	for _, a := range multiValued {
		multi[a] = true
	}
	return &Set{multi: multi}
}

// MultiValued reports whether include values on a accumulate.
func (s *Set) MultiValued(a Attribute) bool { return s.multi[a] }

// Len returns the number of active constraints.
func (s *Set) Len() int { return len(s.items) }

// Constraints returns a copy of all active constraints in insertion order.
func (s *Set) Constraints() []Constraint {
	out := make([]Constraint, 0, len(s.items))
	for _, c := range s.items {
		out = append(out, c.clone())
	}
	return out
}

func (s *Set) Includes() []Constraint { return s.filter(Include) }

func (s *Set) Excludes() []Constraint { return s.filter(Exclude) }

func (s *Set) filter(p Polarity) []Constraint {
	var out []Constraint
	for _, c := range s.items {
		if c.Polarity == p {
			out = append(out, c.clone())
		}
	}
	return out
}

// Has reports whether an include exists on attribute a.
func (s *Set) Has(a Attribute) bool {
	for _, c := range s.items {
		if c.Attribute == a && c.Polarity == Include {
			return true
		}
	}
	return false
}

// Unconstrained returns the attributes from order that carry no include.
func (s *Set) Unconstrained(order []Attribute) []Attribute {
	if len(order) == 0 {
		order = allAttributes
	}
	var out []Attribute
	for _, a := range order {
		if !s.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

// Clone returns an independent copy sharing the multi-valued declaration.
func (s *Set) Clone() *Set {
	c := &Set{multi: s.multi, seq: s.seq}
	c.items = s.Constraints()
	return c
}

func (s *Set) Snapshot() Snapshot {
	return Snapshot{Constraints: s.Constraints(), Seq: s.seq}
}

func (s *Set) Restore(snap Snapshot) {
	s.items = make([]Constraint, 0, len(snap.Constraints))
	for _, c := range snap.Constraints {
		s.items = append(s.items, c.clone())
	}
	s.seq = snap.Seq
	for _, c := range s.items {
		if c.Seq > s.seq {
			s.seq = c.Seq
		}
	}
}

// Clear resets the set to empty.
func (s *Set) Clear() {
	s.items = nil
	s.seq = 0
}

// Apply mutates the set with the slots of one user act.
//
// An update is all-or-nothing: invalid slots return an error and conflicting
// includes return a Result with Conflict set; in both cases the set is left
// untouched.
func (s *Set) Apply(u Update) (Result, error) {
	incoming, err := s.prepare(u)
	if err != nil {
		return Result{}, err
	}

	work := s.Clone()
	changed := map[Attribute]bool{}
	var conflicts []Conflict
	for _, c := range incoming {
		ok, conflict := work.applyOne(c)
		if conflict != nil {
			conflicts = append(conflicts, *conflict)
			continue
		}
		if ok {
			changed[c.Attribute] = true
		}
	}

	if len(conflicts) > 0 {
		return Result{Conflict: true, Conflicts: conflicts}, nil
	}
	s.items = work.items
	s.seq = work.seq
	return Result{Changed: orderedAttributes(changed)}, nil
}

// prepare normalises slots and collapses repeated includes on single-valued
// attributes so that only the last one in the update counts.
func (s *Set) prepare(u Update) ([]Constraint, error) {
	out := make([]Constraint, 0, len(u.Slots))
	lastSingle := map[Attribute]int{}
	for _, slot := range u.Slots {
		c, err := normalize(slot, u.Turn)
		if err != nil {
			return nil, err
		}
		if c.Polarity == Include && !s.multi[c.Attribute] {
			if idx, ok := lastSingle[c.Attribute]; ok {
				out[idx] = c
				continue
			}
			lastSingle[c.Attribute] = len(out)
		}
		out = append(out, c)
	}
	return out, nil
}

// applyOne returns whether the set changed, or the conflict that blocked c.
func (s *Set) applyOne(c Constraint) (bool, *Conflict) {
	key := c.Key()
	if c.Polarity == Exclude {
		if idx := s.index(Exclude, key); idx >= 0 {
			return s.refresh(idx, c), nil
		}
		// Excluding a currently included value negates it.
		if idx := s.index(Include, key); idx >= 0 {
			s.removeAt(idx)
		}
		s.push(c)
		return true, nil
	}

	if idx := s.index(Exclude, key); idx >= 0 {
		return false, &Conflict{Incoming: c, Existing: s.items[idx].clone()}
	}
	if idx := s.index(Include, key); idx >= 0 {
		return s.refresh(idx, c), nil
	}
	if !s.multi[c.Attribute] {
		for i := len(s.items) - 1; i >= 0; i-- {
			if s.items[i].Attribute == c.Attribute && s.items[i].Polarity == Include {
				s.removeAt(i)
			}
		}
	}
	s.push(c)
	return true, nil
}

// refresh updates flags on an equal constraint without touching its age.
func (s *Set) refresh(idx int, c Constraint) bool {
	cur := &s.items[idx]
	if cur.Mandatory == c.Mandatory && cur.Priority == c.Priority {
		return false
	}
	cur.Mandatory = c.Mandatory
	cur.Priority = c.Priority
	return true
}

func (s *Set) push(c Constraint) {
	s.seq++
	c.Seq = s.seq
	s.items = append(s.items, c)
}

func (s *Set) index(p Polarity, key string) int {
	for i, c := range s.items {
		if c.Polarity == p && c.Key() == key {
			return i
		}
	}
	return -1
}

func (s *Set) removeAt(i int) {
	s.items = append(s.items[:i], s.items[i+1:]...)
}

// Negate turns an include on (a, value) into an exclude.
func (s *Set) Negate(a Attribute, value string, turn int) (bool, error) {
	res, err := s.Apply(Update{Turn: turn, Slots: []Slot{{Attribute: a, Operator: OpExcludes, Value: value}}})
	if err != nil {
		return false, err
	}
	return len(res.Changed) > 0, nil
}

// Remove drops every constraint (either polarity) on a with the given value.
func (s *Set) Remove(a Attribute, value string) int {
	key := Constraint{Attribute: a, Value: value}.Key()
	removed := 0
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].Key() == key {
			s.removeAt(i)
			removed++
		}
	}
	return removed
}

// RemoveAttribute drops every constraint on a.
func (s *Set) RemoveAttribute(a Attribute) int {
	removed := 0
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].Attribute == a {
			s.removeAt(i)
			removed++
		}
	}
	return removed
}

// ResolveConflict applies an include the user confirmed over its exclude.
func (s *Set) ResolveConflict(c Conflict) bool {
	if idx := s.index(Exclude, c.Existing.Key()); idx >= 0 {
		s.removeAt(idx)
	}
	ok, conflict := s.applyOne(c.Incoming.clone())
	return ok && conflict == nil
}

// Merge applies another set's constraints in their insertion order. Includes
// that conflict with an exclude here are skipped and reported.
func (s *Set) Merge(other *Set) Result {
	if other == nil {
		return Result{}
	}
	changed := map[Attribute]bool{}
	var conflicts []Conflict
	for _, c := range other.Constraints() {
		ok, conflict := s.applyOne(c)
		if conflict != nil {
			conflicts = append(conflicts, *conflict)
			continue
		}
		if ok {
			changed[c.Attribute] = true
		}
	}
	return Result{Changed: orderedAttributes(changed), Conflict: len(conflicts) > 0, Conflicts: conflicts}
}

// Relax removes one non-mandatory include chosen by strategy. Excludes are
// never relaxed.
func (s *Set) Relax(strategy Strategy) (Constraint, error) {
	var candidates []int
	prioritised := false
	for i, c := range s.items {
		if c.Polarity != Include || c.Mandatory {
			continue
		}
		candidates = append(candidates, i)
		if c.Priority != 0 {
			prioritised = true
		}
	}
	if len(candidates) == 0 {
		return Constraint{}, ErrNoRelaxableConstraint
	}
	if strategy == StrategyAuto || strategy == "" {
		strategy = StrategyLeastRecent
		if prioritised {
			strategy = StrategyLowestPriority
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := s.items[candidates[i]], s.items[candidates[j]]
		if strategy == StrategyLowestPriority && a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Turn != b.Turn {
			return a.Turn < b.Turn
		}
		return a.Seq < b.Seq
	})
	idx := candidates[0]
	removed := s.items[idx].clone()
	s.removeAt(idx)
	return removed, nil
}

func orderedAttributes(set map[Attribute]bool) []Attribute {
	if len(set) == 0 {
		return nil
	}
	out := make([]Attribute, 0, len(set))
	for _, a := range allAttributes {
		if set[a] {
			out = append(out, a)
		}
	}
	return out
}
