package dialogue

import (
	"context"
	"fmt"
	"math"

	"github.com/dotsetgreg/recdm/pkg/constraints"
	"github.com/dotsetgreg/recdm/pkg/history"
	"github.com/dotsetgreg/recdm/pkg/logger"
	"github.com/dotsetgreg/recdm/pkg/metrics"
	"github.com/dotsetgreg/recdm/pkg/policy"
	"github.com/dotsetgreg/recdm/pkg/resolver"
)

// turn is the working state of one HandleTurn call.
type turn struct {
	e    *Engine
	ctx  context.Context
	s    *Session
	act  UserAct
	idx  int
	acts []SystemAct
	// noop marks a turn that only degraded (invalid slots) and counts
	// towards MaxRepeats.
	noop bool
}

type resolveMode struct {
	// requested skips the clarify threshold and presents the top candidates.
	requested       bool
	includeRejected bool
	skip            []string
}

type feedback struct {
	accept    *resolver.Candidate
	rejects   []string
	ambiguous bool
}

func (t *turn) run() error {
	a := t.act
	if a.Empty() {
		// Any input leaves Greeting; later empty turns are no-ops.
		if t.s.State == policy.Greeting {
			t.fire(policy.Input, SystemAct{Hints: t.hints()})
		}
		return nil
	}
	if a.Has(IntentQuit) {
		t.fire(policy.Quit, SystemAct{Reason: ReasonUserQuit})
		return nil
	}
	if a.Has(IntentRestart) {
		t.restart()
		if len(a.Slots) == 0 {
			return nil
		}
	}
	if t.s.Pending != nil {
		if handled, err := t.settleConflict(); handled || err != nil {
			return err
		}
	}
	if t.s.PendingAccept != "" {
		if handled, err := t.settleConfirmation(); handled || err != nil {
			return err
		}
	}

	changed, ok := t.applySlots()
	if !ok {
		return nil
	}
	fb := t.feedback(changed)
	for _, id := range fb.rejects {
		if err := t.s.History.Record(id, history.Rejected, t.idx); err != nil {
			return fmt.Errorf("record reject: %w", err)
		}
	}

	// New constraints win over feedback: resolve first, honour an accept
	// only if the pick survives the updated belief state.
	if changed {
		return t.reenter(fb.accept, resolveMode{})
	}

	requested := a.Has(IntentRecommend) || a.Has(IntentIncludeRejected)
	switch {
	case t.s.State == policy.Greeting && !requested:
		t.fire(policy.Input, SystemAct{Hints: t.hints()})
	case fb.accept != nil:
		return t.accept(*fb.accept)
	case fb.ambiguous:
		t.fire(policy.AmbiguousFeedback, SystemAct{Reason: ReasonAmbiguousFeedback, Candidates: t.s.Presented})
	case len(fb.rejects) > 0:
		t.afterReject()
	case requested:
		m := resolveMode{requested: a.Has(IntentRecommend), includeRejected: a.Has(IntentIncludeRejected)}
		if t.s.State == policy.AwaitingFeedback && a.Has(IntentRecommend) {
			m.skip = resolver.IDs(t.s.Presented)
		}
		return t.reenter(nil, m)
	case a.Has(IntentRetry):
		return t.reenter(nil, resolveMode{})
	}
	return nil
}

// fire runs one policy transition and queues its act.
func (t *turn) fire(tr policy.Trigger, payload SystemAct) policy.Decision {
	d := t.e.policy.Next(t.s.State, tr)
	logger.DebugCF("dialogue", "Policy transition", map[string]interface{}{
		"session_id": t.s.ID,
		"from":       d.From.String(),
		"to":         d.To.String(),
		"trigger":    tr.String(),
		"act":        string(d.Act),
	})
	t.s.State = d.To
	if d.Act != policy.ActNone {
		payload.Type = d.Act
		t.acts = append(t.acts, payload)
	}
	if d.To == policy.Closing && d.From != policy.Closing {
		t.close(payload.Reason)
	}
	return d
}

func (t *turn) close(reason Reason) {
	if !t.s.History.Resolved() {
		t.markSkipped("")
	}
	t.s.Terminated = true
	t.s.CloseReason = reason
	t.s.Presented = nil
	t.s.Pending = nil
	t.s.PendingAccept = ""
	metrics.RecordSessionClosed(string(reason))
	logger.InfoCF("dialogue", "Session closed", map[string]interface{}{
		"session_id": t.s.ID,
		"reason":     string(reason),
		"turns":      t.s.Turn,
	})
}

func (t *turn) restart() {
	t.markSkipped("")
	t.s.Constraints.Clear()
	t.s.Presented = nil
	t.s.Pending = nil
	t.s.PendingAccept = ""
	t.s.RelaxAttempts = 0
	t.s.ResolverFailures = 0
	t.fire(policy.Restart, SystemAct{Hints: t.hints()})
}

// applySlots updates the belief state. ok is false when the turn already
// produced its answer (conflict or unusable slots).
func (t *turn) applySlots() (changed, ok bool) {
	a := t.act
	if len(a.Slots) == 0 {
		return false, true
	}

	if a.Has(IntentRemove) {
		removed := 0
		for _, sl := range a.Slots {
			if !sl.Attribute.Valid() {
				t.degrade(fmt.Errorf("%w: %q", constraints.ErrUnknownAttribute, sl.Attribute))
				return false, false
			}
			if sl.Value == "" || sl.Range != nil {
				removed += t.s.Constraints.RemoveAttribute(sl.Attribute)
				continue
			}
			removed += t.s.Constraints.Remove(sl.Attribute, sl.Value)
		}
		return removed > 0, true
	}

	u := constraints.Update{Turn: t.idx, Slots: t.seedPriorities(a.Slots)}
	res, err := t.s.Constraints.Apply(u)
	if err != nil {
		t.degrade(err)
		return false, false
	}
	if res.Conflict {
		metrics.Conflicts.Inc()
		t.s.Pending = &PendingConflict{Update: u, Conflicts: res.Conflicts}
		logger.InfoCF("dialogue", "Conflicting constraint held back", map[string]interface{}{
			"session_id": t.s.ID,
			"conflict":   res.Err().Error(),
		})
		t.fire(policy.Conflict, SystemAct{Reason: ReasonConflictingConstraint, Conflicts: res.Conflicts})
		return false, false
	}
	return len(res.Changed) > 0, true
}

// seedPriorities gives includes without a declared priority one derived from
// the user's tag preference, so tags the user dislikes are relaxed first.
func (t *turn) seedPriorities(slots []constraints.Slot) []constraints.Slot {
	prefs := t.e.opts.Preferences
	if prefs == nil || t.s.UserID == "" {
		return slots
	}
	out := make([]constraints.Slot, len(slots))
	copy(out, slots)
	for i, sl := range out {
		if sl.Priority != 0 || sl.Range != nil || sl.Value == "" || !sl.Attribute.Valid() ||
			sl.Polarity == constraints.Exclude || sl.Operator == constraints.OpExcludes {
			continue
		}
		p, err := prefs.TagPreference(t.ctx, t.s.UserID, sl.Attribute, sl.Value)
		if err != nil {
			logger.WarnCF("dialogue", "Tag preference lookup failed", map[string]interface{}{
				"session_id": t.s.ID,
				"tag":        string(sl.Attribute) + "=" + sl.Value,
				"error":      err.Error(),
			})
			continue
		}
		out[i].Priority = int(math.Round(p * preferenceScale))
	}
	return out
}

// degrade answers unusable slots with a clarifying question without moving
// the policy.
func (t *turn) degrade(err error) {
	logger.WarnCF("dialogue", "Unusable slots in user act", map[string]interface{}{
		"session_id": t.s.ID,
		"error":      err.Error(),
	})
	t.noop = true
	t.acts = append(t.acts, SystemAct{
		Type:   policy.ActAskClarifyingQuestion,
		Reason: ReasonUnknownAttribute,
		Hints:  t.hints(),
	})
}

func (t *turn) feedback(changed bool) feedback {
	a := t.act
	var fb feedback
	presented := t.s.Presented
	ids := a.CandidateIDs

	switch {
	case a.Has(IntentAccept) && (a.Has(IntentReject) || a.Has(IntentRejectAll)):
		fb.ambiguous = true
	case a.Has(IntentAccept):
		switch {
		case len(ids) == 1:
			if c, ok := findCandidate(presented, ids[0]); ok {
				fb.accept = &c
			} else if changed {
				fb.accept = &resolver.Candidate{ID: ids[0]}
			} else {
				fb.ambiguous = true
			}
		case len(ids) == 0 && len(presented) == 1:
			c := presented[0]
			fb.accept = &c
		default:
			fb.ambiguous = true
		}
	case a.Has(IntentRejectAll):
		for _, c := range presented {
			if o, _ := t.s.History.Outcome(c.ID); o != history.Rejected {
				fb.rejects = append(fb.rejects, c.ID)
			}
		}
		fb.rejects = append(fb.rejects, ids...)
	case a.Has(IntentReject):
		switch {
		case len(ids) > 0:
			fb.rejects = ids
		case len(presented) == 1:
			fb.rejects = []string{presented[0].ID}
		default:
			fb.ambiguous = true
		}
	}
	if fb.ambiguous && (t.s.State != policy.AwaitingFeedback || changed) {
		// Ambiguity only matters when we are waiting for feedback.
		fb.ambiguous = false
	}
	return fb
}

// reenter drives the policy from a resting state into Resolving.
func (t *turn) reenter(accept *resolver.Candidate, m resolveMode) error {
	keep := ""
	if accept != nil {
		keep = accept.ID
	}
	t.markSkipped(keep)
	t.s.Presented = nil

	requested := m.requested || m.includeRejected
	if t.s.Constraints.Len() == 0 && !requested {
		t.fire(policy.NoConstraints, SystemAct{Hints: t.hints()})
		return nil
	}
	tr := policy.ConstraintsUpdated
	if requested {
		tr = policy.RecommendRequested
	}
	// Greeting, Clarifying, AwaitingFeedback and Confirming pass through
	// Eliciting first.
	for i := 0; i < 2 && t.s.State != policy.Resolving; i++ {
		if !t.fire(tr, SystemAct{}).Changed() {
			return nil
		}
	}
	if t.s.State != policy.Resolving {
		return nil
	}
	return t.resolve(accept, m)
}

// resolve queries candidates, relaxing on empty results, and fires the
// matching result trigger. Relaxation works on a copy of the belief state
// that is only committed when it produced candidates.
func (t *turn) resolve(accept *resolver.Candidate, m resolveMode) error {
	opts := t.e.opts
	work := t.s.Constraints.Clone()
	var relaxed []constraints.Constraint
	t.s.RelaxAttempts = 0

	for {
		exclude := union(t.s.History.ExcludedSet(true), m.skip)
		resp, err := t.query(work, exclude)
		if err != nil {
			return t.resolverFailed(err)
		}
		if len(resp.Candidates) == 0 && m.includeRejected {
			resp, err = t.query(work, union(t.s.History.ExcludedSet(false), m.skip))
			if err != nil {
				return t.resolverFailed(err)
			}
		}

		if len(resp.Candidates) == 0 {
			if t.s.RelaxAttempts >= opts.RelaxationCap {
				t.fire(policy.RelaxationExhausted, SystemAct{Reason: ReasonRelaxationExhausted, Relaxed: relaxed})
				return nil
			}
			removed, err := work.Relax(opts.RelaxStrategy)
			if err != nil {
				t.fire(policy.RelaxationExhausted, SystemAct{Reason: ReasonNoRelaxableConstraint, Relaxed: relaxed})
				return nil
			}
			t.s.RelaxAttempts++
			metrics.Relaxations.Inc()
			relaxed = append(relaxed, removed)
			t.fire(policy.ZeroResults, SystemAct{Relaxed: []constraints.Constraint{removed}})
			t.fire(policy.Relaxed, SystemAct{})
			continue
		}

		t.s.Constraints = work
		if resp.TotalMatched > opts.ClarifyThreshold && !m.requested {
			t.fire(policy.TooManyResults, SystemAct{Reason: ReasonTooManyResults, Hints: t.hints()})
			return nil
		}
		if accept != nil {
			if c, ok := findCandidate(resp.Candidates, accept.ID); ok {
				return t.accept(c)
			}
		}
		present := resp.Candidates
		if len(present) > opts.PresentLimit {
			present = present[:opts.PresentLimit]
		}
		return t.present(present)
	}
}

func (t *turn) query(work *constraints.Set, exclude []string) (resolver.Response, error) {
	limit := t.e.opts.ResolveLimit
	resp, err := t.e.resolver.Resolve(t.ctx, resolver.Request{
		Constraints: work.Constraints(),
		ExcludeIDs:  exclude,
		Limit:       limit,
	})
	if err != nil {
		return resolver.Response{}, err
	}
	t.s.ResolverFailures = 0
	return resolver.Normalize(resp, exclude, limit), nil
}

// resolverFailed degrades to AskRetryOrRelax. Only a cancelled turn context
// is returned as an error.
func (t *turn) resolverFailed(err error) error {
	if ctxErr := t.ctx.Err(); ctxErr != nil {
		return fmt.Errorf("resolve candidates: %w", ctxErr)
	}
	t.s.ResolverFailures++
	logger.WarnCF("dialogue", "Resolver unavailable", map[string]interface{}{
		"session_id": t.s.ID,
		"failures":   t.s.ResolverFailures,
		"error":      err.Error(),
	})
	if t.s.ResolverFailures >= t.e.opts.MaxResolverFailures {
		t.fire(policy.ResolverExhausted, SystemAct{Reason: ReasonResolverUnavailable})
		return nil
	}
	var relaxable []constraints.Attribute
	for _, c := range t.s.Constraints.Includes() {
		if !c.Mandatory {
			relaxable = appendUnique(relaxable, c.Attribute)
		}
	}
	t.fire(policy.ResolverUnavailable, SystemAct{Reason: ReasonResolverUnavailable, Hints: relaxable})
	return nil
}

func (t *turn) present(cands []resolver.Candidate) error {
	for _, c := range cands {
		if err := t.s.History.Record(c.ID, history.Shown, t.idx); err != nil {
			return fmt.Errorf("record shown: %w", err)
		}
	}
	t.s.Presented = append([]resolver.Candidate(nil), cands...)
	t.fire(policy.Results, SystemAct{Candidates: cands})
	t.fire(policy.Presented, SystemAct{})
	return nil
}

func (t *turn) accept(c resolver.Candidate) error {
	if !t.e.policy.Next(t.s.State, policy.Accept).Changed() {
		return nil
	}
	if t.e.opts.ConfirmBeforeClose && t.s.State != policy.Confirming {
		t.s.PendingAccept = c.ID
		t.fire(policy.Accept, SystemAct{Candidates: []resolver.Candidate{c}, Reason: ReasonAccepted})
		return nil
	}
	t.markSkipped(c.ID)
	if err := t.s.History.Record(c.ID, history.Accepted, t.idx); err != nil {
		return fmt.Errorf("record accept: %w", err)
	}
	t.fire(policy.Accept, SystemAct{Candidates: []resolver.Candidate{c}, Reason: ReasonAccepted})
	return nil
}

// afterReject re-presents what is left of the offer, or asks for more
// preferences once everything was rejected.
func (t *turn) afterReject() {
	if t.s.State != policy.AwaitingFeedback && t.s.State != policy.Confirming {
		return
	}
	var remaining []resolver.Candidate
	for _, c := range t.s.Presented {
		if o, _ := t.s.History.Outcome(c.ID); o != history.Rejected {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) > 0 {
		t.s.Presented = remaining
		t.fire(policy.RejectSome, SystemAct{Candidates: remaining})
		t.fire(policy.Presented, SystemAct{})
		return
	}
	t.s.Presented = nil
	t.fire(policy.RejectAll, SystemAct{Hints: t.hints()})
}

// settleConflict handles the answer to a conflict question. Anything but an
// affirm or deny drops the held-back update.
func (t *turn) settleConflict() (bool, error) {
	p := t.s.Pending
	t.s.Pending = nil
	switch {
	case t.act.Has(IntentAffirm):
		for _, c := range p.Conflicts {
			t.s.Constraints.ResolveConflict(c)
		}
		if _, err := t.s.Constraints.Apply(p.Update); err != nil {
			return true, fmt.Errorf("apply settled update: %w", err)
		}
	case t.act.Has(IntentDeny):
		if u := withoutConflicts(*p); len(u.Slots) > 0 {
			if _, err := t.s.Constraints.Apply(u); err != nil {
				return true, fmt.Errorf("apply settled update: %w", err)
			}
		}
	default:
		return false, nil
	}
	t.fire(policy.ConflictResolved, SystemAct{})
	return true, t.reenter(nil, resolveMode{})
}

// settleConfirmation handles the answer to ConfirmRecommendation.
func (t *turn) settleConfirmation() (bool, error) {
	a := t.act
	pending := t.s.PendingAccept
	t.s.PendingAccept = ""
	ids := a.CandidateIDs
	c, ok := findCandidate(t.s.Presented, pending)
	if !ok {
		c = resolver.Candidate{ID: pending}
	}

	switch {
	case a.Has(IntentAffirm), a.Has(IntentAccept) && (len(ids) == 0 || (len(ids) == 1 && ids[0] == pending)):
		return true, t.accept(c)
	case a.Has(IntentAccept) && len(a.Slots) == 0:
		// Another pick moves the question to it; an unknown one repeats it.
		if len(ids) == 1 {
			if other, ok := findCandidate(t.s.Presented, ids[0]); ok {
				c = other
			}
		}
		t.s.PendingAccept = c.ID
		t.acts = append(t.acts, SystemAct{
			Type:       policy.ActConfirmRecommendation,
			Reason:     ReasonAccepted,
			Candidates: []resolver.Candidate{c},
		})
		return true, nil
	case a.Has(IntentDeny), a.Has(IntentReject) && (len(ids) == 0 || contains(ids, pending)):
		if err := t.s.History.Record(pending, history.Rejected, t.idx); err != nil {
			return true, fmt.Errorf("record reject: %w", err)
		}
		for _, id := range ids {
			if id == pending {
				continue
			}
			if err := t.s.History.Record(id, history.Rejected, t.idx); err != nil {
				return true, fmt.Errorf("record reject: %w", err)
			}
		}
		t.afterReject()
		return true, nil
	}
	return false, nil
}

// markSkipped records presented candidates the user moved past without
// judging them.
func (t *turn) markSkipped(except string) {
	for _, c := range t.s.Presented {
		if c.ID == except {
			continue
		}
		if o, _ := t.s.History.Outcome(c.ID); o == history.Shown {
			_ = t.s.History.Record(c.ID, history.Skipped, t.idx)
		}
	}
}

func (t *turn) hints() []constraints.Attribute {
	free := t.s.Constraints.Unconstrained(t.e.opts.ElicitOrder)
	if len(free) > t.e.opts.MaxHints {
		free = free[:t.e.opts.MaxHints]
	}
	return free
}

func withoutConflicts(p PendingConflict) constraints.Update {
	drop := map[string]bool{}
	for _, c := range p.Conflicts {
		drop[c.Incoming.Key()] = true
	}
	u := constraints.Update{Turn: p.Update.Turn}
	for _, sl := range p.Update.Slots {
		key := constraints.Constraint{Attribute: sl.Attribute, Value: sl.Value, Range: sl.Range}.Key()
		if drop[key] && sl.Polarity != constraints.Exclude && sl.Operator != constraints.OpExcludes {
			continue
		}
		u.Slots = append(u.Slots, sl)
	}
	return u
}

func findCandidate(cands []resolver.Candidate, id string) (resolver.Candidate, bool) {
	for _, c := range cands {
		if c.ID == id {
			return c, true
		}
	}
	return resolver.Candidate{}, false
}

func contains(ids []string, id string) bool {
	for _, got := range ids {
		if got == id {
			return true
		}
	}
	return false
}

func union(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := append([]string(nil), a...)
	for _, id := range b {
		if !contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func appendUnique(list []constraints.Attribute, a constraints.Attribute) []constraints.Attribute {
	for _, got := range list {
		if got == a {
			return list
		}
	}
	return append(list, a)
}
