// Package dialogue runs conversation turns: it sequences the constraint
// store, the resolver, the history tracker and the policy for each user act
// and packages the resulting system acts.
package dialogue

import (
	"context"
	"time"

	"github.com/dotsetgreg/recdm/pkg/constraints"
	"github.com/dotsetgreg/recdm/pkg/logger"
	"github.com/dotsetgreg/recdm/pkg/metrics"
	"github.com/dotsetgreg/recdm/pkg/policy"
	"github.com/dotsetgreg/recdm/pkg/resolver"
)

// Options are the dialogue policy parameters.
type Options struct {
	// RelaxationCap bounds relaxations per resolve; 0 closes on the first
	// empty result.
	RelaxationCap int
	// More matches than ClarifyThreshold trigger a clarifying question.
	ClarifyThreshold int
	PresentLimit     int
	ResolveLimit     int
	// MaxRepeats no-op turns re-emit the last act; the next one closes.
	MaxRepeats          int
	MaxResolverFailures int
	RelaxStrategy       constraints.Strategy
	ConfirmBeforeClose  bool
	MultiValued         []constraints.Attribute
	// ElicitOrder ranks attributes offered as hints.
	ElicitOrder []constraints.Attribute
	MaxHints    int
	// Preferences seeds the priority of informed tags; nil disables it.
	Preferences Preferences
}

// Preferences scores how much a user likes attr=value, in [-1, 1].
// *sessionstore.PreferenceModel implements it.
type Preferences interface {
	TagPreference(ctx context.Context, userID string, attr constraints.Attribute, value string) (float64, error)
}

// preferenceScale maps a tag preference onto constraint priorities.
const preferenceScale = 10

var defaultElicitOrder = []constraints.Attribute{
	constraints.AttrGenre,
	constraints.AttrDecade,
	constraints.AttrActor,
	constraints.AttrDirector,
	constraints.AttrMood,
	constraints.AttrRating,
	constraints.AttrLanguage,
	constraints.AttrKeyword,
	constraints.AttrYear,
	constraints.AttrDuration,
}

func DefaultOptions() Options {
	return Options{
		RelaxationCap:       3,
		ClarifyThreshold:    20,
		PresentLimit:        3,
		ResolveLimit:        50,
		MaxRepeats:          2,
		MaxResolverFailures: 3,
		RelaxStrategy:       constraints.StrategyAuto,
		MultiValued:         constraints.DefaultMultiValued,
		ElicitOrder:         defaultElicitOrder,
		MaxHints:            3,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.RelaxationCap < 0 {
		o.RelaxationCap = def.RelaxationCap
	}
	if o.ClarifyThreshold <= 0 {
		o.ClarifyThreshold = def.ClarifyThreshold
	}
	if o.PresentLimit <= 0 {
		o.PresentLimit = def.PresentLimit
	}
	if o.ResolveLimit <= 0 {
		o.ResolveLimit = def.ResolveLimit
	}
	if o.ResolveLimit < o.PresentLimit {
		o.ResolveLimit = o.PresentLimit
	}
	if o.MaxRepeats < 0 {
		o.MaxRepeats = def.MaxRepeats
	}
	if o.MaxResolverFailures <= 0 {
		o.MaxResolverFailures = def.MaxResolverFailures
	}
	if o.RelaxStrategy == "" {
		o.RelaxStrategy = def.RelaxStrategy
	}
	if o.MultiValued == nil {
		o.MultiValued = def.MultiValued
	}
	if len(o.ElicitOrder) == 0 {
		o.ElicitOrder = def.ElicitOrder
	}
	if o.MaxHints <= 0 {
		o.MaxHints = def.MaxHints
	}
	return o
}

// Engine handles turns for any number of sessions. It holds no per-session
// state and is safe for concurrent use.
type Engine struct {
	opts     Options
	resolver resolver.Resolver
	policy   *policy.Policy
}

func NewEngine(res resolver.Resolver, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		opts:     opts,
		resolver: res,
		policy:   policy.New(policy.Options{ConfirmBeforeClose: opts.ConfirmBeforeClose}),
	}
}

func (e *Engine) Options() Options { return e.opts }

// NewSession creates a session using the engine's multi-valued declaration.
func (e *Engine) NewSession(id, userID string) *Session {
	return NewSession(id, userID, e.opts.MultiValued, nil)
}

// HandleTurn applies one user act to s. Conversational problems come back as
// acts; an error means the turn was not applied (nil session, cancelled
// context, history misuse) and s is left as it was.
func (e *Engine) HandleTurn(ctx context.Context, s *Session, act UserAct) (Reply, error) {
	if s == nil {
		return Reply{}, ErrNilSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Terminated {
		farewell := SystemAct{Type: policy.ActFarewell, Reason: ReasonSessionClosed}
		return Reply{SessionID: s.ID, Turn: s.Turn, State: s.State, Acts: []SystemAct{farewell}, Closed: true}, nil
	}
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	start := time.Now()
	before := s.snapshotLocked()
	s.Turn++
	t := &turn{e: e, ctx: ctx, s: s, act: act, idx: s.Turn}
	if act.TurnIndex > 0 {
		t.idx = act.TurnIndex
	}

	if err := t.run(); err != nil {
		s.restoreLocked(before, e.opts.MultiValued)
		logger.WarnCF("dialogue", "Turn aborted", map[string]interface{}{
			"session_id": s.ID,
			"turn":       t.idx,
			"error":      err.Error(),
		})
		return Reply{}, err
	}
	reply := t.finish()
	s.UpdatedAt = time.Now().UTC()

	final := reply.Final()
	metrics.RecordTurn(string(final.Type), time.Since(start))
	logger.InfoCF("dialogue", "Turn handled", map[string]interface{}{
		"session_id": s.ID,
		"turn":       t.idx,
		"state":      s.State.String(),
		"act":        string(final.Type),
		"reason":     string(final.Reason),
		"acts":       len(reply.Acts),
		"repeated":   reply.Repeated,
	})
	return reply, nil
}

// finish handles no-op turns and packages the reply.
func (t *turn) finish() Reply {
	s := t.s
	reply := Reply{SessionID: s.ID, Turn: s.Turn}

	if t.noop || len(t.acts) == 0 {
		s.Repeats++
		if s.Repeats > t.e.opts.MaxRepeats && !s.Terminated {
			t.acts = nil
			t.fire(policy.Unresponsive, SystemAct{Reason: ReasonUserUnresponsive})
		} else if len(t.acts) == 0 {
			last := SystemAct{Type: policy.ActElicitPreference, Hints: t.hints()}
			if s.LastAct != nil {
				last = cloneAct(*s.LastAct)
			}
			t.acts = []SystemAct{last}
			reply.Repeated = true
		}
	} else {
		s.Repeats = 0
	}

	last := cloneAct(t.acts[len(t.acts)-1])
	s.LastAct = &last
	reply.Acts = t.acts
	reply.State = s.State
	reply.Closed = s.Terminated
	return reply
}

