// Package resolver is the boundary to the external item catalog. The dialogue
// manager only sees candidate ids and scores.
package resolver

import (
	"context"
	"sort"

	"github.com/dotsetgreg/recdm/pkg/constraints"
)

// Candidate is an opaque item id with its rank score.
type Candidate struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Request asks for items satisfying Constraints, minus ExcludeIDs.
// Limit <= 0 means no truncation.
type Request struct {
	Constraints []constraints.Constraint `json:"constraints"`
	ExcludeIDs  []string                 `json:"exclude_ids,omitempty"`
	Limit       int                      `json:"limit,omitempty"`
}

// Response is the ranked candidate list plus the total match count before
// truncation.
type Response struct {
	Candidates   []Candidate `json:"candidates"`
	TotalMatched int         `json:"total_matched"`
}

// Resolver maps a constraint set to ranked candidates. Implementations must
// be safe for concurrent use by many sessions.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (Response, error)
}

// Func adapts a plain function to Resolver.
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Resolve(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Normalize dedups candidates by id keeping the best score, drops excluded
// ids, orders by score desc then id, and truncates to limit. TotalMatched is
// lowered by the excluded ids that were dropped.
func Normalize(resp Response, exclude []string, limit int) Response {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	best := make(map[string]float64, len(resp.Candidates))
	order := make([]string, 0, len(resp.Candidates))
	dropped := map[string]bool{}
	for _, c := range resp.Candidates {
		if c.ID == "" {
			continue
		}
		if skip[c.ID] {
			dropped[c.ID] = true
			continue
		}
		score, seen := best[c.ID]
		if !seen {
			order = append(order, c.ID)
			best[c.ID] = c.Score
			continue
		}
		if c.Score > score {
			best[c.ID] = c.Score
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, Candidate{ID: id, Score: best[id]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})

	total := resp.TotalMatched - len(dropped)
	if total < len(out) {
		total = len(out)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return Response{Candidates: out, TotalMatched: total}
}

// IDs returns the candidate ids in order.
func IDs(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.ID
	}
	return out
}
