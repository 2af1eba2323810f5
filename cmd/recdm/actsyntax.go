package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dotsetgreg/recdm/pkg/constraints"
	"github.com/dotsetgreg/recdm/pkg/dialogue"
	"github.com/dotsetgreg/recdm/pkg/policy"
	"github.com/dotsetgreg/recdm/pkg/resolver"
)

// Chat shorthand, one act per line:
//
//	genre=comedy decade=1990s        inform
//	genre!=horror                    exclude
//	year=1990..1999                  range
//	genre=comedy! actor=murray^2     mandatory, priority 2
//	accept m2 | reject m1 m3 | reject_all
//	remove genre | remove genre=comedy
//	yes | no | more | include_rejected | retry | restart | quit
var keywordIntents = map[string]dialogue.Intent{
	"accept":           dialogue.IntentAccept,
	"pick":             dialogue.IntentAccept,
	"reject":           dialogue.IntentReject,
	"reject_all":       dialogue.IntentRejectAll,
	"none":             dialogue.IntentRejectAll,
	"quit":             dialogue.IntentQuit,
	"bye":              dialogue.IntentQuit,
	"restart":          dialogue.IntentRestart,
	"yes":              dialogue.IntentAffirm,
	"affirm":           dialogue.IntentAffirm,
	"no":               dialogue.IntentDeny,
	"deny":             dialogue.IntentDeny,
	"remove":           dialogue.IntentRemove,
	"more":             dialogue.IntentRecommend,
	"recommend":        dialogue.IntentRecommend,
	"include_rejected": dialogue.IntentIncludeRejected,
	"retry":            dialogue.IntentRetry,
}

// parseAct turns one shorthand line into a UserAct. Lines with nothing
// recognisable yield an Unparsed act so the dialogue can degrade on it.
func parseAct(line string) (dialogue.UserAct, error) {
	tokens, err := splitTokens(line)
	if err != nil {
		return dialogue.UserAct{}, err
	}

	var (
		act      dialogue.UserAct
		unknown  int
		takesIDs bool
		removing bool
	)
	for _, tok := range tokens {
		if intent, ok := keywordIntents[strings.ToLower(tok)]; ok {
			if !act.Has(intent) {
				act.Intents = append(act.Intents, intent)
			}
			takesIDs = intent == dialogue.IntentAccept || intent == dialogue.IntentReject
			removing = removing || intent == dialogue.IntentRemove
			continue
		}
		if strings.Contains(tok, "=") {
			slot, err := parseSlot(tok)
			if err != nil {
				return dialogue.UserAct{}, err
			}
			act.Slots = append(act.Slots, slot)
			takesIDs = false
			continue
		}
		if removing && len(act.CandidateIDs) == 0 && !takesIDs {
			act.Slots = append(act.Slots, constraints.Slot{Attribute: constraints.Attribute(strings.ToLower(tok))})
			continue
		}
		if takesIDs {
			act.CandidateIDs = append(act.CandidateIDs, tok)
			continue
		}
		unknown++
	}

	if len(act.Slots) > 0 && !removing {
		act.Intents = append([]dialogue.Intent{dialogue.IntentInform}, act.Intents...)
	}
	if unknown > 0 && act.Empty() {
		act.Unparsed = true
	}
	return act, nil
}

// parseSlot reads attr=value, attr!=value or attr=min..max with optional
// "!" (mandatory) and "^n" (priority) suffixes.
func parseSlot(tok string) (constraints.Slot, error) {
	var slot constraints.Slot

	attr, value, _ := strings.Cut(tok, "=")
	if strings.HasSuffix(attr, "!") {
		attr = strings.TrimSuffix(attr, "!")
		slot.Polarity = constraints.Exclude
	}
	attr = strings.ToLower(strings.TrimSpace(attr))
	if attr == "" {
		return slot, fmt.Errorf("missing attribute in %q", tok)
	}
	slot.Attribute = constraints.Attribute(attr)

	for {
		if i := strings.LastIndex(value, "^"); i >= 0 {
			if p, err := strconv.Atoi(value[i+1:]); err == nil {
				slot.Priority = p
				value = value[:i]
				continue
			}
		}
		if strings.HasSuffix(value, "!") && len(value) > 1 {
			slot.Mandatory = true
			value = strings.TrimSuffix(value, "!")
			continue
		}
		break
	}

	value = strings.TrimSpace(value)
	if value == "" {
		return slot, fmt.Errorf("missing value in %q", tok)
	}
	if lo, hi, ok := strings.Cut(value, ".."); ok {
		min, err := strconv.ParseFloat(lo, 64)
		if err != nil {
			return slot, fmt.Errorf("bad range start in %q: %w", tok, err)
		}
		max, err := strconv.ParseFloat(hi, 64)
		if err != nil {
			return slot, fmt.Errorf("bad range end in %q: %w", tok, err)
		}
		if min > max {
			min, max = max, min
		}
		slot.Range = &constraints.Range{Min: min, Max: max}
		return slot, nil
	}
	slot.Value = value
	return slot, nil
}

// splitTokens splits on whitespace and keeps double-quoted runs together,
// so actor="bill murray" is one token.
func splitTokens(line string) ([]string, error) {
	var (
		out     []string
		cur     strings.Builder
		quoted  bool
		pending bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			pending = true
		case !quoted && (r == ' ' || r == '\t'):
			if pending {
				out = append(out, cur.String())
				cur.Reset()
				pending = false
			}
		default:
			cur.WriteRune(r)
			pending = true
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quote")
	}
	if pending {
		out = append(out, cur.String())
	}
	return out, nil
}

// describeReply renders a reply as plain lines for the terminal. Titles come
// from the catalog when it knows the id.
func describeReply(r dialogue.Reply, catalog *resolver.MemoryCatalog) []string {
	var lines []string
	for _, act := range r.Acts {
		lines = append(lines, describeAct(act, catalog)...)
	}
	if r.Repeated {
		lines = append(lines, "  (repeated)")
	}
	return lines
}

func describeAct(act dialogue.SystemAct, catalog *resolver.MemoryCatalog) []string {
	head := string(act.Type)
	if act.Reason != "" {
		head += " [" + string(act.Reason) + "]"
	}
	lines := []string{head}

	if len(act.Hints) > 0 {
		hints := make([]string, len(act.Hints))
		for i, h := range act.Hints {
			hints[i] = string(h)
		}
		lines = append(lines, "  try: "+strings.Join(hints, ", "))
	}
	for _, c := range act.Conflicts {
		lines = append(lines, fmt.Sprintf("  %s conflicts with %s", c.Incoming, c.Existing))
	}
	for _, c := range act.Relaxed {
		lines = append(lines, "  dropped "+c.String())
	}
	for _, c := range act.Candidates {
		title := ""
		if catalog != nil {
			if it, ok := catalog.Get(c.ID); ok && it.Title != "" {
				title = " " + it.Title
				if it.Year > 0 {
					title += fmt.Sprintf(" (%d)", it.Year)
				}
			}
		}
		lines = append(lines, fmt.Sprintf("  %s%s", c.ID, title))
	}
	if act.Type == policy.ActConfirmRecommendation {
		lines = append(lines, "  yes / no?")
	}
	return lines
}
