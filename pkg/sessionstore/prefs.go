package sessionstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/recdm/pkg/constraints"
	"github.com/dotsetgreg/recdm/pkg/history"
	"github.com/dotsetgreg/recdm/pkg/logger"
)

// TagPreference is an explicit per-user preference for attr=value, in [-1, 1].
type TagPreference struct {
	Attribute  constraints.Attribute `json:"attribute"`
	Value      string                `json:"value"`
	Preference float64               `json:"preference"`
}

// TagMatcher reports whether a catalog item carries attr=value.
// *resolver.MemoryCatalog implements it.
type TagMatcher interface {
	HasTag(itemID string, attr constraints.Attribute, value string) bool
}

func normalizeTag(attr constraints.Attribute, value string) (constraints.Attribute, string, error) {
	attr = constraints.Attribute(strings.ToLower(strings.TrimSpace(string(attr))))
	value = strings.ToLower(strings.TrimSpace(value))
	if attr == "" || value == "" {
		return "", "", ErrEmptyTag
	}
	return attr, value, nil
}

func tagKey(attr constraints.Attribute, value string) string {
	return string(attr) + "=" + value
}

// ComputeTagPreference averages the preference of every logged choice on an
// item carrying attr=value. It is 0 when no such choice exists.
func ComputeTagPreference(ctx context.Context, st Store, m TagMatcher, userID string, attr constraints.Attribute, value string) (float64, error) {
	attr, value, err := normalizeTag(attr, value)
	if err != nil {
		return 0, err
	}
	entries, err := st.ListChoices(ctx, userID)
	if err != nil {
		return 0, err
	}
	sum, n := 0.0, 0
	for _, e := range entries {
		if !m.HasTag(e.CandidateID, attr, value) {
			continue
		}
		sum += history.Preference(e.Outcome)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// LookupTagPreference returns the stored override for attr=value, falling
// back to ComputeTagPreference.
func LookupTagPreference(ctx context.Context, st Store, m TagMatcher, userID string, attr constraints.Attribute, value string) (float64, error) {
	attr, value, err := normalizeTag(attr, value)
	if err != nil {
		return 0, err
	}
	pref, ok, err := st.GetTagPreference(ctx, userID, attr, value)
	if err != nil {
		return 0, err
	}
	if ok {
		return pref, nil
	}
	return ComputeTagPreference(ctx, st, m, userID, attr, value)
}

func validPreference(p float64) error {
	if p < -1 || p > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidPreference, p)
	}
	return nil
}

// PreferenceModel answers tag preferences for the dialogue engine from a
// store and a catalog.
type PreferenceModel struct {
	Store   Store
	Matcher TagMatcher
}

func (p *PreferenceModel) TagPreference(ctx context.Context, userID string, attr constraints.Attribute, value string) (float64, error) {
	if userID == "" {
		return 0, nil
	}
	pref, err := LookupTagPreference(ctx, p.Store, p.Matcher, userID, attr, value)
	if err != nil {
		return 0, err
	}
	logger.DebugCF("sessionstore", "Tag preference", map[string]interface{}{
		"user_id":    userID,
		"tag":        tagKey(attr, value),
		"preference": pref,
	})
	return pref, nil
}
