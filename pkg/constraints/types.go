package constraints

import (
	"fmt"
	"strconv"
	"strings"
)

// Attribute is a domain key a user preference can be stated against.
type Attribute string

const (
	AttrGenre    Attribute = "genre"
	AttrActor    Attribute = "actor"
	AttrDirector Attribute = "director"
	AttrDecade   Attribute = "decade"
	AttrYear     Attribute = "year"
	AttrRating   Attribute = "rating"
	AttrMood     Attribute = "mood"
	AttrKeyword  Attribute = "keyword"
	AttrLanguage Attribute = "language"
	AttrDuration Attribute = "duration"
)

var allAttributes = []Attribute{
	AttrGenre,
	AttrActor,
	AttrDirector,
	AttrDecade,
	AttrYear,
	AttrRating,
	AttrMood,
	AttrKeyword,
	AttrLanguage,
	AttrDuration,
}

// DefaultMultiValued lists attributes whose include values accumulate.
var DefaultMultiValued = []Attribute{AttrGenre, AttrActor, AttrKeyword, AttrMood}

// Attributes returns the closed attribute domain in declaration order.
func Attributes() []Attribute {
	out := make([]Attribute, len(allAttributes))
	copy(out, allAttributes)
	return out
}

func (a Attribute) Valid() bool {
	for _, known := range allAttributes {
		if a == known {
			return true
		}
	}
	return false
}

// ParseAttribute maps a case-insensitive name onto the attribute domain.
func ParseAttribute(raw string) (Attribute, error) {
	a := Attribute(strings.ToLower(strings.TrimSpace(raw)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAttribute, raw)
	}
	return a, nil
}

// Operator is the comparison a constraint applies.
type Operator string

const (
	OpEquals   Operator = "equals"
	OpExcludes Operator = "excludes"
	OpInRange  Operator = "in_range"
)

// Polarity says whether matching items are wanted or unwanted.
type Polarity string

const (
	Include Polarity = "include"
	Exclude Polarity = "exclude"
)

// Range is an inclusive numeric interval used by in_range constraints.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

func (r Range) String() string {
	return strconv.FormatFloat(r.Min, 'f', -1, 64) + ".." + strconv.FormatFloat(r.Max, 'f', -1, 64)
}

// Slot is one (attribute, operator, polarity, value) tuple produced by NLU.
type Slot struct {
	Attribute Attribute `json:"attribute"`
	Operator  Operator  `json:"operator,omitempty"`
	Polarity  Polarity  `json:"polarity,omitempty"`
	Value     string    `json:"value,omitempty"`
	Range     *Range    `json:"range,omitempty"`
	Priority  int       `json:"priority,omitempty"`
	Mandatory bool      `json:"mandatory,omitempty"`
}

// Constraint is an active preference assertion in the belief state.
type Constraint struct {
	Attribute Attribute `json:"attribute"`
	Operator  Operator  `json:"operator"`
	Polarity  Polarity  `json:"polarity"`
	Value     string    `json:"value,omitempty"`
	Range     *Range    `json:"range,omitempty"`
	Priority  int       `json:"priority,omitempty"`
	Mandatory bool      `json:"mandatory,omitempty"`
	Turn      int       `json:"turn"`
	Seq       int       `json:"seq"`
}

// Key identifies the value a constraint talks about, independent of polarity.
func (c Constraint) Key() string {
	if c.Range != nil {
		return string(c.Attribute) + "=" + c.Range.String()
	}
	return string(c.Attribute) + "=" + normalizeValue(c.Value)
}

func (c Constraint) String() string {
	val := c.Value
	if c.Range != nil {
		val = c.Range.String()
	}
	if c.Polarity == Exclude {
		return string(c.Attribute) + "!=" + val
	}
	return string(c.Attribute) + "=" + val
}

func (c Constraint) clone() Constraint {
	if c.Range != nil {
		r := *c.Range
		c.Range = &r
	}
	return c
}

// Update is the constraint-bearing part of one user act.
type Update struct {
	Turn  int    `json:"turn"`
	Slots []Slot `json:"slots"`
}

// Conflict pairs an incoming include with the exclude it contradicts.
type Conflict struct {
	Incoming Constraint `json:"incoming"`
	Existing Constraint `json:"existing"`
}

// Result reports what Apply changed.
type Result struct {
	Changed   []Attribute `json:"changed,omitempty"`
	Conflict  bool        `json:"conflict"`
	Conflicts []Conflict  `json:"conflicts,omitempty"`
}

// Err returns ErrConflictingConstraint when the update was held back.
func (r Result) Err() error {
	if !r.Conflict {
		return nil
	}
	return &ConflictError{Conflicts: r.Conflicts}
}

func normalizeValue(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}

// normalize validates a slot and turns it into a constraint with canonical
// operator/polarity.
func normalize(s Slot, turn int) (Constraint, error) {
	if !s.Attribute.Valid() {
		return Constraint{}, fmt.Errorf("%w: %q", ErrUnknownAttribute, s.Attribute)
	}
	c := Constraint{
		Attribute: s.Attribute,
		Operator:  s.Operator,
		Polarity:  s.Polarity,
		Value:     strings.TrimSpace(s.Value),
		Priority:  s.Priority,
		Mandatory: s.Mandatory,
		Turn:      turn,
	}
	if s.Range != nil {
		r := *s.Range
		c.Range = &r
	}

	if c.Operator == "" {
		if c.Range != nil {
			c.Operator = OpInRange
		} else {
			c.Operator = OpEquals
		}
	}
	switch c.Operator {
	case OpEquals, OpInRange:
	case OpExcludes:
		c.Polarity = Exclude
	default:
		return Constraint{}, fmt.Errorf("%w: unknown operator %q", ErrInvalidSlot, c.Operator)
	}
	switch c.Polarity {
	case "":
		c.Polarity = Include
	case Include, Exclude:
	default:
		return Constraint{}, fmt.Errorf("%w: unknown polarity %q", ErrInvalidSlot, c.Polarity)
	}
	if c.Polarity == Exclude && c.Operator == OpEquals {
		c.Operator = OpExcludes
	}

	if c.Operator == OpInRange {
		if c.Range == nil {
			return Constraint{}, fmt.Errorf("%w: %s in_range without range", ErrInvalidSlot, c.Attribute)
		}
		if c.Range.Min > c.Range.Max {
			return Constraint{}, fmt.Errorf("%w: %s range %s is inverted", ErrInvalidSlot, c.Attribute, c.Range)
		}
		c.Value = ""
	} else {
		c.Range = nil
		if c.Value == "" {
			return Constraint{}, fmt.Errorf("%w: %s without value", ErrInvalidSlot, c.Attribute)
		}
	}
	return c, nil
}
