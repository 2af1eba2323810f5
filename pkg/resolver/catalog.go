package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dotsetgreg/recdm/pkg/constraints"
)

// Item is one catalog entry of the in-process reference catalog.
type Item struct {
	ID         string              `json:"id"`
	Title      string              `json:"title"`
	Attributes map[string][]string `json:"attributes,omitempty"`
	Year       int                 `json:"year,omitempty"`
	Rating     float64             `json:"rating,omitempty"`
	Duration   int                 `json:"duration,omitempty"`
	Popularity float64             `json:"popularity,omitempty"`
}

// Decade returns e.g. "1990s", or "" without a year.
func (it Item) Decade() string {
	if it.Year <= 0 {
		return ""
	}
	return strconv.Itoa(it.Year/10*10) + "s"
}

func (it Item) score() float64 {
	if it.Popularity != 0 {
		return it.Popularity
	}
	return it.Rating
}

// MemoryCatalog answers resolver requests from an in-memory item list.
type MemoryCatalog struct {
	mu    sync.RWMutex
	items []Item
	byID  map[string]int
}

func NewMemoryCatalog(items []Item) *MemoryCatalog {
	c := &MemoryCatalog{byID: map[string]int{}}
	c.Add(items...)
	return c
}

// LoadCatalog reads a JSON array of items from path.
func LoadCatalog(path string) (*MemoryCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a JSON array of items.
func ParseCatalog(data []byte) (*MemoryCatalog, error) {
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	for i, it := range items {
		if strings.TrimSpace(it.ID) == "" {
			return nil, fmt.Errorf("%w: item %d has no id", ErrInvalidCatalog, i)
		}
	}
	return NewMemoryCatalog(items), nil
}

// Add inserts or replaces items by id.
func (c *MemoryCatalog) Add(items ...Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range items {
		if idx, ok := c.byID[it.ID]; ok {
			c.items[idx] = it
			continue
		}
		c.byID[it.ID] = len(c.items)
		c.items = append(c.items, it)
	}
}

func (c *MemoryCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *MemoryCatalog) Get(id string) (Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byID[id]
	if !ok {
		return Item{}, false
	}
	return c.items[idx], true
}

// HasTag reports whether item id carries attr=value. Unknown ids carry no
// tags.
func (c *MemoryCatalog) HasTag(id string, attr constraints.Attribute, value string) bool {
	it, ok := c.Get(id)
	if !ok {
		return false
	}
	return matches(it, constraints.Constraint{Attribute: attr, Value: value})
}

// Resolve returns every item matching all includes and no exclude.
func (c *MemoryCatalog) Resolve(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	skip := make(map[string]bool, len(req.ExcludeIDs))
	for _, id := range req.ExcludeIDs {
		skip[id] = true
	}

	c.mu.RLock()
	var out []Candidate
	for _, it := range c.items {
		if skip[it.ID] || !matchesAll(it, req.Constraints) {
			continue
		}
		out = append(out, Candidate{ID: it.ID, Score: it.score()})
	}
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	total := len(out)
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return Response{Candidates: out, TotalMatched: total}, nil
}

func matchesAll(it Item, cs []constraints.Constraint) bool {
	for _, c := range cs {
		hit := matches(it, c)
		if c.Polarity == constraints.Exclude {
			hit = !hit
		}
		if !hit {
			return false
		}
	}
	return true
}

func matches(it Item, c constraints.Constraint) bool {
	if num, ok := numeric(it, c.Attribute); ok {
		if c.Range != nil {
			return c.Range.Contains(num)
		}
		want, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		return err == nil && want == num
	}
	want := strings.ToLower(strings.TrimSpace(c.Value))
	for _, v := range values(it, c.Attribute) {
		if strings.ToLower(v) == want {
			return true
		}
	}
	return false
}

func numeric(it Item, a constraints.Attribute) (float64, bool) {
	switch a {
	case constraints.AttrYear:
		return float64(it.Year), it.Year > 0
	case constraints.AttrRating:
		return it.Rating, it.Rating > 0
	case constraints.AttrDuration:
		return float64(it.Duration), it.Duration > 0
	}
	return 0, false
}

func values(it Item, a constraints.Attribute) []string {
	vals := it.Attributes[string(a)]
	if a == constraints.AttrDecade && len(vals) == 0 {
		if d := it.Decade(); d != "" {
			return []string{d}
		}
	}
	return vals
}
