package knowledge

import (
	"strings"
	"time"
)

// Corpus is a read-only snapshot of the external knowledge store for one
// workspace. Decisions, Patterns and Links are required collections: a
// backend that has none must return empty, non-nil slices. Custom is optional.
type Corpus struct {
	WorkspaceID string         `json:"workspace_id"`
	AsOf        time.Time      `json:"as_of"`
	Decisions   []Item         `json:"decisions"`
	Patterns    []Item         `json:"patterns"`
	Custom      []Item         `json:"custom,omitempty"`
	Links       []Relationship `json:"links"`
}

// Validate reports a StructuralError when a required collection is missing.
func (c *Corpus) Validate() error {
	if c == nil {
		return NewStructuralError("corpus", "corpus is nil")
	}
	var missing []string
	if c.Decisions == nil {
		missing = append(missing, "decisions")
	}
	if c.Patterns == nil {
		missing = append(missing, "patterns")
	}
	if c.Links == nil {
		missing = append(missing, "links")
	}
	if len(missing) > 0 {
		return NewStructuralError("corpus", "missing required collections: "+strings.Join(missing, ", "))
	}
	return nil
}

// Items returns every item in collection order, with Type filled in from the
// collection when the record did not declare one.
func (c *Corpus) Items() []Item {
	out := make([]Item, 0, len(c.Decisions)+len(c.Patterns)+len(c.Custom))
	for _, it := range c.Decisions {
		if it.Type == "" {
			it.Type = ItemDecision
		}
		out = append(out, it)
	}
	for _, it := range c.Patterns {
		if it.Type == "" {
			it.Type = ItemPattern
		}
		out = append(out, it)
	}
	for _, it := range c.Custom {
		if it.Type == "" {
			it.Type = ItemCustom
		}
		out = append(out, it)
	}
	return out
}

// ReferenceTime is the corpus-relative "now" used for age computations: AsOf
// when set, otherwise the newest item's creation time.
func (c *Corpus) ReferenceTime() time.Time {
	if !c.AsOf.IsZero() {
		return c.AsOf
	}
	var newest time.Time
	for _, it := range c.Items() {
		if it.CreatedAt.After(newest) {
			newest = it.CreatedAt
		}
	}
	return newest
}
